package document

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/samber/lo"
)

// DefaultExtensions are the document extensions processed when none are configured
var DefaultExtensions = []string{".pdf"}

// Entry is a directory entry together with the directory it was listed from
type Entry struct {
	Dir  string
	Info os.FileInfo
}

// Name returns the entry's file name, its identity for matching
func (e Entry) Name() string {
	return e.Info.Name()
}

// Path returns the full path of the entry
func (e Entry) Path() string {
	return filepath.Join(e.Dir, e.Info.Name())
}

// Filter classifies directory entries as documents or subdirectories
type Filter struct {
	extensions map[string]bool
}

// NewFilter creates a filter for the given extensions. Extensions are matched
// case-insensitively and may be given with or without the leading dot.
func NewFilter(extensions []string) *Filter {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	f := &Filter{extensions: make(map[string]bool, len(extensions))}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.extensions[ext] = true
	}
	return f
}

// IsDocument returns true for regular files with a processable extension
func (f *Filter) IsDocument(info os.FileInfo) bool {
	if !info.Mode().IsRegular() || isHidden(info) {
		return false
	}
	return f.HasDocumentExtension(info.Name())
}

// HasDocumentExtension reports whether name carries one of the filter's extensions
func (f *Filter) HasDocumentExtension(name string) bool {
	return f.extensions[strings.ToLower(filepath.Ext(name))]
}

// IsSubdirectory returns true for directories. Symbolic links are not
// followed, so a linked directory is neither a document nor a subdirectory.
func (f *Filter) IsSubdirectory(info os.FileInfo) bool {
	return info.IsDir() && !isHidden(info)
}

// List partitions the listing of dir into documents and subdirectories.
// A missing or unreadable directory yields two empty slices.
func (f *Filter) List(fs billy.Dir, dir string) (docs, subdirs []Entry) {
	infos, err := fs.ReadDir(dir)
	if err != nil {
		return nil, nil
	}

	for _, info := range infos {
		switch {
		case f.IsDocument(info):
			docs = append(docs, Entry{Dir: dir, Info: info})
		case f.IsSubdirectory(info):
			subdirs = append(subdirs, Entry{Dir: dir, Info: info})
		}
	}
	return docs, subdirs
}

// Documents lists only the documents of dir
func (f *Filter) Documents(fs billy.Dir, dir string) []Entry {
	docs, _ := f.List(fs, dir)
	return docs
}

// Subdirectories lists only the subdirectories of dir
func (f *Filter) Subdirectories(fs billy.Dir, dir string) []Entry {
	_, subdirs := f.List(fs, dir)
	return subdirs
}

// IndexByName maps entries by file name. Names are unique within one
// directory listing, so no entry is shadowed.
func IndexByName(entries []Entry) map[string]Entry {
	return lo.KeyBy(entries, func(e Entry) string {
		return e.Name()
	})
}

// isHidden skips dot files (scratch files, editor droppings, .git)
func isHidden(info os.FileInfo) bool {
	return strings.HasPrefix(info.Name(), ".")
}

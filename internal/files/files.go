// Package files holds the per-file filesystem operations of a sync pass:
// replace-copying a document into a directory and probing whether a target
// can actually be written.
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// ErrNotWritable is returned by IsWritable when a target cannot be opened for writing
var ErrNotWritable = errors.New("file is not writable")

// NativeFS is a billy.Filesystem over the host filesystem without a chroot,
// so absolute host paths (including drive letters) are used as-is.
type NativeFS struct {
	osfs.ChrootOS
}

// NewNativeFS returns a filesystem that acts like the native filesystem.
//
//nolint:ireturn // billy.Filesystem is the abstraction every caller works with.
func NewNativeFS() billy.Filesystem {
	return &NativeFS{}
}

// Chroot returns a new filesystem rooted at the provided path.
//
//nolint:ireturn // signature is dictated by billy.Chroot.
func (n *NativeFS) Chroot(path string) (billy.Filesystem, error) {
	return osfs.New(path), nil
}

// Root returns the root path for this filesystem.
func (n *NativeFS) Root() string {
	return string(filepath.Separator)
}

// Chmod changes the mode of the named file.
func (n *NativeFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(name, mode)
}

// chmoder is the part of billy.Change the copier needs
type chmoder interface {
	Chmod(name string, mode os.FileMode) error
}

// Copier copies documents into directories, replacing existing files
type Copier struct {
	fs billy.Filesystem
}

// NewCopier creates a copier operating on fs
func NewCopier(fs billy.Filesystem) *Copier {
	return &Copier{fs: fs}
}

// CopyInto copies src into destDir under the same base name and returns the
// number of bytes written. An existing destination file is replaced.
func (c *Copier) CopyInto(src, destDir string) (int64, error) {
	dst := c.fs.Join(destDir, filepath.Base(src))
	n, err := c.copyFile(src, dst)
	if err != nil {
		return 0, fmt.Errorf("copy %s to %s: %w", src, destDir, err)
	}
	return n, nil
}

// copyFile copies a file from src to dst with atomic write
func (c *Copier) copyFile(src, dst string) (int64, error) {
	// Open source
	srcFile, err := c.fs.Open(src)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := c.fs.Stat(src)
	if err != nil {
		return 0, err
	}

	// Create temp file in destination directory
	tmpFile, err := c.fs.TempFile(filepath.Dir(dst), ".slipsheet-tmp-")
	if err != nil {
		return 0, err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = c.fs.Remove(tmpPath)
	}() // cleanup on error

	n, err := io.Copy(tmpFile, srcFile)
	if err != nil {
		_ = tmpFile.Close()
		return 0, err
	}

	if err := tmpFile.Close(); err != nil {
		return 0, err
	}

	// Keep source permissions where the filesystem supports it
	if ch, ok := c.fs.(chmoder); ok {
		if err := ch.Chmod(tmpPath, srcInfo.Mode().Perm()); err != nil {
			return 0, err
		}
	}

	if err := c.fs.Rename(tmpPath, dst); err != nil {
		return 0, err
	}

	return n, nil
}

// IsWritable verifies that path can really be opened for writing by opening
// it in append mode and closing it again. Permission bits are not enough: a
// document held open by another program reports as writable on some hosts
// but cannot be replaced. A missing file is not writable.
func IsWritable(fs billy.Basic, path string) error {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotWritable, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotWritable, path, err)
	}
	return nil
}

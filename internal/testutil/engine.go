package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
)

// FakeEngineOptions tunes the behaviour of a fake script engine
type FakeEngineOptions struct {
	StdoutLines int  // lines written to stdout
	StderrLines int  // lines written to stderr
	ExitCode    int  // process exit status
	Apply       bool // append a revision marker to the opened document and copy it to the extracted target
}

// FakeEngine is a shell script standing in for the document engine. It
// records every invocation argument and a copy of every script it was given.
type FakeEngine struct {
	Path string
	Dir  string
}

const fakeEngineTemplate = `#!/bin/sh
dir=%q
echo "$1" >> "$dir/invocations.log"
p=${1#Script(\"}
p=${p%%\")}
n=$(ls "$dir/scripts" | wc -l)
cp "$p" "$dir/scripts/script-$(printf '%%04d' $((n+1))).bci"
if [ %q = "true" ]; then
	hist=$(sed -n 's/^Open("\(.*\)")$/\1/p' "$p")
	cur=$(sed -n 's/^PageExtract("1","\(.*\)")$/\1/p' "$p" | tail -n 1)
	echo "revision" >> "$hist"
	cp "$hist" "$cur"
fi
i=0
while [ $i -lt %d ]; do echo "stdout line $i"; i=$((i+1)); done
i=0
while [ $i -lt %d ]; do echo "stderr line $i" >&2; i=$((i+1)); done
exit %d
`

// NewFakeEngine writes a fake engine executable into a fresh temp directory.
// Tests using it are skipped on Windows.
func NewFakeEngine(t *testing.T, opts FakeEngineOptions) *FakeEngine {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake engine requires a POSIX shell")
	}

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0755); err != nil {
		t.Fatal(err)
	}

	content := fmt.Sprintf(fakeEngineTemplate, dir, fmt.Sprint(opts.Apply), opts.StdoutLines, opts.StderrLines, opts.ExitCode)
	path := filepath.Join(dir, "ScriptEngine")
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}

	return &FakeEngine{Path: path, Dir: dir}
}

// Invocations returns the arguments of every recorded invocation, in order
func (f *FakeEngine) Invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.Dir, "invocations.log"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// Scripts returns the content of every script the engine received, in order
func (f *FakeEngine) Scripts(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(f.Dir, "scripts"))
	if err != nil {
		t.Fatal(err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	scripts := make([]string, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(f.Dir, "scripts", name))
		if err != nil {
			t.Fatal(err)
		}
		scripts = append(scripts, string(data))
	}
	return scripts
}

// WriteTree creates files below root. Keys are slash-separated relative
// paths; a key ending in "/" creates an empty directory.
func WriteTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if strings.HasSuffix(rel, "/") {
			if err := os.MkdirAll(path, 0755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// ReadFile returns the content of a file or fails the test
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

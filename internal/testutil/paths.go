package testutil

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ModulePath is the module declared by the slipsheet go.mod
const ModulePath = "github.com/schaermu/slipsheet"

// FindProjectRoot walks up from the caller's source file to the directory
// holding the slipsheet go.mod. A go.mod declaring another module is skipped.
func FindProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", errors.New("failed to get caller information")
	}
	return findModuleRoot(filepath.Dir(filename), ModulePath)
}

func findModuleRoot(dir, module string) (string, error) {
	for {
		if declaresModule(filepath.Join(dir, "go.mod"), module) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod for %s not found in any parent directory", module)
		}
		dir = parent
	}
}

// declaresModule reports whether the go.mod at path declares module
func declaresModule(path, module string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if name, ok := strings.CutPrefix(line, "module "); ok {
			return strings.Trim(strings.TrimSpace(name), `"`) == module
		}
	}
	return false
}

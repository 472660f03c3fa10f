package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindProjectRoot(t *testing.T) {
	root, err := FindProjectRoot()
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "cmd", "slipsheet"))
	assert.NoError(t, err, "project root should contain cmd/slipsheet")
}

func TestFindModuleRoot(t *testing.T) {
	root := t.TempDir()
	WriteTree(t, root, map[string]string{
		"go.mod":              "module " + ModulePath + "\n\ngo 1.23.0\n",
		"vendor/other/go.mod": "module example.com/other\n",
		"vendor/other/pkg/":   "",
	})

	got, err := findModuleRoot(filepath.Join(root, "vendor", "other", "pkg"), ModulePath)
	require.NoError(t, err)
	assert.Equal(t, root, got, "a go.mod for another module is skipped")

	_, err = findModuleRoot(filepath.Join(root, "vendor"), "example.com/missing")
	assert.Error(t, err)
}

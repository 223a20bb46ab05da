package files

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	bin := filepath.Join(root, "a", "sonar-tantivy")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	// a directory with the same name deeper down does not count
	require.NoError(t, os.Mkdir(filepath.Join(root, "a", "b", "sonar-tantivy"), 0o755))

	cases := []struct {
		name string
		file string
		dir  string
		exp  string
	}{
		{name: "in a parent", file: "sonar-tantivy", dir: nested, exp: bin},
		{name: "in the dir itself", file: "sonar-tantivy", dir: filepath.Join(root, "a"), exp: bin},
		{name: "not found", file: "does-not-exist-anywhere", dir: nested, exp: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p, err := FindUp(c.file, c.dir)
			require.NoError(t, err)
			assert.Equal(t, c.exp, p)
		})
	}

	_, err := FindUp("x", filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestFindBinary(t *testing.T) {
	root := t.TempDir()

	_, err := FindBinary("does-not-exist-anywhere", root)
	assert.ErrorIs(t, err, exec.ErrNotFound)

	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh on PATH")
	}
	p, err := FindBinary("sh", root)
	require.NoError(t, err)
	assert.Equal(t, sh, p)
}

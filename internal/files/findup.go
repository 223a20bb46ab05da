package files

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindUp searches dir and then each of its parents for an entry called name.
// It returns the path of the first match, or "" if the filesystem root is reached without one.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() && !e.IsDir() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}

// FindBinary locates an executable called name, first upwards from dir and then on $PATH.
func FindBinary(name, dir string) (string, error) {
	p, err := FindUp(name, dir)
	if err != nil {
		return "", err
	}
	if p != "" {
		return p, nil
	}
	p, err = exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found above %s or on PATH: %w", name, dir, err)
	}
	return p, nil
}

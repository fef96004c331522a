package aitextgen

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// FindPython resolves the interpreter used to run the bridge. An explicit
// choice must exist; otherwise PATH is searched first, then the usual
// virtualenv locations.
func FindPython(preferred string) (string, error) {
	if preferred != "" {
		path, err := exec.LookPath(preferred)
		if err != nil {
			return "", fmt.Errorf("python interpreter %q not found: %w", preferred, err)
		}
		return path, nil
	}

	for _, name := range []string{"python3", "python"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}

	var candidates []string
	for _, env := range []string{"VIRTUAL_ENV", "CONDA_PREFIX"} {
		if prefix := os.Getenv(env); prefix != "" {
			candidates = append(candidates,
				filepath.Join(prefix, "bin", "python3"),
				filepath.Join(prefix, "bin", "python"))
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".venv", "bin", "python3"),
			filepath.Join(home, "venv", "bin", "python3"))
	}

	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	return "", fmt.Errorf("python interpreter not found")
}

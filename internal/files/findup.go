package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// WorkerBinName is the file name of the worker executable built from cmd/offload-worker.
const WorkerBinName = "offload-worker"

// FindUp searches dir and then each of its parents for an entry called name.
// It returns the empty string if nothing is found.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() {
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

// FindWorkerBin looks for the worker executable next to the working directory or above it.
func FindWorkerBin() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting wd: %w", err)
	}
	p, err := FindUp(WorkerBinName, wd)
	if err != nil {
		return "", err
	}
	if p == "" {
		return "", errors.New("unable to find " + WorkerBinName + " bin")
	}
	return p, nil
}

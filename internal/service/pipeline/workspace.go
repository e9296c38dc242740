package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
)

// workspace manages per-deployment checkout directories under a shared root.
type workspace struct {
	root string
}

// Dir returns the checkout path for a deployment without creating it.
func (w workspace) Dir(projectName, deploymentID string) string {
	return filepath.Join(w.root, projectName, deploymentID)
}

// Prepare creates a fresh checkout directory, removing any leftover from a
// previous run with the same identifier.
func (w workspace) Prepare(projectName, deploymentID string) (string, error) {
	dir := w.Dir(projectName, deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clean workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a deployment's checkout directory.
func (w workspace) Cleanup(projectName, deploymentID string) error {
	return os.RemoveAll(w.Dir(projectName, deploymentID))
}

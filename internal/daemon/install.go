package daemon

import (
	"fmt"
	"os"
	"path/filepath"
)

// InstallBinary copies the running binary to targetDir/routemesh
func InstallBinary(sourcePath, targetDir string) (string, error) {
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create target directory: %w", err)
	}

	targetPath := filepath.Join(targetDir, ServiceName)
	if abs, _ := filepath.Abs(sourcePath); abs == targetPath {
		return targetPath, nil
	}

	source, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to open source file: %w", err)
	}
	defer source.Close()

	target, err := os.Create(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to create target file: %w", err)
	}
	defer target.Close()

	if _, err := target.ReadFrom(source); err != nil {
		return "", fmt.Errorf("failed to copy binary: %w", err)
	}

	if err := os.Chmod(targetPath, 0o755); err != nil {
		return "", fmt.Errorf("failed to set executable permissions: %w", err)
	}
	return targetPath, nil
}

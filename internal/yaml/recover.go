package yaml

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted document into <root>/quarantine and returns its new path.
func Quarantine(root, path string) (string, error) {
	dir := filepath.Join(root, "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dest := filepath.Join(dir, fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405.000")))
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dest, nil
}

// RestoreFromBackup copies path+".bak" back to path if the backup still validates as a
// fileType document.
func RestoreFromBackup(path, fileType string) error {
	content, err := os.ReadFile(path + ".bak")
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	if err := ValidateSchemaHeader(content, fileType); err != nil {
		return fmt.Errorf("backup is also corrupted: %w", err)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recover quarantines a corrupted document and restores its backup when one is usable.
// It reports whether a document is present at path afterwards; a missing or unusable
// backup is not an error.
func Recover(root, path, fileType string) (bool, error) {
	if _, err := Quarantine(root, path); err != nil {
		return false, err
	}
	if err := RestoreFromBackup(path, fileType); err != nil {
		return false, nil
	}
	return true, nil
}

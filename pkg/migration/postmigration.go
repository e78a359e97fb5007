package migration

import (
	"errors"
	"os"
	"path/filepath"
)

// PostMigrationNoteName is the note left in a rehydrated home so the agent
// learns about the move on its next tick.
const PostMigrationNoteName = "POST_MIGRATION.md"

// WritePostMigrationNote writes the note into homePath.
func WritePostMigrationNote(homePath, content string) error {
	if err := os.MkdirAll(homePath, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(homePath, PostMigrationNoteName), []byte(content), 0o600)
}

// ReadPostMigrationNote returns the note's content and whether it exists.
func ReadPostMigrationNote(homePath string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(homePath, PostMigrationNoteName))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}

// ClearPostMigrationNote removes the note. Missing notes are fine.
func ClearPostMigrationNote(homePath string) error {
	err := os.Remove(filepath.Join(homePath, PostMigrationNoteName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

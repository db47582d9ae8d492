// Package yaml holds the file store's on-disk document format: atomic replacement with a .bak
// of the last good version, schema headers, and recovery of corrupted documents.
package yaml

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

const documentMode = 0644

// WriteDocument marshals doc and atomically replaces path with it. With a non-empty fileType
// the new content must carry a valid header of that type, and the document it displaces only
// becomes path+".bak" if it passes the same check, so a corrupted current file never evicts
// the last good backup. Rewriting identical content is a no-op.
func WriteDocument(path, fileType string, doc any) error {
	content, err := yamlv3.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return replace(path, fileType, content)
}

func replace(path, fileType string, content []byte) error {
	if err := checkDocument(content, fileType); err != nil {
		return fmt.Errorf("refuse to write %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	prev, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		prev = nil
	case err != nil:
		return fmt.Errorf("read current document: %w", err)
	case bytes.Equal(prev, content):
		return nil
	}

	if prev != nil && checkDocument(prev, fileType) == nil {
		if err := install(dir, path+".bak", prev); err != nil {
			return fmt.Errorf("rotate backup: %w", err)
		}
	}
	if err := install(dir, path, content); err != nil {
		return fmt.Errorf("install document: %w", err)
	}
	syncDir(dir)
	return nil
}

func checkDocument(content []byte, fileType string) error {
	if fileType != "" {
		return ValidateSchemaHeader(content, fileType)
	}
	var v any
	return yamlv3.Unmarshal(content, &v)
}

// install writes content to a synced temp file beside target and renames it into place.
func install(dir, target string, content []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	err = func() error {
		if err := tmp.Chmod(documentMode); err != nil {
			return err
		}
		if _, err := tmp.Write(content); err != nil {
			return err
		}
		if err := tmp.Sync(); err != nil {
			return err
		}
		return tmp.Close()
	}()
	if err == nil {
		err = os.Rename(name, target)
	}
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	return nil
}

// syncDir persists the renames in dir. Filesystems that reject a directory fsync keep the
// rename without the durability guarantee.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

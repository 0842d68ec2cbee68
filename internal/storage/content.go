package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ContentRefPrefix marks a content column that points at an offloaded file.
const ContentRefPrefix = "#contentref:"

// contentStore offloads oversized message content to one file per message.
type contentStore struct {
	dir string
}

// put returns the column value for content: the JSON itself, or a reference
// to a freshly written file when it exceeds MaxInlineContent.
func (c *contentStore) put(content json.RawMessage) (string, error) {
	if len(content) <= MaxInlineContent {
		return string(content), nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("content dir: %w", err)
	}
	path := filepath.Join(c.dir, uuid.NewString()+".json")
	if err := writeFileAtomic(path, content); err != nil {
		return "", fmt.Errorf("offload content: %w", err)
	}
	return ContentRefPrefix + path, nil
}

// writeFileAtomic writes to a sibling temp file and renames it into place, so
// readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// get resolves a column value back into content.
func (c *contentStore) get(stored string) (json.RawMessage, error) {
	path, ok := contentRef(stored)
	if !ok {
		return json.RawMessage(stored), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read offloaded content: %w", err)
	}
	return json.RawMessage(b), nil
}

// remove deletes the file behind stored, if any. A missing file is not an error.
func (c *contentStore) remove(stored string) error {
	path, ok := contentRef(stored)
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// clear removes every offloaded file.
func (c *contentStore) clear() error {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		// .tmp files are writes that never got renamed into place.
		if ext := filepath.Ext(e.Name()); ext != ".json" && ext != ".tmp" {
			continue
		}
		_ = os.Remove(filepath.Join(c.dir, e.Name()))
	}
	return nil
}

func contentRef(stored string) (string, bool) {
	if !strings.HasPrefix(stored, ContentRefPrefix) {
		return "", false
	}
	return strings.TrimPrefix(stored, ContentRefPrefix), true
}

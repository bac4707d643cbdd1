// Package document stores the canonical dataset as a single JSON document on disk.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"example.com/activitysync/internal/domain"
	"example.com/activitysync/internal/observability"
)

// ErrCorruptDocument is returned by Update when the stored document cannot be
// parsed; the file is left untouched.
var ErrCorruptDocument = errors.New("canonical document is corrupt")

// Repository reads and rewrites the whole document on every merge.
type Repository struct {
	path   string
	logger logrus.FieldLogger
	mu     sync.Mutex
}

// NewRepository creates the document at path with empty arrays if it does not exist.
func NewRepository(path string, logger logrus.FieldLogger) (*Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("document path is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Repository{path: path, logger: logger}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := r.writeLocked(domain.EmptyDocument()); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	return r, nil
}

// Load returns the stored document. An unreadable or corrupt document is
// reported as empty so read endpoints keep working.
func (r *Repository) Load(context.Context) (domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.readLocked()
	if err != nil {
		r.logger.WithError(err).WithField("path", r.path).Error("failed to read canonical document")
		return domain.EmptyDocument(), nil
	}
	return doc, nil
}

// Update rewrites the document with the result of fn.
func (r *Repository) Update(ctx context.Context, fn func(*domain.Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	doc, err := r.readLocked()
	if err != nil {
		return err
	}
	if err := fn(&doc); err != nil {
		return err
	}
	if err := r.writeLocked(doc.Normalize()); err != nil {
		return err
	}
	observability.RecordDocumentPersisted(len(doc.Users), len(doc.Progress))
	return nil
}

func (r *Repository) readLocked() (domain.Document, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.EmptyDocument(), nil
		}
		return domain.Document{}, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return domain.EmptyDocument(), nil
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.Document{}, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	return doc.Normalize(), nil
}

func (r *Repository) writeLocked(doc domain.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), "."+filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return err
	}
	committed = true
	return nil
}

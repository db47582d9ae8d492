// Package snapshot implements the stores that back the workspace state sync queue.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/commsengine/internal/lock"
	"github.com/msageha/commsengine/internal/model"
	"github.com/msageha/commsengine/internal/syncqueue"
	yamlutil "github.com/msageha/commsengine/internal/yaml"
)

type stateDocument struct {
	yamlutil.SchemaHeader `yaml:",inline"`
	Namespace             string    `yaml:"namespace"`
	ScopeKey              string    `yaml:"scope_key"`
	StateSchemaVersion    int       `yaml:"state_schema_version"`
	PersistedAt           time.Time `yaml:"persisted_at"`
	State                 any       `yaml:"state"`
}

// FileStore keeps one YAML document per key at <root>/<namespace>/<scopeKey>.yaml.
type FileStore struct {
	root     string
	locks    *lock.MutexMap
	now      func() time.Time
	logger   *log.Logger
	logLevel model.LogLevel
}

func NewFileStore(root string, logger *log.Logger, level model.LogLevel) *FileStore {
	return &FileStore{
		root:     root,
		locks:    lock.NewMutexMap(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
		logLevel: level,
	}
}

func (s *FileStore) path(namespace, scopeKey string) string {
	return filepath.Join(s.root, syncqueue.NormalizeIdentifier(namespace), syncqueue.NormalizeIdentifier(scopeKey)+".yaml")
}

// Save writes the document unless the one on disk was persisted later.
func (s *FileStore) Save(ctx context.Context, namespace, scopeKey string, schemaVersion int, state json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(state, &decoded); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	doc := stateDocument{
		SchemaHeader:       yamlutil.Header(yamlutil.FileTypeWorkspaceState),
		Namespace:          namespace,
		ScopeKey:           scopeKey,
		StateSchemaVersion: schemaVersion,
		PersistedAt:        s.now(),
		State:              decoded,
	}
	path := s.path(namespace, scopeKey)

	return s.locks.WithLock(path, func() error {
		existing, err := s.read(path)
		if err != nil {
			return err
		}
		if existing != nil && existing.PersistedAt.After(doc.PersistedAt) {
			model.Logf(s.logger, s.logLevel, model.LogLevelDebug, "filestore",
				"skip stale write %s:%s (on disk %s)", namespace, scopeKey, existing.PersistedAt.Format(time.RFC3339Nano))
			return nil
		}
		if err := yamlutil.WriteDocument(path, yamlutil.FileTypeWorkspaceState, doc); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		return nil
	})
}

// Load returns the stored state, or nil when the key has never been saved. A corrupted
// document is quarantined and its backup used when possible.
func (s *FileStore) Load(ctx context.Context, namespace, scopeKey string) (*syncqueue.StoredState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.path(namespace, scopeKey)
	var doc *stateDocument
	err := s.locks.WithLock(path, func() error {
		var err error
		doc, err = s.read(path)
		return err
	})
	if err != nil || doc == nil {
		return nil, err
	}
	state, err := json.Marshal(doc.State)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return &syncqueue.StoredState{State: state, PersistedAt: doc.PersistedAt, SchemaVersion: doc.StateSchemaVersion}, nil
}

// read must run under the key's lock.
func (s *FileStore) read(path string) (*stateDocument, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yamlutil.ValidateSchemaHeader(content, yamlutil.FileTypeWorkspaceState); err != nil {
		model.Logf(s.logger, s.logLevel, model.LogLevelWarn, "filestore", "corrupted document %s: %v", path, err)
		restored, rerr := yamlutil.Recover(s.root, path, yamlutil.FileTypeWorkspaceState)
		if rerr != nil {
			return nil, fmt.Errorf("recover %s: %w", path, rerr)
		}
		if !restored {
			return nil, nil
		}
		if content, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read restored %s: %w", path, err)
		}
	}
	var doc stateDocument
	if err := yamlv3.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &doc, nil
}

func (s *FileStore) Close() error { return nil }

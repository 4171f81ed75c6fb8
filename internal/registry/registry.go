// Package registry maps topic names to open Topics, scanning the broker's
// base directory on startup and creating new Topics on demand.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/go4org/hashtriemap"

	"github.com/eventlogio/eventlog/internal/brokererr"
	"github.com/eventlogio/eventlog/internal/storage"
)

// Registry owns every open Topic, keyed by name, rooted under baseDir.
type Registry struct {
	baseDir string
	logger  *slog.Logger

	topics hashtriemap.HashTrieMap[string, *storage.Topic]

	// createMu serializes the check-then-create path of GetOrCreate so two
	// concurrent callers for a brand new topic never build two Topics for
	// the same name; hashtriemap itself only guarantees a consistent map,
	// not this invariant.
	createMu sync.Mutex
}

// Open scans baseDir for existing topic subdirectories and opens each as a
// Topic, mirroring the teacher's storage.NewPartition directory scan.
func Open(baseDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(baseDir, 0750); err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "create base directory", err)
	}

	r := &Registry{baseDir: baseDir, logger: logger}

	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.IoError, "scan base directory", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		topic, err := storage.Open(name, filepath.Join(baseDir, name), false, logger)
		if err != nil {
			r.logger.Warn("skipping topic that failed to open on startup", "topic", name, "error", err)
			continue
		}
		r.topics.Store(name, topic)
		r.logger.Info("recovered topic on startup", "topic", name, "next_offset", topic.NextOffset())
	}
	return r, nil
}

// Get returns the topic if already open, without creating it.
func (r *Registry) Get(name string) (*storage.Topic, bool) {
	return r.topics.Load(name)
}

// GetOrCreate returns the existing Topic for name, or creates and opens one.
func (r *Registry) GetOrCreate(name string) (*storage.Topic, error) {
	if topic, ok := r.topics.Load(name); ok {
		return topic, nil
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if topic, ok := r.topics.Load(name); ok {
		return topic, nil
	}

	topic, err := storage.Open(name, filepath.Join(r.baseDir, name), true, r.logger)
	if err != nil {
		return nil, err
	}
	r.topics.Store(name, topic)
	r.logger.Info("created topic", "topic", name)
	return topic, nil
}

// List returns every known topic name, in no particular order.
func (r *Registry) List() []string {
	var names []string
	r.topics.Range(func(name string, _ *storage.Topic) bool {
		names = append(names, name)
		return true
	})
	return names
}

// CloseAll closes every open Topic, collecting the first error encountered.
func (r *Registry) CloseAll() error {
	var firstErr error
	r.topics.Range(func(name string, topic *storage.Topic) bool {
		if err := topic.Close(); err != nil && firstErr == nil {
			firstErr = brokererr.Wrap(brokererr.IoError, fmt.Sprintf("close topic %q", name), err)
		}
		return true
	})
	return firstErr
}

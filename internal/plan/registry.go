package plan

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// projectIDPattern keeps project ids usable as directory names.
var projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ErrInvalidProjectID rejects project ids that cannot name a plan directory.
var ErrInvalidProjectID = errors.New("invalid project id")

// Registry hands out one Store per project, creating it on first use. All
// callers touching the same project's plan must go through the same
// registry so they share a single store and its lock.
type Registry struct {
	root   string
	logger *zap.Logger

	mu     sync.Mutex
	stores map[string]*Store
}

// NewRegistry creates a store registry rooted at dir. Each project's plan
// lives in its own subdirectory.
func NewRegistry(dir string, logger *zap.Logger) (*Registry, error) {
	if dir == "" {
		return nil, errors.New("registry directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		root:   dir,
		logger: logger,
		stores: make(map[string]*Store),
	}, nil
}

// Get returns the project's store, opening it on first access.
func (r *Registry) Get(projectID string) (*Store, error) {
	if !projectIDPattern.MatchString(projectID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProjectID, projectID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[projectID]; ok {
		return s, nil
	}

	s, err := NewStore(filepath.Join(r.root, projectID), projectID, r.logger)
	if err != nil {
		return nil, err
	}
	r.stores[projectID] = s

	r.logger.Info("plan store opened",
		zap.String("project.id", projectID),
		zap.String("path", s.Path()),
	)
	return s, nil
}

// Loaded returns the ids of projects with an open store, sorted.
func (r *Registry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.stores))
	for id := range r.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the plan when something other than this store rewrites the
// plan file, for editing surfaces that write the structured record
// directly. Valid external content replaces the in-memory plan and a
// snapshot is emitted on the returned channel; invalid content is rejected
// and the current plan kept. The watcher stops when ctx is done.
//
// The plan's directory is watched rather than the file itself because
// atomic rewrites replace the inode.
func (s *Store) Watch(ctx context.Context) (<-chan *Plan, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create plan watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch plan directory: %w", err)
	}

	reloads := make(chan *Plan, 4)
	go s.watchLoop(ctx, watcher, reloads)

	return reloads, nil
}

// watchLoop processes filesystem events until ctx is done.
func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, reloads chan<- *Plan) {
	defer close(reloads)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != planFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if p, ok := s.reloadExternal(); ok {
				select {
				case reloads <- p:
				default:
					// Slow consumer; the next event carries a
					// fresher snapshot anyway.
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("plan watcher error", zap.Error(err))
		}
	}
}

// reloadExternal reads the plan file and swaps it in if it is an external,
// valid rewrite. Returns the new snapshot when a swap happened.
func (s *Store) reloadExternal() (*Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to read rewritten plan", zap.Error(err))
		}
		return nil, false
	}

	// Our own saves land here too; skip them.
	if fingerprint(data) == s.lastWrite {
		return nil, false
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("rejecting external plan rewrite",
			zap.String("project.id", s.plan.ProjectID),
			zap.Error(err),
		)
		return nil, false
	}
	if p.Tasks == nil {
		p.Tasks = []*Task{}
	}
	if err := p.Validate(); err != nil {
		s.logger.Warn("rejecting external plan rewrite",
			zap.String("project.id", s.plan.ProjectID),
			zap.Error(err),
		)
		return nil, false
	}
	if p.ProjectID != s.plan.ProjectID {
		s.logger.Warn("rejecting external plan rewrite for wrong project",
			zap.String("project.id", s.plan.ProjectID),
			zap.String("rewrite.project.id", p.ProjectID),
		)
		return nil, false
	}

	s.plan = &p
	s.lastWrite = fingerprint(data)

	s.logger.Info("plan reloaded after external rewrite",
		zap.String("project.id", s.plan.ProjectID),
		zap.Int("plan.version", s.plan.Version),
	)
	return s.plan.Clone(), true
}

package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// StatusSink receives the asynchronous status for a committed session.
type StatusSink func(sessionID string, status *Status)

// LocalService implements Service against the local filesystem: sessions
// stage into a scratch directory and commit by atomic rename into the
// install root. The status callback fires from a goroutine after the rename
// lands, mirroring the platform installer's out-of-band confirmation.
type LocalService struct {
	root    string
	staging string

	mu   sync.Mutex
	sink StatusSink
	open map[string]*localSession
}

// NewLocalService creates a local session service installing into root.
func NewLocalService(root string) (*LocalService, error) {
	if root == "" {
		return nil, fmt.Errorf("install root is required")
	}
	staging := filepath.Join(root, ".staging")
	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &LocalService{
		root:    root,
		staging: staging,
		open:    make(map[string]*localSession),
	}, nil
}

// SetSink registers the status callback. Must be called before Commit.
func (s *LocalService) SetSink(sink StatusSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Open implements Service.
func (s *LocalService) Open(_ context.Context, declared Identity) (Session, error) {
	if declared.Name == "" {
		return nil, fmt.Errorf("package name is required")
	}

	id := uuid.New().String()
	path := filepath.Join(s.staging, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	sess := &localSession{
		id:       id,
		declared: declared,
		file:     f,
		path:     path,
		svc:      s,
	}

	s.mu.Lock()
	s.open[id] = sess
	s.mu.Unlock()

	return sess, nil
}

// Abandon implements Service, discarding the staged bytes.
func (s *LocalService) Abandon(_ context.Context, sessionID string) error {
	s.mu.Lock()
	sess := s.open[sessionID]
	delete(s.open, sessionID)
	s.mu.Unlock()

	if sess != nil {
		_ = sess.file.Close()
	}
	// Remove by id even when the session is not in memory: abandoned ids can
	// come from a prior run's journal.
	path := filepath.Join(s.staging, sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staged file: %w", err)
	}
	return nil
}

// localSession is one staged install.
type localSession struct {
	id       string
	declared Identity
	file     *os.File
	path     string
	svc      *LocalService
}

func (s *localSession) ID() string         { return s.id }
func (s *localSession) Declared() Identity { return s.declared }

func (s *localSession) Write(_ context.Context, p []byte) (int, error) {
	return s.file.Write(p)
}

func (s *localSession) Sync(_ context.Context) error {
	return s.file.Sync()
}

// Commit renames the staged file into the install root and reports the
// status through the sink from a separate goroutine.
func (s *localSession) Commit(_ context.Context) error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close staging file: %w", err)
	}

	s.svc.mu.Lock()
	sink := s.svc.sink
	delete(s.svc.open, s.id)
	s.svc.mu.Unlock()

	if sink == nil {
		return fmt.Errorf("no status sink registered")
	}

	final := filepath.Join(s.svc.root, fmt.Sprintf("%s-%s", s.declared.Name, s.declared.Version))

	go func() {
		if err := os.Rename(s.path, final); err != nil {
			sink(s.id, &Status{
				Code:    StatusFailure,
				Message: fmt.Sprintf("rename failed: %v", err),
			})
			return
		}
		sink(s.id, &Status{Code: StatusSuccess})
	}()

	return nil
}

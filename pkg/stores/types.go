package stores

import (
	"context"
	"time"
)

// Marker is the persisted proof that a provisioning step completed and passed
// positive verification. Markers are the authoritative source of
// resumability; in-memory step state is never trusted across runs.
type Marker struct {
	StepID        string    `json:"step_id"`
	SchemaVersion int       `json:"schema_version"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Credential is an encrypted secret at rest, keyed by name.
type Credential struct {
	Name       string    `json:"name"`
	Ciphertext []byte    `json:"-"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InstallSession is the journal record of an opened install session. Rows
// that survive a crash identify sessions that must be abandoned before the
// pipeline starts again.
type InstallSession struct {
	ID          string    `json:"id"`
	PackageName string    `json:"package_name"`
	OpenedAt    time.Time `json:"opened_at"`
}

// MarkerStore persists step completion markers.
type MarkerStore interface {
	PutMarker(ctx context.Context, m *Marker) error
	GetMarker(ctx context.Context, stepID string) (*Marker, error)
	ListMarkers(ctx context.Context) ([]*Marker, error)
	DeleteMarkers(ctx context.Context) error
}

// CredentialStore persists encrypted credentials.
type CredentialStore interface {
	PutCredential(ctx context.Context, name string, ciphertext []byte) error
	GetCredential(ctx context.Context, name string) (*Credential, error)
	DeleteCredential(ctx context.Context, name string) error
}

// SessionJournal records opened install sessions for crash-safe abandonment.
type SessionJournal interface {
	JournalSession(ctx context.Context, s *InstallSession) error
	ClearSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*InstallSession, error)
}

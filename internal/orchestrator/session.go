package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rowsync/rowsync/internal/batch"
	"github.com/rowsync/rowsync/internal/changes"
	"github.com/rowsync/rowsync/internal/syncerr"
)

// Session is the server's state for one client session. It is stored in a
// SessionStore between requests and must stay JSON encodable.
type Session struct {
	ID         string                 `json:"id"`
	ScopeName  string                 `json:"scope_name"`
	ClientID   uuid.UUID              `json:"client_id"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Step is the last step served
	Step Step `json:"step"`

	// LastServerSyncTimestamp and IsNew are reported by the client with
	// the upload
	LastServerSyncTimestamp int64 `json:"last_server_sync_timestamp"`
	IsNew                   bool  `json:"is_new"`

	// Upload stages incoming parts until the last one arrives
	Upload *batch.BatchInfo `json:"upload,omitempty"`

	// UploadApplied holds the upload statistics once the staged parts are
	// applied and until the download is spooled. A re-sent last part
	// meanwhile only selects the download again.
	UploadApplied *changes.DatabaseChangesApplied `json:"upload_applied,omitempty"`
	UploadLast    int                             `json:"upload_last"`

	// Applied is the response to the last upload part, replayed if the
	// client re-sends it
	Applied *ApplyChangesResponse `json:"applied,omitempty"`

	// ServerTimestamp is captured before the download is selected
	ServerTimestamp int64 `json:"server_timestamp"`

	// Download holds the spooled download
	Download *batch.BatchInfo `json:"download,omitempty"`

	// DownloadNext is the next part index the client may request
	DownloadNext int `json:"download_next"`

	CreatedAt time.Time `json:"created_at"`
}

// SessionStore keeps sessions between requests. Implementations must be
// safe for concurrent use.
type SessionStore interface {
	// Get returns the session or syncerr.ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	// Evict removes the session. Evicting an unknown id is not an error.
	Evict(ctx context.Context, id string) error
}

// MemoryStore is an in-process SessionStore whose entries expire after a
// TTL of inactivity.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]memoryEntry
}

type memoryEntry struct {
	session *Session
	expires time.Time
}

// NewMemoryStore creates a MemoryStore. A zero ttl never expires entries.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || m.expired(e) {
		delete(m.sessions, id)
		return nil, syncerr.Errorf(syncerr.ErrSessionNotFound, "session %s", id)
	}
	return e.session, nil
}

func (m *MemoryStore) Put(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{session: s}
	if m.ttl > 0 {
		e.expires = m.now().Add(m.ttl)
	}
	m.sessions[s.ID] = e
	return nil
}

func (m *MemoryStore) Evict(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Sweep drops expired sessions and returns them so their batches can be
// released.
func (m *MemoryStore) Sweep() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for id, e := range m.sessions {
		if m.expired(e) {
			expired = append(expired, e.session)
			delete(m.sessions, id)
		}
	}
	return expired
}

// Len returns the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) expired(e memoryEntry) bool {
	return !e.expires.IsZero() && m.now().After(e.expires)
}

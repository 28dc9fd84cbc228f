package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"itchgrab/lib/retryutil"
	"itchgrab/lib/scrapers/itchio"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("services/session")

// OwnedItemRef points at an item in the account's library. Membership is
// tested by item URL; the ref never carries the item itself.
type OwnedItemRef struct {
	ItemURL    string    `json:"url"`
	AcquiredAt time.Time `json:"acquired_at"`
}

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// a 6 digit one-time code or the base32 shared secret
	TOTP string `json:"totp,omitempty"`
}

// Session is the in-memory authentication state. The live token exists
// only in the client's cookie jar and dies with the process.
type Session struct {
	Username  string
	StartedAt time.Time
}

const stateFile = "session.json"

// persistedState is the single credential/owned-set record on disk. The
// session token is deliberately absent from it.
type persistedState struct {
	Credentials Credentials    `json:"credentials"`
	Owned       []OwnedItemRef `json:"owned"`
}

// Manager owns the authentication lifecycle and the owned-items set.
// Construct one per run; it is not a process-wide singleton so tests can
// hold several independent sessions.
type Manager struct {
	client  *itchio.Client
	path    string
	retry   retryutil.Policy
	session *Session
	owned   map[string]OwnedItemRef
}

func NewManager(client *itchio.Client, dir string, retry retryutil.Policy) *Manager {
	return &Manager{
		client: client,
		path:   filepath.Join(dir, stateFile),
		retry:  retry,
		owned:  map[string]OwnedItemRef{},
	}
}

func (m *Manager) Client() *itchio.Client {
	return m.client
}

func (m *Manager) Session() *Session {
	return m.session
}

func (m *Manager) loadState() (persistedState, bool) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return persistedState{}, false
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("ignoring corrupt session state", "path", m.path, "err", err)
		return persistedState{}, false
	}
	return state, true
}

// persist commits the credential cache and owned set atomically so a
// concurrent reader never sees a partial overwrite.
func (m *Manager) persist(state persistedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Login authenticates with the given credentials, filling blanks from the
// cached credential record of a previous run. Rejected credentials surface
// immediately (they do not become correct by retrying); network failures
// are retried under the shared backoff policy before giving up with a
// transient AuthError.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*Session, error) {
	ctx, span := tracer.Start(ctx, "manager:Login")
	defer span.End()

	cached, cachedFound := m.loadState()
	if creds.Username == "" {
		creds.Username = cached.Credentials.Username
	}
	if creds.Password == "" {
		creds.Password = cached.Credentials.Password
	}
	if creds.TOTP == "" {
		creds.TOTP = cached.Credentials.TOTP
	}
	if creds.Username == "" || creds.Password == "" {
		return nil, &itchio.AuthError{Message: "username and password are required"}
	}
	span.SetAttributes(attribute.String("username", creds.Username))

	err := retryutil.Do(ctx, m.retry, func() error {
		err := m.client.Login(ctx, creds.Username, creds.Password, creds.TOTP)
		var authErr *itchio.AuthError
		if errors.As(err, &authErr) {
			return retryutil.Permanent(err)
		}
		return err
	})
	if err != nil {
		var authErr *itchio.AuthError
		if errors.As(err, &authErr) {
			return nil, authErr
		}
		return nil, &itchio.AuthError{Message: err.Error(), Transient: true}
	}

	m.session = &Session{Username: creds.Username, StartedAt: time.Now()}

	m.owned = map[string]OwnedItemRef{}
	for _, ref := range cached.Owned {
		m.owned[ref.ItemURL] = ref
	}
	if cachedFound {
		slog.Info("restored owned set from cache", "items", len(m.owned))
	}

	if err := m.persist(persistedState{Credentials: creds, Owned: cached.Owned}); err != nil {
		return nil, fmt.Errorf("persist credential cache: %w", err)
	}
	return m.session, nil
}

// RefreshLibrary re-enumerates the account's owned items and replaces the
// stored set wholesale. Returns the new set size.
func (m *Manager) RefreshLibrary(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "manager:RefreshLibrary")
	defer span.End()

	if m.session == nil {
		return 0, fmt.Errorf("refresh library: not logged in")
	}

	games, err := m.client.OwnedGames(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	fresh := map[string]OwnedItemRef{}
	refs := make([]OwnedItemRef, 0, len(games))
	for _, game := range games {
		ref := OwnedItemRef{ItemURL: game.URL, AcquiredAt: now}
		if prev, ok := m.owned[game.URL]; ok && !prev.AcquiredAt.IsZero() {
			ref.AcquiredAt = prev.AcquiredAt
		}
		fresh[game.URL] = ref
		refs = append(refs, ref)
	}

	state, _ := m.loadState()
	state.Owned = refs
	if err := m.persist(state); err != nil {
		return 0, fmt.Errorf("persist owned set: %w", err)
	}
	m.owned = fresh

	span.SetAttributes(attribute.Int("owned", len(fresh)))
	return len(fresh), nil
}

func (m *Manager) Owns(itemUrl string) bool {
	_, ok := m.owned[itemUrl]
	return ok
}

func (m *Manager) OwnedCount() int {
	return len(m.owned)
}

// OwnedSet returns a snapshot of library membership keyed by item URL.
func (m *Manager) OwnedSet() map[string]struct{} {
	out := make(map[string]struct{}, len(m.owned))
	for url := range m.owned {
		out[url] = struct{}{}
	}
	return out
}

// MarkOwned optimistically records ownership for the rest of the run. It
// never touches the durable record; the next RefreshLibrary is the source
// of truth.
func (m *Manager) MarkOwned(itemUrl string) {
	m.owned[itemUrl] = OwnedItemRef{ItemURL: itemUrl, AcquiredAt: time.Now()}
}

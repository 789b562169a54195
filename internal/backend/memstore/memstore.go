// Package memstore is an in-process [backend.Backend]. It is used by tests,
// by the talk command when no database is configured, and as the local cache
// behind [backend.Cached].
package memstore

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nagriksetu/nagriksetu/internal/backend"
)

var (
	_ backend.Backend    = (*Store)(nil)
	_ backend.Registrar  = (*Store)(nil)
	_ backend.IDAppender = (*Store)(nil)
	_ backend.Pinger     = (*Store)(nil)
)

type user struct {
	identity backend.UserIdentity
	hash     []byte
}

// Option configures a [Store].
type Option func(*Store)

// WithBcryptCost sets the password hashing cost. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	cost int
	now  func() time.Time

	mu       sync.RWMutex
	offline  bool
	users    map[string]user // by lowercased email
	profiles map[string]backend.Profile
	feeds    map[string][]backend.Record
	ids      map[string]struct{} // feed + "/" + id
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
		users:    make(map[string]user),
		profiles: make(map[string]backend.Profile),
		feeds:    make(map[string][]backend.Record),
		ids:      make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetOffline makes every operation fail with backend.ErrUnavailable until
// called again with false. Tests use it to simulate an outage.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *Store) checkOnline() error {
	if s.offline {
		return fmt.Errorf("memstore: %w", backend.ErrUnavailable)
	}
	return nil
}

// Ping implements [backend.Pinger].
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOnline()
}

// Register implements [backend.Registrar].
func (s *Store) Register(_ context.Context, cred backend.Credentials, displayName string) (backend.UserIdentity, error) {
	if err := backend.ValidateCredentials(cred); err != nil {
		return backend.UserIdentity{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), s.cost)
	if err != nil {
		return backend.UserIdentity{}, fmt.Errorf("memstore: hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return backend.UserIdentity{}, err
	}
	key := strings.ToLower(cred.Email)
	if _, ok := s.users[key]; ok {
		return backend.UserIdentity{}, fmt.Errorf("memstore: register %q: %w", cred.Email, backend.ErrExists)
	}
	id := backend.UserIdentity{ID: uuid.NewString(), Email: cred.Email, DisplayName: displayName}
	s.users[key] = user{identity: id, hash: hash}
	return id, nil
}

// Authenticate implements [backend.Backend].
func (s *Store) Authenticate(_ context.Context, cred backend.Credentials) (backend.UserIdentity, error) {
	s.mu.RLock()
	if err := s.checkOnline(); err != nil {
		s.mu.RUnlock()
		return backend.UserIdentity{}, err
	}
	u, ok := s.users[strings.ToLower(cred.Email)]
	s.mu.RUnlock()

	if !ok {
		return backend.UserIdentity{}, backend.ErrAuth
	}
	if err := bcrypt.CompareHashAndPassword(u.hash, []byte(cred.Password)); err != nil {
		return backend.UserIdentity{}, backend.ErrAuth
	}
	return u.identity, nil
}

// GetProfile implements [backend.Backend].
func (s *Store) GetProfile(_ context.Context, userID string) (backend.Profile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOnline(); err != nil {
		return nil, false, err
	}
	p, ok := s.profiles[userID]
	if !ok {
		return nil, false, nil
	}
	return maps.Clone(p), true, nil
}

// PutProfile implements [backend.Backend].
func (s *Store) PutProfile(_ context.Context, userID string, partial backend.Profile) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", backend.ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return err
	}
	s.profiles[userID] = backend.MergeProfile(s.profiles[userID], partial)
	return nil
}

// AppendToFeed implements [backend.Backend].
func (s *Store) AppendToFeed(ctx context.Context, feed string, data map[string]any) (string, error) {
	id := uuid.NewString()
	if err := s.AppendWithID(ctx, feed, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// AppendWithID implements [backend.IDAppender].
func (s *Store) AppendWithID(_ context.Context, feed, id string, data map[string]any) error {
	if err := backend.ValidateFeed(feed); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline(); err != nil {
		return err
	}
	key := feed + "/" + id
	if _, dup := s.ids[key]; dup {
		return nil
	}
	s.ids[key] = struct{}{}
	s.feeds[feed] = append(s.feeds[feed], backend.Record{
		ID:        id,
		Data:      maps.Clone(data),
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// ListFeed implements [backend.Backend].
func (s *Store) ListFeed(_ context.Context, feed string, limit int, order backend.OrderBy) ([]backend.Record, error) {
	if err := backend.ValidateFeed(feed); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if err := s.checkOnline(); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	records := make([]backend.Record, len(s.feeds[feed]))
	for i, r := range s.feeds[feed] {
		r.Data = maps.Clone(r.Data)
		records[i] = r
	}
	s.mu.RUnlock()

	backend.SortRecords(records, order)
	if n := backend.ClampLimit(limit); len(records) > n {
		records = records[:n]
	}
	return records, nil
}

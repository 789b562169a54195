// Package postgres is the PostgreSQL implementation of [backend.Backend].
//
// Profiles are JSONB documents merged with the || operator, feeds are rows
// of one feed_records table, and passwords are stored as bcrypt hashes. All
// operations share a single [pgxpool.Pool].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.PutProfile(ctx, uid, backend.Profile{"points": 40})
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/nagriksetu/nagriksetu/internal/backend"
)

var (
	_ backend.Backend    = (*Store)(nil)
	_ backend.Registrar  = (*Store)(nil)
	_ backend.IDAppender = (*Store)(nil)
	_ backend.Pinger     = (*Store)(nil)
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Option configures a [Store].
type Option func(*Store)

// WithBcryptCost sets the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Store) { s.cost = cost }
}

// Store is the PostgreSQL-backed backend. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
	cost int
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", classify(err))
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool, cost: bcrypt.DefaultCost}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// classify marks errors that never reached the server as
// backend.ErrUnavailable. Errors reported by the server itself are returned
// as is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %w", backend.ErrUnavailable, err)
}

// Ping implements [backend.Pinger].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", classify(err))
	}
	return nil
}

// Register implements [backend.Registrar].
func (s *Store) Register(ctx context.Context, cred backend.Credentials, displayName string) (backend.UserIdentity, error) {
	if err := backend.ValidateCredentials(cred); err != nil {
		return backend.UserIdentity{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cred.Password), s.cost)
	if err != nil {
		return backend.UserIdentity{}, fmt.Errorf("postgres store: hash password: %w", err)
	}

	const q = `
		INSERT INTO users (id, email, display_name, password_hash)
		VALUES ($1, $2, $3, $4)`

	id := uuid.New()
	if _, err := s.pool.Exec(ctx, q, id, cred.Email, displayName, hash); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return backend.UserIdentity{}, fmt.Errorf("postgres store: register %q: %w", cred.Email, backend.ErrExists)
		}
		return backend.UserIdentity{}, fmt.Errorf("postgres store: register: %w", classify(err))
	}
	return backend.UserIdentity{ID: id.String(), Email: cred.Email, DisplayName: displayName}, nil
}

// Authenticate implements [backend.Backend].
func (s *Store) Authenticate(ctx context.Context, cred backend.Credentials) (backend.UserIdentity, error) {
	const q = `
		SELECT id, email, display_name, password_hash
		FROM   users
		WHERE  lower(email) = lower($1)`

	var (
		id   uuid.UUID
		user backend.UserIdentity
		hash []byte
	)
	err := s.pool.QueryRow(ctx, q, cred.Email).Scan(&id, &user.Email, &user.DisplayName, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return backend.UserIdentity{}, backend.ErrAuth
	}
	if err != nil {
		return backend.UserIdentity{}, fmt.Errorf("postgres store: authenticate: %w", classify(err))
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(cred.Password)); err != nil {
		return backend.UserIdentity{}, backend.ErrAuth
	}
	user.ID = id.String()
	return user, nil
}

// GetProfile implements [backend.Backend].
func (s *Store) GetProfile(ctx context.Context, userID string) (backend.Profile, bool, error) {
	const q = `SELECT data FROM profiles WHERE user_id = $1`

	var data map[string]any
	err := s.pool.QueryRow(ctx, q, userID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: get profile: %w", classify(err))
	}
	return backend.Profile(data), true, nil
}

// PutProfile implements [backend.Backend]. The merge happens in a single
// upsert so concurrent writers never lose each other's keys.
func (s *Store) PutProfile(ctx context.Context, userID string, partial backend.Profile) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", backend.ErrInvalid)
	}
	const q = `
		INSERT INTO profiles (user_id, data, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (user_id) DO UPDATE
		   SET data       = profiles.data || EXCLUDED.data,
		       updated_at = now()`

	if partial == nil {
		partial = backend.Profile{}
	}
	if _, err := s.pool.Exec(ctx, q, userID, map[string]any(partial)); err != nil {
		return fmt.Errorf("postgres store: put profile: %w", classify(err))
	}
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
func (s *Store) AppendWithID(ctx context.Context, feed, id string, data map[string]any) error {
	if err := backend.ValidateFeed(feed); err != nil {
		return err
	}
	uid, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: record id %q: %w", backend.ErrInvalid, id, err)
	}
	if data == nil {
		data = map[string]any{}
	}
	const q = `
		INSERT INTO feed_records (feed, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (feed, id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, feed, uid, data); err != nil {
		return fmt.Errorf("postgres store: append to feed: %w", classify(err))
	}
	return nil
}

// ListFeed implements [backend.Backend].
func (s *Store) ListFeed(ctx context.Context, feed string, limit int, order backend.OrderBy) ([]backend.Record, error) {
	if err := backend.ValidateFeed(feed); err != nil {
		return nil, err
	}
	q, args := listQuery(feed, backend.ClampLimit(limit), order)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list feed: %w", classify(err))
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (backend.Record, error) {
		var (
			r  backend.Record
			id uuid.UUID
			at time.Time
		)
		if err := row.Scan(&id, &r.Data, &at); err != nil {
			return backend.Record{}, err
		}
		r.ID = id.String()
		r.CreatedAt = at.UTC()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list feed: %w", classify(err))
	}
	return records, nil
}

// listQuery builds the ListFeed statement. Records missing the field sort
// before all others, as in backend.SortRecords.
// TODO: PostgreSQL orders JSONB strings before numbers; fields holding mixed
// types sort differently here than in memstore.
func listQuery(feed string, limit int, order backend.OrderBy) (string, []any) {
	dir, nulls := "ASC", "NULLS FIRST"
	if order.Desc {
		dir, nulls = "DESC", "NULLS LAST"
	}
	args := []any{feed}
	keys := []string{}
	if order.Field != "" {
		args = append(args, order.Field)
		keys = append(keys, fmt.Sprintf("data->$%d %s %s", len(args), dir, nulls))
	}
	keys = append(keys, "created_at "+dir, "id "+dir)
	args = append(args, limit)

	q := "SELECT id, data, created_at\n" +
		"FROM   feed_records\n" +
		"WHERE  feed = $1\n" +
		"ORDER  BY " + strings.Join(keys, ", ") + "\n" +
		fmt.Sprintf("LIMIT  $%d", len(args))
	return q, args
}

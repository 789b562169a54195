// Package backend defines the cloud backend the app keeps user data in:
// password authentication, a per-user key-value profile and append-only
// named feeds (voice turns, published posts, leaderboard entries).
//
// Implementations live in sub-packages: postgres for production and
// memstore for tests and offline runs. [Cached] wraps either one and keeps
// serving from a local cache while the primary is unreachable.
package backend

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"time"
)

// Sentinel errors.
var (
	// ErrAuth is returned by Authenticate for unknown users and wrong
	// passwords alike.
	ErrAuth = errors.New("backend: authentication failed")

	// ErrExists is returned by Register when the email is already taken.
	ErrExists = errors.New("backend: user already exists")

	// ErrUnavailable wraps failures to reach the backend at all. Only these
	// errors make [Cached] fall back to its local cache.
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrInvalid is returned for malformed arguments.
	ErrInvalid = errors.New("backend: invalid argument")
)

// Limits applied by ListFeed.
const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Credentials identify a user for Authenticate and Register.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserIdentity is an authenticated user.
type UserIdentity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// Profile is a user's key-value record. Values must be JSON-compatible.
type Profile map[string]any

// Record is one entry of a feed.
type Record struct {
	ID        string         `json:"id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}

// OrderBy selects the sort order of ListFeed. An empty Field sorts by
// creation time; any other Field sorts by that top-level key of the record
// data, numbers numerically and strings lexically.
type OrderBy struct {
	Field string `json:"field,omitempty"`
	Desc  bool   `json:"desc,omitempty"`
}

// Newest is the default feed order.
var Newest = OrderBy{Desc: true}

// Backend is the cloud backend contract. All implementations must be safe
// for concurrent use.
type Backend interface {
	// Authenticate verifies credentials. It returns an error wrapping
	// ErrAuth when they do not match.
	Authenticate(ctx context.Context, cred Credentials) (UserIdentity, error)

	// GetProfile returns the profile of userID. The boolean is false when no
	// profile has been stored yet.
	GetProfile(ctx context.Context, userID string) (Profile, bool, error)

	// PutProfile merges partial into the stored profile. Keys in partial
	// replace stored keys; other stored keys are kept.
	PutProfile(ctx context.Context, userID string, partial Profile) error

	// AppendToFeed stores data as a new record and returns its id.
	AppendToFeed(ctx context.Context, feed string, data map[string]any) (string, error)

	// ListFeed returns at most limit records of feed in the given order.
	ListFeed(ctx context.Context, feed string, limit int, order OrderBy) ([]Record, error)
}

// Registrar is implemented by backends that can create users.
type Registrar interface {
	Register(ctx context.Context, cred Credentials, displayName string) (UserIdentity, error)
}

// IDAppender is implemented by backends that accept caller-chosen record ids.
// Appending an id that already exists is a no-op, which makes retries safe.
type IDAppender interface {
	AppendWithID(ctx context.Context, feed, id string, data map[string]any) error
}

// Pinger is implemented by backends that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ── Helpers shared by implementations ───────────────────────────────────────

var feedName = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// ValidateFeed checks that feed is a usable feed name.
func ValidateFeed(feed string) error {
	if !feedName.MatchString(feed) {
		return fmt.Errorf("%w: feed name %q", ErrInvalid, feed)
	}
	return nil
}

// ValidateCredentials checks that both fields are set.
func ValidateCredentials(cred Credentials) error {
	var errs []error
	if cred.Email == "" {
		errs = append(errs, fmt.Errorf("%w: email is required", ErrInvalid))
	}
	if cred.Password == "" {
		errs = append(errs, fmt.Errorf("%w: password is required", ErrInvalid))
	}
	return errors.Join(errs...)
}

// ClampLimit applies DefaultListLimit and MaxListLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

// MergeProfile returns a copy of base with every key of partial applied.
func MergeProfile(base, partial Profile) Profile {
	out := make(Profile, len(base)+len(partial))
	maps.Copy(out, base)
	maps.Copy(out, partial)
	return out
}

// SortRecords orders records in place. Ties are broken by creation time and
// then by id so the order is stable across calls.
func SortRecords(records []Record, order OrderBy) {
	slices.SortStableFunc(records, func(a, b Record) int {
		c := 0
		if order.Field != "" {
			c = compareValues(a.Data[order.Field], b.Data[order.Field])
		}
		if c == 0 {
			c = a.CreatedAt.Compare(b.CreatedAt)
		}
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if order.Desc {
			return -c
		}
		return c
	})
}

// compareValues orders JSON values: missing < numbers < strings < others.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	switch av := a.(type) {
	case string:
		return cmp.Compare(av, b.(string))
	case nil:
		return 0
	default:
		if fa, ok := toFloat(a); ok {
			fb, _ := toFloat(b)
			return cmp.Compare(fa, fb)
		}
		return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func rank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := toFloat(v); ok {
		return 1
	}
	if _, ok := v.(string); ok {
		return 2
	}
	return 3
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	default:
		return 0, false
	}
}

// IsUnavailable reports whether err means the backend could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nagriksetu/nagriksetu/internal/observe"
	"github.com/nagriksetu/nagriksetu/internal/resilience"
)

// Default retry parameters for [Cached].
const (
	defaultRetryBackoff    = 1 * time.Second
	defaultRetryMaxBackoff = 1 * time.Minute
	defaultFlushWorkers    = 4
)

var (
	_ Backend   = (*Cached)(nil)
	_ Registrar = (*Cached)(nil)
	_ Pinger    = (*Cached)(nil)
)

// CachedOption configures a [Cached] backend.
type CachedOption func(*Cached)

// WithRetryBackoff sets the initial and maximum delay between flush attempts
// while the primary is unreachable. The delay doubles after every failed
// attempt.
func WithRetryBackoff(initial, maxDelay time.Duration) CachedOption {
	return func(c *Cached) {
		if initial > 0 {
			c.backoff = initial
		}
		if maxDelay > 0 {
			c.maxBackoff = maxDelay
		}
	}
}

// WithBreaker configures the circuit breaker guarding the primary. Name and
// IsFailure are always overridden.
func WithBreaker(cfg resilience.CircuitBreakerConfig) CachedOption {
	return func(c *Cached) { c.breakerCfg = cfg }
}

// WithFlushWorkers bounds how many users' pending writes are flushed
// concurrently.
func WithFlushWorkers(n int) CachedOption {
	return func(c *Cached) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithCachedLogger sets the logger. Default: slog.Default().
func WithCachedLogger(l *slog.Logger) CachedOption {
	return func(c *Cached) { c.log = l }
}

// WithCachedMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithCachedMetrics(m *observe.Metrics) CachedOption {
	return func(c *Cached) { c.metrics = m }
}

type pendingProfile struct {
	data    Profile
	version uint64
}

type pendingRecord struct {
	feed   string
	record Record
}

// Cached wraps a primary [Backend] with a local cache keyed by user id.
//
// While the primary answers, Cached passes calls through and remembers what
// it saw. When the primary is unreachable (errors matching [IsUnavailable],
// or its circuit breaker is open), reads are served from the cache and
// writes are accepted locally and queued. [Cached.Run] flushes the queue in
// the background with exponential backoff until the primary accepts it.
//
// Writes for a user with queued changes are queued behind them so that the
// primary sees them in order.
type Cached struct {
	primary    Backend
	breaker    *resilience.CircuitBreaker
	breakerCfg resilience.CircuitBreakerConfig
	log        *slog.Logger
	metrics    *observe.Metrics
	backoff    time.Duration
	maxBackoff time.Duration
	workers    int
	wake       chan struct{}

	mu              sync.Mutex
	seq             uint64
	profiles        map[string]Profile
	records         map[string][]Record
	pendingProfiles map[string]*pendingProfile
	pendingRecords  []pendingRecord
}

// NewCached wraps primary.
func NewCached(primary Backend, opts ...CachedOption) *Cached {
	c := &Cached{
		primary:         primary,
		log:             slog.Default(),
		backoff:         defaultRetryBackoff,
		maxBackoff:      defaultRetryMaxBackoff,
		workers:         defaultFlushWorkers,
		wake:            make(chan struct{}, 1),
		profiles:        make(map[string]Profile),
		records:         make(map[string][]Record),
		pendingProfiles: make(map[string]*pendingProfile),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	cfg := c.breakerCfg
	cfg.Name = "backend"
	cfg.IsFailure = IsUnavailable
	cfg.Logger = c.log
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = func(name string, from, to resilience.State) {
			c.log.Info("backend: breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		}
	}
	c.breaker = resilience.NewCircuitBreaker(cfg)
	return c
}

// call runs fn against the primary through the breaker. fellBack is true
// when the primary was unreachable and the caller should use the cache.
func (c *Cached) call(ctx context.Context, op string, fn func() error) (fellBack bool, err error) {
	err = c.breaker.Execute(fn)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || IsUnavailable(err) {
		c.metrics.RecordBackendFallback(ctx, op)
		c.log.Debug("backend: primary unavailable, using cache", "op", op, "err", err)
		return true, err
	}
	return false, err
}

// Ping implements [Pinger]. It reports the primary's reachability.
func (c *Cached) Ping(ctx context.Context) error {
	p, ok := c.primary.(Pinger)
	if !ok {
		return nil
	}
	return p.Ping(ctx)
}

// Authenticate implements [Backend]. Authentication is never served from the
// cache.
func (c *Cached) Authenticate(ctx context.Context, cred Credentials) (UserIdentity, error) {
	var id UserIdentity
	fell, err := c.call(ctx, "authenticate", func() error {
		var err error
		id, err = c.primary.Authenticate(ctx, cred)
		return err
	})
	if fell {
		return UserIdentity{}, fmt.Errorf("%w: authenticate: %w", ErrUnavailable, err)
	}
	return id, err
}

// Register implements [Registrar] when the primary does.
func (c *Cached) Register(ctx context.Context, cred Credentials, displayName string) (UserIdentity, error) {
	r, ok := c.primary.(Registrar)
	if !ok {
		return UserIdentity{}, fmt.Errorf("%w: registration not supported", ErrInvalid)
	}
	var id UserIdentity
	fell, err := c.call(ctx, "register", func() error {
		var err error
		id, err = r.Register(ctx, cred, displayName)
		return err
	})
	if fell {
		return UserIdentity{}, fmt.Errorf("%w: register: %w", ErrUnavailable, err)
	}
	return id, err
}

// GetProfile implements [Backend]. Locally queued changes are applied on top
// of whatever the primary or the cache returns.
func (c *Cached) GetProfile(ctx context.Context, userID string) (Profile, bool, error) {
	var (
		remote Profile
		found  bool
	)
	fell, err := c.call(ctx, "get_profile", func() error {
		var err error
		remote, found, err = c.primary.GetProfile(ctx, userID)
		return err
	})
	if err != nil && !fell {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var pending Profile
	if pp := c.pendingProfiles[userID]; pp != nil {
		pending = pp.data
	}
	if fell {
		cached, have := c.profiles[userID]
		if !have && pending == nil {
			return nil, false, nil
		}
		return MergeProfile(cached, pending), true, nil
	}

	if !found && pending == nil {
		delete(c.profiles, userID)
		return nil, false, nil
	}
	merged := MergeProfile(remote, pending)
	c.profiles[userID] = maps.Clone(merged)
	return merged, true, nil
}

// PutProfile implements [Backend]. It only fails for errors other than
// unavailability; while the primary is down the write is queued.
func (c *Cached) PutProfile(ctx context.Context, userID string, partial Profile) error {
	if userID == "" {
		return fmt.Errorf("%w: empty user id", ErrInvalid)
	}

	c.mu.Lock()
	if c.pendingProfiles[userID] != nil {
		c.queueProfileLocked(ctx, userID, partial)
		c.mu.Unlock()
		c.signal()
		return nil
	}
	c.mu.Unlock()

	fell, err := c.call(ctx, "put_profile", func() error {
		return c.primary.PutProfile(ctx, userID, partial)
	})
	if err != nil && !fell {
		return err
	}

	c.mu.Lock()
	if fell {
		c.queueProfileLocked(ctx, userID, partial)
	}
	c.profiles[userID] = MergeProfile(c.profiles[userID], partial)
	c.mu.Unlock()

	if fell {
		c.signal()
	}
	return nil
}

func (c *Cached) queueProfileLocked(ctx context.Context, userID string, partial Profile) {
	c.seq++
	pp := c.pendingProfiles[userID]
	if pp == nil {
		pp = &pendingProfile{}
		c.pendingProfiles[userID] = pp
		c.metrics.PendingWrites.Add(ctx, 1)
	}
	pp.data = MergeProfile(pp.data, partial)
	pp.version = c.seq
	c.profiles[userID] = MergeProfile(c.profiles[userID], partial)
}

// AppendToFeed implements [Backend]. Ids are generated locally when the
// primary accepts caller-chosen ids, so an id returned during an outage stays
// valid after the record is flushed.
func (c *Cached) AppendToFeed(ctx context.Context, feed string, data map[string]any) (string, error) {
	if err := ValidateFeed(feed); err != nil {
		return "", err
	}
	id := uuid.NewString()
	fell, err := c.call(ctx, "append_feed", func() error {
		if a, ok := c.primary.(IDAppender); ok {
			return a.AppendWithID(ctx, feed, id, data)
		}
		remoteID, err := c.primary.AppendToFeed(ctx, feed, data)
		if err == nil {
			id = remoteID
		}
		return err
	})
	if err != nil && !fell {
		return "", err
	}
	if fell {
		c.mu.Lock()
		c.pendingRecords = append(c.pendingRecords, pendingRecord{
			feed:   feed,
			record: Record{ID: id, Data: maps.Clone(data), CreatedAt: time.Now().UTC()},
		})
		c.mu.Unlock()
		c.metrics.PendingWrites.Add(ctx, 1)
		c.signal()
	}
	return id, nil
}

// ListFeed implements [Backend]. Queued records of feed are included in the
// result.
func (c *Cached) ListFeed(ctx context.Context, feed string, limit int, order OrderBy) ([]Record, error) {
	var remote []Record
	fell, err := c.call(ctx, "list_feed", func() error {
		var err error
		remote, err = c.primary.ListFeed(ctx, feed, limit, order)
		return err
	})
	if err != nil && !fell {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var records []Record
	if fell {
		records = slices.Clone(c.records[feed])
	} else {
		c.records[feed] = slices.Clone(remote)
		records = remote
	}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.ID] = true
	}
	for _, p := range c.pendingRecords {
		if p.feed == feed && !seen[p.record.ID] {
			records = append(records, p.record)
		}
	}
	SortRecords(records, order)
	if n := ClampLimit(limit); len(records) > n {
		records = records[:n]
	}
	return records, nil
}

// Pending returns the number of users with queued profile changes plus the
// number of queued feed records.
func (c *Cached) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingProfiles) + len(c.pendingRecords)
}

func (c *Cached) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Flush writes every queued change to the primary. Profiles of different
// users and different feeds are flushed concurrently; records of one feed are
// written in order. Changes that were written are removed from the queue even
// if others fail.
func (c *Cached) Flush(ctx context.Context) error {
	c.mu.Lock()
	profiles := make(map[string]pendingProfile, len(c.pendingProfiles))
	for uid, pp := range c.pendingProfiles {
		profiles[uid] = pendingProfile{data: maps.Clone(pp.data), version: pp.version}
	}
	byFeed := make(map[string][]Record)
	for _, p := range c.pendingRecords {
		byFeed[p.feed] = append(byFeed[p.feed], p.record)
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for uid, pp := range profiles {
		g.Go(func() error {
			err := c.breaker.Execute(func() error {
				return c.primary.PutProfile(gctx, uid, pp.data)
			})
			if err != nil {
				return fmt.Errorf("backend: flush profile %s: %w", uid, err)
			}
			c.ackProfile(gctx, uid, pp.version)
			return nil
		})
	}
	for feed, records := range byFeed {
		g.Go(func() error {
			for _, r := range records {
				err := c.breaker.Execute(func() error {
					if a, ok := c.primary.(IDAppender); ok {
						return a.AppendWithID(gctx, feed, r.ID, r.Data)
					}
					_, err := c.primary.AppendToFeed(gctx, feed, r.Data)
					return err
				})
				if err != nil {
					return fmt.Errorf("backend: flush feed %s: %w", feed, err)
				}
				c.ackRecord(gctx, feed, r.ID)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Cached) ackProfile(ctx context.Context, userID string, version uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pp := c.pendingProfiles[userID]
	if pp == nil || pp.version != version {
		// Changed while flushing; the next flush writes the merged data.
		return
	}
	delete(c.pendingProfiles, userID)
	c.metrics.PendingWrites.Add(ctx, -1)
}

func (c *Cached) ackRecord(ctx context.Context, feed, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := slices.IndexFunc(c.pendingRecords, func(p pendingRecord) bool {
		return p.feed == feed && p.record.ID == id
	})
	if i < 0 {
		return
	}
	c.pendingRecords = slices.Delete(c.pendingRecords, i, i+1)
	c.metrics.PendingWrites.Add(ctx, -1)
}

// Run flushes queued writes until ctx is done. A failed flush is retried
// after a delay that starts at the initial backoff and doubles up to the
// maximum; new writes do not shorten a pending delay.
func (c *Cached) Run(ctx context.Context) error {
	delay := c.backoff
	var retry <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
			if retry != nil {
				continue
			}
		case <-retry:
			retry = nil
		}

		if c.Pending() == 0 {
			delay = c.backoff
			continue
		}
		err := c.Flush(ctx)
		if err == nil {
			c.log.Info("backend: flushed queued writes")
			delay = c.backoff
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("backend: flush failed, retrying", "err", err, "retry_in", delay)
		retry = time.After(delay)
		delay = min(delay*2, c.maxBackoff)
	}
}

// Package cache implements the frame cache actor.
//
// The cache owns a fixed pool of [engine.Block]s. It answers
// [engine.FrameRequest]s from resident blocks, asks the fetcher to fill
// blocks on a miss, and lends frames out under a per-block usage count. A
// block whose usage count drops to zero joins the unused pool, an LRU ordered
// by the time it became unused, from which blocks are evicted for new
// fetches.
//
// Replies leave the cache strictly in request order: a request for a resident
// block still waits behind an earlier request whose block is being fetched.
//
// At most one fetch is outstanding per base sequence number because a block
// is moved to FETCHING and mapped to its new base before the fetch request is
// sent, and later requests for that base find the mapping.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/MrWong99/seekplay/internal/engine"
	"github.com/MrWong99/seekplay/internal/observe"
	"github.com/MrWong99/seekplay/pkg/actor"
	"github.com/MrWong99/seekplay/pkg/media"
)

// Defaults for [Config].
const (
	DefaultMaxBytes  = 250 << 20
	DefaultBlocks    = 12
	DefaultMinBlocks = 3
	DefaultMinFree   = 2
	DefaultMaxFree   = 2
)

var (
	// ErrInvalidSeq is returned for requests with a negative sequence number.
	ErrInvalidSeq = errors.New("frame cache: invalid sequence number")

	// ErrInvalidLend is returned for frame requests lending fewer than one
	// frame.
	ErrInvalidLend = errors.New("frame cache: lend count must be at least 1")

	// ErrMisaligned is returned for prefetches that do not start a block.
	ErrMisaligned = errors.New("frame cache: prefetch is not block aligned")

	// ErrNoFreeBlock is returned when a fetch is required but every block
	// has frames lent out or is being fetched. The request is dropped.
	ErrNoFreeBlock = errors.New("frame cache: no free block")

	// ErrState reports a block observed in an impossible state. It is always
	// fatal for the cache.
	ErrState = errors.New("frame cache: inconsistent block state")
)

// Config sizes the cache.
type Config struct {
	// MaxBytes is the memory budget. The pool shrinks once, after the first
	// fetch, if Blocks blocks of the measured frame size would exceed it.
	MaxBytes int64

	// Blocks is the initial pool size.
	Blocks int

	// MinBlocks is the floor for the one-time shrink.
	MinBlocks int

	// MinFree: an idle-only request is parked while fewer than
	// Blocks-MinFree blocks are unused.
	MinFree int

	// MaxFree: a parked request is retried once at least Blocks-MaxFree
	// blocks are unused.
	MaxFree int
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxBytes:  DefaultMaxBytes,
		Blocks:    DefaultBlocks,
		MinBlocks: DefaultMinBlocks,
		MinFree:   DefaultMinFree,
		MaxFree:   DefaultMaxFree,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("cache: max_bytes must be positive, got %d", c.MaxBytes))
	}
	if c.MinBlocks < 1 {
		errs = append(errs, fmt.Errorf("cache: min_blocks must be at least 1, got %d", c.MinBlocks))
	}
	if c.Blocks < c.MinBlocks {
		errs = append(errs, fmt.Errorf("cache: blocks (%d) must not be below min_blocks (%d)", c.Blocks, c.MinBlocks))
	}
	if c.MinFree < 0 || c.MinFree >= c.Blocks {
		errs = append(errs, fmt.Errorf("cache: min_free must be in [0, blocks), got %d", c.MinFree))
	}
	if c.MaxFree < 0 || c.MaxFree >= c.Blocks {
		errs = append(errs, fmt.Errorf("cache: max_free must be in [0, blocks), got %d", c.MaxFree))
	}
	return errors.Join(errs...)
}

// Option configures a [Cache].
type Option func(*Cache)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithClock replaces the time source used for LRU timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		c.log = l
	}
}

// WithOwner sets the receiver that recycled frames and fetch replies are
// sent to. By default this is the actor running the cache, discovered in
// Init.
func WithOwner(r actor.Receiver) Option {
	return func(c *Cache) {
		c.owner = r
	}
}

// Cache is the frame cache [actor.Handler]. All state is confined to the
// actor's goroutine.
type Cache struct {
	cfg     Config
	fetcher actor.Receiver
	owner   actor.Receiver
	metrics *observe.Metrics
	now     func() time.Time
	log     *slog.Logger

	blocks   []*engine.Block
	resident map[int64]*engine.Block
	unused   *simplelru.LRU // *engine.Block -> time.Time, oldest first
	pending  []*engine.FrameRequest
	deferred *engine.FrameRequest
	resized  bool
}

// New returns a cache that sends fetch requests to fetcher.
func New(cfg Config, fetcher actor.Receiver, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, errors.New("frame cache: fetcher must not be nil")
	}
	c := &Cache{
		cfg:      cfg,
		fetcher:  fetcher,
		now:      time.Now,
		log:      slog.Default(),
		resident: make(map[int64]*engine.Block, cfg.Blocks),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Init implements [actor.Initializer]. It allocates the pool; every block
// starts EMPTY in the unused pool, lowest index oldest.
func (c *Cache) Init(ctx context.Context) error {
	if c.owner == nil {
		a := actor.FromContext(ctx)
		if a == nil {
			return errors.New("frame cache: no owner configured and not running in an actor")
		}
		c.owner = a
	}

	lru, err := simplelru.NewLRU(c.cfg.Blocks, nil)
	if err != nil {
		return fmt.Errorf("frame cache: create unused pool: %w", err)
	}
	c.unused = lru
	c.blocks = make([]*engine.Block, c.cfg.Blocks)
	for i := range c.blocks {
		b := engine.NewBlock(i, c.owner)
		c.blocks[i] = b
		c.unused.Add(b, time.Time{})
	}
	c.metrics.CacheBlocks.Record(ctx, int64(len(c.blocks)))
	c.metrics.CacheUnusedBlocks.Record(ctx, int64(c.unused.Len()))
	return nil
}

// Act implements [actor.Handler].
func (c *Cache) Act(ctx context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *engine.FrameRequest:
		return c.request(ctx, m)
	case *engine.PrefetchRequest:
		return c.prefetch(ctx, m.BaseSeq)
	case *engine.BlockFetched:
		return c.fetched(ctx, m.Block)
	case *engine.Recycle:
		c.recycle(ctx, m.Frame)
		return nil
	case *engine.StatsRequest:
		if m.ReplyTo != nil {
			m.ReplyTo.Send(c.Stats())
		}
		return nil
	default:
		return actor.Unhandled(msg)
	}
}

// Idle implements [actor.Idler]. A parked idle-only request is retried as a
// normal request once enough blocks are unused.
func (c *Cache) Idle(ctx context.Context) error {
	r := c.deferred
	if r == nil || c.unused.Len() < len(c.blocks)-c.cfg.MaxFree {
		return nil
	}
	c.deferred = nil
	retry := *r
	retry.OnlyIfIdle = false
	return c.request(ctx, &retry)
}

func (c *Cache) request(ctx context.Context, r *engine.FrameRequest) error {
	if r.Seq < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSeq, r.Seq)
	}
	if r.Lend < 1 {
		return fmt.Errorf("%w: got %d for seq %d", ErrInvalidLend, r.Lend, r.Seq)
	}

	base := media.BaseSeq(r.Seq)
	if b, ok := c.resident[base]; ok {
		switch b.State {
		case engine.BlockFetching:
			b.UsageCount += r.Lend
			c.pending = append(c.pending, r)
			c.metrics.RecordCacheRequest(ctx, observe.ResultQueued)
		case engine.BlockInUse, engine.BlockCache:
			c.lend(ctx, b, r.Lend)
			if len(c.pending) == 0 {
				r.ReplyTo.Send(b.Frames[media.BlockOffset(r.Seq)])
				c.metrics.RecordCacheRequest(ctx, observe.ResultHit)
			} else {
				c.pending = append(c.pending, r)
				c.metrics.RecordCacheRequest(ctx, observe.ResultQueued)
			}
		default:
			return actor.Fatal(fmt.Errorf("%w: resident %v", ErrState, b))
		}
		return nil
	}

	if r.OnlyIfIdle && c.unused.Len() < len(c.blocks)-c.cfg.MinFree {
		if c.deferred != nil {
			c.log.Debug("frame cache: deferred request superseded",
				"old_seq", c.deferred.Seq, "new_seq", r.Seq)
		}
		c.deferred = r
		c.metrics.RecordCacheRequest(ctx, observe.ResultDeferred)
		return nil
	}
	if r.OnlyIfIdle {
		c.deferred = nil
	}

	if err := c.fetch(ctx, base, r.Lend); err != nil {
		if errors.Is(err, ErrNoFreeBlock) {
			c.metrics.RecordCacheRequest(ctx, observe.ResultDropped)
		}
		return err
	}
	c.pending = append(c.pending, r)
	c.metrics.RecordCacheRequest(ctx, observe.ResultMiss)
	return nil
}

func (c *Cache) prefetch(ctx context.Context, base int64) error {
	if !media.IsAligned(base) {
		return fmt.Errorf("%w: %d", ErrMisaligned, base)
	}
	if _, ok := c.resident[base]; ok {
		return nil
	}
	return c.fetch(ctx, base, 0)
}

// fetch evicts the least recently used unused block, maps it to base and
// asks the fetcher to fill it. usage loans are taken on it up front.
func (c *Cache) fetch(ctx context.Context, base int64, usage int) error {
	key, _, ok := c.unused.RemoveOldest()
	if !ok {
		return fmt.Errorf("%w: cannot fetch base %d, %d blocks all busy", ErrNoFreeBlock, base, len(c.blocks))
	}
	b := key.(*engine.Block)
	if b.UsageCount != 0 {
		return actor.Fatal(fmt.Errorf("%w: unused pool held %v", ErrState, b))
	}
	c.metrics.RecordEviction(ctx, b.State.String())

	if b.BaseSeq >= 0 && c.resident[b.BaseSeq] == b {
		delete(c.resident, b.BaseSeq)
	}
	b.State = engine.BlockFetching
	b.BaseSeq = base
	b.UsageCount = usage
	c.resident[base] = b
	c.metrics.CacheUnusedBlocks.Record(ctx, int64(c.unused.Len()))

	c.fetcher.Send(&engine.FetchFrames{Block: b, ReplyTo: c.owner})
	return nil
}

func (c *Cache) fetched(ctx context.Context, b *engine.Block) error {
	if b == nil || b.State != engine.BlockFetching || c.resident[b.BaseSeq] != b {
		return actor.Fatal(fmt.Errorf("%w: completion for %v", ErrState, b))
	}

	if !c.resized {
		c.resized = true
		c.resize(ctx, b.Frames[0].Frame.SizeInBytes())
	}

	if b.UsageCount == 0 {
		c.release(ctx, b)
	} else {
		b.State = engine.BlockInUse
	}
	return c.drain()
}

// drain answers queued requests front to back and stops at the first one
// whose block is still being fetched.
func (c *Cache) drain() error {
	for len(c.pending) > 0 {
		r := c.pending[0]
		b := c.resident[media.BaseSeq(r.Seq)]
		if b == nil {
			return actor.Fatal(fmt.Errorf("%w: queued request for seq %d has no block", ErrState, r.Seq))
		}
		switch b.State {
		case engine.BlockFetching:
			return nil
		case engine.BlockInUse:
		default:
			return actor.Fatal(fmt.Errorf("%w: queued request for seq %d on %v", ErrState, r.Seq, b))
		}
		c.pending[0] = nil
		c.pending = c.pending[1:]
		r.ReplyTo.Send(b.Frames[media.BlockOffset(r.Seq)])
	}
	return nil
}

func (c *Cache) recycle(ctx context.Context, f *engine.CachedFrame) {
	if f == nil || f.Block() == nil {
		return
	}
	b := f.Block()
	if b.State != engine.BlockInUse || b.UsageCount <= 0 {
		c.log.Warn("frame cache: recycled frame whose block has nothing lent out",
			"seq", f.Seq, "block", b.Index, "state", b.State, "usage", b.UsageCount)
		c.metrics.CacheRecycleInconsistencies.Add(ctx, 1)
		return
	}
	b.UsageCount--
	if b.UsageCount == 0 {
		c.release(ctx, b)
	}
}

// lend takes n loans on a resident block, pulling it out of the unused pool.
func (c *Cache) lend(ctx context.Context, b *engine.Block, n int) {
	if b.State == engine.BlockCache {
		c.unused.Remove(b)
		c.metrics.CacheUnusedBlocks.Record(ctx, int64(c.unused.Len()))
	}
	b.State = engine.BlockInUse
	b.UsageCount += n
}

// release puts a block with no loans into the unused pool as its newest entry.
func (c *Cache) release(ctx context.Context, b *engine.Block) {
	b.State = engine.BlockCache
	b.Unused = c.now()
	c.unused.Add(b, b.Unused)
	c.metrics.CacheUnusedBlocks.Record(ctx, int64(c.unused.Len()))
}

// resize shrinks the pool to fit MaxBytes at the measured frame size. Only
// blocks that never held data and sit at the old end of the unused pool are
// removed; survivors are re-indexed.
func (c *Cache) resize(ctx context.Context, frameBytes int) {
	if frameBytes <= 0 {
		return
	}
	blockBytes := int64(frameBytes) * media.BlockLength
	if blockBytes*int64(len(c.blocks)) <= c.cfg.MaxBytes {
		return
	}
	keep := max(c.cfg.MinBlocks, int(c.cfg.MaxBytes/blockBytes))

	removed := make(map[*engine.Block]bool)
	for range len(c.blocks) - keep {
		key, _, ok := c.unused.GetOldest()
		if !ok {
			break
		}
		b := key.(*engine.Block)
		if b.State != engine.BlockEmpty {
			break
		}
		c.unused.Remove(b)
		removed[b] = true
	}
	if len(removed) == 0 {
		return
	}

	survivors := make([]*engine.Block, 0, len(c.blocks)-len(removed))
	for _, b := range c.blocks {
		if removed[b] {
			continue
		}
		b.Index = len(survivors)
		survivors = append(survivors, b)
	}
	c.log.Info("frame cache: pool shrunk to fit memory budget",
		"frame_bytes", frameBytes, "from", len(c.blocks), "to", len(survivors), "max_bytes", c.cfg.MaxBytes)
	c.blocks = survivors
	c.unused.Resize(len(survivors))
	c.metrics.CacheBlocks.Record(ctx, int64(len(c.blocks)))
	c.metrics.CacheUnusedBlocks.Record(ctx, int64(c.unused.Len()))
}

// Stats returns a snapshot of the pool. It must only be called from the
// cache's own goroutine; other callers send [engine.StatsRequest].
func (c *Cache) Stats() *engine.CacheStats {
	s := &engine.CacheStats{
		Blocks:   len(c.blocks),
		Resident: len(c.resident),
		Unused:   c.unused.Len(),
		Pending:  len(c.pending),
		Deferred: c.deferred != nil,
		Resized:  c.resized,
	}
	for _, b := range c.blocks {
		switch b.State {
		case engine.BlockFetching:
			s.Fetching++
		case engine.BlockInUse:
			s.InUse++
		}
	}
	return s
}

// Destruct implements [actor.Destructor]. Loans still outstanding are
// logged; their frames stay valid until the consumers drop them.
func (c *Cache) Destruct() {
	for _, b := range c.blocks {
		if b.UsageCount > 0 {
			c.log.Debug("frame cache: stopping with frames lent out", "block", b.Index, "usage", b.UsageCount)
		}
	}
	c.pending = nil
	c.deferred = nil
}

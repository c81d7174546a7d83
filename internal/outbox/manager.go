// Package outbox drains the sync queue against the remote API.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/remote"
	"github.com/matheus3301/fieldsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// OnlineChecker gates the periodic drain. *connectivity.Monitor satisfies it.
type OnlineChecker interface {
	IsOnline() bool
}

// Options configures a Manager.
type Options struct {
	Interval      time.Duration
	ReplayTimeout time.Duration
	PruneAfter    time.Duration
}

// Manager replays queued mutations. Entity kinds drain concurrently; entries
// of one kind replay one at a time in queue order.
type Manager struct {
	db     *store.DB
	remote remote.Client
	online OnlineChecker
	bus    *bus.Bus
	logger *zap.Logger

	interval      time.Duration
	replayTimeout time.Duration
	pruneAfter    time.Duration

	group singleflight.Group
	// rerun asks for another pass once the one in flight, which may have
	// listed the queue before a retry reset entries, finishes.
	rerun atomic.Bool

	mu         sync.Mutex
	base       context.Context
	lastResult *bus.DrainResult
	lastDrain  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a new queue manager.
func NewManager(db *store.DB, client remote.Client, online OnlineChecker, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ReplayTimeout <= 0 {
		opts.ReplayTimeout = 15 * time.Second
	}
	return &Manager{
		db:            db,
		remote:        client,
		online:        online,
		bus:           b,
		logger:        logger,
		interval:      opts.Interval,
		replayTimeout: opts.ReplayTimeout,
		pruneAfter:    opts.PruneAfter,
	}
}

// Start drains once, then on every reconnection and on each tick while online.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()

	ch, unsub := m.bus.Subscribe("connectivity.", 16)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsub()
		m.loop(ctx, ch)
	}()
}

// Stop cancels the loop and waits for in-flight drains to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, events <-chan bus.Event) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	if m.isOnline() {
		m.trigger(ctx, "startup")
	}
	for {
		select {
		case evt := <-events:
			if evt.Kind == bus.ConnectivityReconnected {
				m.trigger(ctx, "reconnected")
			}
		case <-ticker.C:
			if m.isOnline() {
				m.trigger(ctx, "interval")
			}
			m.prune(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) trigger(ctx context.Context, reason string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			// Do rather than Drain so Stop waits for the pass itself.
			_, err, _ := m.group.Do("drain", func() (any, error) {
				return m.drain(ctx)
			})
			if err != nil && ctx.Err() == nil {
				m.logger.Error("drain failed", zap.String("trigger", reason), zap.Error(err))
			}
			if ctx.Err() != nil || !m.rerun.Load() {
				return
			}
			reason = "rerun"
		}
	}()
}

func (m *Manager) isOnline() bool {
	return m.online == nil || m.online.IsOnline()
}

// Drain replays every pending entry once. Concurrent calls share one pass.
// Replay failures are recorded on the entries, not returned; the error is
// reserved for storage failures.
func (m *Manager) Drain(ctx context.Context) (*bus.DrainResult, error) {
	run := m.runContext(ctx)
	ch := m.group.DoChan("drain", func() (any, error) {
		return m.drain(run)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		r := *res.Val.(*bus.DrainResult)
		return &r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runContext detaches a shared drain from the caller that happened to start
// it; the manager's own lifecycle still cancels it.
func (m *Manager) runContext(ctx context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base != nil {
		return m.base
	}
	return context.WithoutCancel(ctx)
}

// LastDrain returns the result and completion time of the latest drain.
func (m *Manager) LastDrain() (*bus.DrainResult, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastResult == nil {
		return nil, time.Time{}
	}
	r := *m.lastResult
	return &r, m.lastDrain
}

type counters struct {
	synced, failed, postponed, skipped atomic.Int64
}

func (m *Manager) drain(ctx context.Context) (*bus.DrainResult, error) {
	m.rerun.Store(false)
	start := time.Now()
	pending, err := m.db.PendingQueue(ctx)
	if err != nil {
		return nil, err
	}

	var kinds []string
	byKind := make(map[string][]store.QueueEntry)
	for _, e := range pending {
		if _, ok := byKind[e.Kind]; !ok {
			kinds = append(kinds, e.Kind)
		}
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}

	var c counters
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		entries := byKind[kind]
		g.Go(func() error {
			return m.replayKind(gctx, entries, &c)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &bus.DrainResult{
		Synced:    int(c.synced.Load()),
		Failed:    int(c.failed.Load()),
		Postponed: int(c.postponed.Load()),
		Skipped:   int(c.skipped.Load()),
		Duration:  time.Since(start),
	}
	done := time.Now()
	if err := m.db.SetTimeCheckpoint(ctx, store.CheckpointLastDrain, done); err != nil {
		m.logger.Warn("failed to store drain checkpoint", zap.Error(err))
	}
	m.mu.Lock()
	m.lastResult = result
	m.lastDrain = done
	m.mu.Unlock()

	if len(pending) > 0 {
		m.logger.Info("queue drained",
			zap.Int("pending", len(pending)),
			zap.Int("synced", result.Synced),
			zap.Int("failed", result.Failed),
			zap.Int("postponed", result.Postponed),
			zap.Duration("took", result.Duration))
	}
	m.bus.Emit(bus.QueueDrained, *result)
	return result, nil
}

type outcome int

const (
	outcomeSynced outcome = iota
	outcomeRetry
	outcomeFailed
)

func (m *Manager) replayKind(ctx context.Context, entries []store.QueueEntry, c *counters) error {
	held := make(map[string]bool)
	for i, e := range entries {
		if ctx.Err() != nil {
			c.postponed.Add(int64(len(entries) - i))
			return nil
		}
		if held[e.EntityLocalID] {
			c.postponed.Add(1)
			continue
		}

		// Re-read right before replay: a concurrent pass or an operator may
		// have synced, failed or abandoned the entry since the listing.
		cur, err := m.db.GetQueueEntry(ctx, e.LocalID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Synced || cur.Failed {
			c.skipped.Add(1)
			continue
		}
		blocked, err := m.db.EntityBlocked(ctx, cur.Kind, cur.EntityLocalID)
		if err != nil {
			return err
		}
		if blocked {
			held[cur.EntityLocalID] = true
			c.postponed.Add(1)
			continue
		}

		out, err := m.replay(ctx, cur)
		if err != nil {
			return err
		}
		switch out {
		case outcomeSynced:
			c.synced.Add(1)
		case outcomeFailed:
			c.failed.Add(1)
			held[cur.EntityLocalID] = true
		case outcomeRetry:
			c.postponed.Add(int64(len(entries) - i))
			return nil
		}
	}
	return nil
}

func (m *Manager) replay(ctx context.Context, e *store.QueueEntry) (outcome, error) {
	log := m.logger.With(
		zap.String("queue_id", e.LocalID),
		zap.String("kind", e.Kind),
		zap.String("local_id", e.EntityLocalID),
		zap.String("action", string(e.Action)))

	var serverID string
	if e.Action != store.ActionCreate {
		id, err := m.db.ServerID(ctx, e.Kind, e.EntityLocalID)
		if err != nil {
			return 0, err
		}
		if id == "" {
			return m.fail(ctx, log, e, errors.New("no server identifier for entity"))
		}
		serverID = id
	}

	rctx, cancel := context.WithTimeout(ctx, m.replayTimeout)
	var err error
	switch e.Action {
	case store.ActionCreate:
		serverID, err = m.remote.Create(rctx, e.Kind, e.LocalID, e.Data)
	case store.ActionUpdate:
		serverID, err = m.remote.Update(rctx, e.Kind, serverID, e.LocalID, e.Data)
	case store.ActionDelete:
		err = m.remote.Delete(rctx, e.Kind, serverID, e.LocalID)
	default:
		err = fmt.Errorf("%w: %q", store.ErrInvalidAction, e.Action)
	}
	timedOut := errors.Is(rctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if ctx.Err() != nil || timedOut || remote.IsRetryable(err) {
			log.Warn("replay postponed", zap.Int("attempts", e.Attempts+1), zap.Error(err))
			if rerr := m.db.RecordAttempt(context.WithoutCancel(ctx), e.LocalID, err.Error()); rerr != nil {
				return 0, rerr
			}
			return outcomeRetry, nil
		}
		return m.fail(ctx, log, e, err)
	}
	if serverID == "" {
		return m.fail(ctx, log, e, errors.New("remote returned no identifier"))
	}

	if err := m.db.MarkAsSynced(ctx, e.LocalID, serverID); err != nil {
		return 0, fmt.Errorf("mark %s synced: %w", e.LocalID, err)
	}
	log.Info("mutation synced", zap.String("server_id", serverID))
	m.bus.Emit(bus.QueueSynced, bus.EntryRef{
		LocalID:       e.LocalID,
		Kind:          e.Kind,
		EntityLocalID: e.EntityLocalID,
		ServerID:      serverID,
	})
	return outcomeSynced, nil
}

func (m *Manager) fail(ctx context.Context, log *zap.Logger, e *store.QueueEntry, cause error) (outcome, error) {
	log.Error("mutation rejected", zap.Error(cause))
	if err := m.db.MarkFailed(ctx, e.LocalID, cause.Error()); err != nil {
		return 0, err
	}
	m.bus.Emit(bus.QueueFailed, bus.EntryRef{
		LocalID:       e.LocalID,
		Kind:          e.Kind,
		EntityLocalID: e.EntityLocalID,
		Error:         cause.Error(),
	})
	return outcomeFailed, nil
}

func (m *Manager) prune(ctx context.Context) {
	if m.pruneAfter <= 0 {
		return
	}
	if _, err := m.Prune(ctx, time.Now().Add(-m.pruneAfter)); err != nil {
		m.logger.Warn("prune failed", zap.Error(err))
	}
}

// Prune removes synced entries older than before and records the checkpoint.
func (m *Manager) Prune(ctx context.Context, before time.Time) (int64, error) {
	n, err := m.db.PruneSynced(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("pruned synced queue entries", zap.Int64("count", n))
	}
	return n, m.db.SetTimeCheckpoint(ctx, store.CheckpointLastPrune, time.Now())
}

// RetryFailed moves failed entries back to pending and drains. With no ids
// every failed entry is retried.
func (m *Manager) RetryFailed(ctx context.Context, localIDs ...string) (int64, error) {
	n, err := m.db.RetryFailed(ctx, localIDs...)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.bus.Emit(bus.QueueRetried, n)
		m.rerun.Store(true)
		m.mu.Lock()
		base := m.base
		m.mu.Unlock()
		if base != nil && base.Err() == nil {
			m.trigger(base, "retry")
		}
	}
	return n, nil
}

// Abandon drops an unsynced entry for good.
func (m *Manager) Abandon(ctx context.Context, localID string) (bool, error) {
	e, err := m.db.GetQueueEntry(ctx, localID)
	if err != nil {
		return false, err
	}
	ok, err := m.db.AbandonQueueEntry(ctx, localID)
	if err != nil || !ok {
		return ok, err
	}
	m.logger.Warn("queue entry abandoned", zap.String("queue_id", localID))
	ref := bus.EntryRef{LocalID: localID}
	if e != nil {
		ref.Kind, ref.EntityLocalID = e.Kind, e.EntityLocalID
	}
	m.bus.Emit(bus.QueueAbandoned, ref)
	return true, nil
}

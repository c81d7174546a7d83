package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/remote"
	"github.com/matheus3301/fieldsync/internal/store"
	"go.uber.org/zap"
)

type remoteCall struct {
	Method   string
	Kind     string
	ServerID string
	Key      string
	Payload  string
}

// fakeRemote records calls and returns configurable results.
type fakeRemote struct {
	mu    sync.Mutex
	calls []remoteCall
	next  int
	fail  func(c remoteCall) error
	delay time.Duration
	block bool
}

func (f *fakeRemote) record(ctx context.Context, c remoteCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	fail, delay, block := f.fail, f.delay, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != nil {
		return fail(c)
	}
	return nil
}

func (f *fakeRemote) Create(ctx context.Context, kind, key string, payload []byte) (string, error) {
	if err := f.record(ctx, remoteCall{Method: "create", Kind: kind, Key: key, Payload: string(payload)}); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("srv_%d", f.next), nil
}

func (f *fakeRemote) Update(ctx context.Context, kind, serverID, key string, payload []byte) (string, error) {
	if err := f.record(ctx, remoteCall{Method: "update", Kind: kind, ServerID: serverID, Key: key, Payload: string(payload)}); err != nil {
		return "", err
	}
	return serverID, nil
}

func (f *fakeRemote) Delete(ctx context.Context, kind, serverID, key string) error {
	return f.record(ctx, remoteCall{Method: "delete", Kind: kind, ServerID: serverID, Key: key})
}

func (f *fakeRemote) FetchVideo(ctx context.Context, id string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRemote) setFail(fn func(c remoteCall) error) {
	f.mu.Lock()
	f.fail = fn
	f.mu.Unlock()
}

func (f *fakeRemote) snapshot() []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remoteCall(nil), f.calls...)
}

type fakeOnline struct{ online atomic.Bool }

func (f *fakeOnline) IsOnline() bool { return f.online.Load() }

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testManager(t *testing.T, db *store.DB, r remote.Client, b *bus.Bus, opts Options) *Manager {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewManager(db, r, nil, b, logger, opts)
}

// enqueue writes an entity record and its queue entry the way the mutation
// engine does.
func enqueue(t *testing.T, db *store.DB, queueID, kind, entity string, action store.Action, ts time.Time, payload string) {
	t.Helper()
	ctx := context.Background()
	err := db.Update(ctx, func(tx *store.Tx) error {
		if action != store.ActionDelete {
			rec := &store.RawRecord{LocalID: entity, Action: action, Timestamp: ts, SchemaVersion: 1, Data: json.RawMessage(payload)}
			if err := tx.PutRecord(ctx, kind, rec); err != nil {
				return err
			}
		}
		return tx.Enqueue(ctx, &store.QueueEntry{
			OfflineRecord: store.RawRecord{LocalID: queueID, Action: action, Timestamp: ts, SchemaVersion: 1, Data: json.RawMessage(payload)},
			Kind:          kind,
			EntityLocalID: entity,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDrainSyncsAndPatchesRecord(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{}
	m := testManager(t, db, fr, nil, Options{})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "local_1", store.ActionCreate, t0, `{"name":"Ana"}`)

	res, err := m.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 1 {
		t.Errorf("synced = %d, want 1", res.Synced)
	}

	calls := fr.snapshot()
	if len(calls) != 1 || calls[0].Key != "q1" || calls[0].Payload != `{"name":"Ana"}` {
		t.Fatalf("calls = %+v, want one create keyed q1", calls)
	}
	rec, err := db.GetRecord(ctx, "patients", "local_1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Synced || rec.ServerID != "srv_1" {
		t.Errorf("record = synced %v serverId %q, want true/srv_1", rec.Synced, rec.ServerID)
	}
	if n, _ := db.UnsyncedCount(ctx); n != 0 {
		t.Errorf("UnsyncedCount = %d, want 0", n)
	}
	if at, _ := db.TimeCheckpoint(ctx, store.CheckpointLastDrain); at.IsZero() {
		t.Error("last_drain_at checkpoint not written")
	}
}

func TestReplaySkipsAlreadySyncedEntry(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{}
	m := testManager(t, db, fr, nil, Options{})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)
	stale, err := db.PendingQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Crash window: the remote succeeded and the entry was confirmed after
	// this pass listed it.
	if err := db.MarkAsSynced(ctx, "q1", "srv_7"); err != nil {
		t.Fatal(err)
	}

	var c counters
	if err := m.replayKind(ctx, stale, &c); err != nil {
		t.Fatal(err)
	}
	if got := len(fr.snapshot()); got != 0 {
		t.Errorf("remote called %d times for a synced entry, want 0", got)
	}
	if c.skipped.Load() != 1 {
		t.Errorf("skipped = %d, want 1", c.skipped.Load())
	}
}

func TestDrainPreservesPerEntityOrder(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{}
	m := testManager(t, db, fr, nil, Options{})

	// Enqueued out of order on purpose; timestamps decide.
	enqueue(t, db, "q3", "patients", "p1", store.ActionDelete, t0.Add(3*time.Second), `null`)
	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0.Add(time.Second), `{"name":"v1"}`)
	enqueue(t, db, "q2", "patients", "p1", store.ActionUpdate, t0.Add(2*time.Second), `{"name":"v2"}`)

	if _, err := m.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	calls := fr.snapshot()
	want := []string{"create:q1", "update:q2", "delete:q3"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %+v", calls)
	}
	for i, c := range calls {
		if got := c.Method + ":" + c.Key; got != want[i] {
			t.Errorf("call[%d] = %s, want %s", i, got, want[i])
		}
		if i > 0 && c.ServerID != "srv_1" {
			t.Errorf("call[%d] server id = %q, want srv_1", i, c.ServerID)
		}
	}
}

func TestRetryableFailureKeepsEntryQueued(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{}
	fr.setFail(func(c remoteCall) error {
		return &remote.Error{StatusCode: http.StatusServiceUnavailable, Retryable: true, Message: "down"}
	})
	m := testManager(t, db, fr, nil, Options{})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)
	enqueue(t, db, "q2", "patients", "p2", store.ActionCreate, t0.Add(time.Second), `{"name":"B"}`)
	enqueue(t, db, "q3", "exercises", "e1", store.ActionCreate, t0, `{"title":"Squat"}`)

	res, err := m.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 0 || res.Failed != 0 || res.Postponed != 3 {
		t.Errorf("result = %+v, want 3 postponed", res)
	}
	// One call per kind: the rest of each kind waits for the next pass.
	if got := len(fr.snapshot()); got != 2 {
		t.Errorf("remote calls = %d, want 2", got)
	}
	e, err := db.GetQueueEntry(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Synced || e.Failed || e.Attempts != 1 || e.LastError == "" {
		t.Errorf("entry after retryable failure = %+v", e)
	}

	fr.setFail(nil)
	res, err = m.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Synced != 3 {
		t.Errorf("second pass synced = %d, want 3", res.Synced)
	}
	if n, _ := db.UnsyncedCount(ctx); n != 0 {
		t.Errorf("UnsyncedCount = %d, want 0", n)
	}
}

func TestPermanentFailureHoldsEntity(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ch, unsub := b.Subscribe(bus.QueueFailed, 10)
	defer unsub()

	fr := &fakeRemote{}
	fr.setFail(func(c remoteCall) error {
		if c.Key == "q1" {
			return &remote.Error{StatusCode: http.StatusUnprocessableEntity, Code: "invalid", Message: "bad name"}
		}
		return nil
	})
	m := testManager(t, db, fr, b, Options{})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)
	enqueue(t, db, "q2", "patients", "p1", store.ActionUpdate, t0.Add(time.Second), `{"name":"B"}`)
	enqueue(t, db, "q3", "patients", "p2", store.ActionCreate, t0.Add(2*time.Second), `{"name":"C"}`)

	res, err := m.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Synced != 1 || res.Postponed != 1 {
		t.Errorf("result = %+v, want 1 failed, 1 synced, 1 held", res)
	}

	failed, err := db.FailedQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].LocalID != "q1" {
		t.Fatalf("failed queue = %+v, want q1", failed)
	}
	select {
	case evt := <-ch:
		ref := evt.Payload.(bus.EntryRef)
		if ref.LocalID != "q1" {
			t.Errorf("failed event for %q, want q1", ref.LocalID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for queue.entry_failed")
	}

	// Failed entries are never auto-retried; the held update stays put.
	if _, err := m.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	for _, c := range fr.snapshot() {
		if c.Key == "q2" {
			t.Error("update replayed while its create is failed")
		}
	}
	if n := len(fr.snapshot()); n != 2 {
		t.Errorf("remote calls = %d, want 2 (q1 once, q3 once)", n)
	}
}

func TestUpdateWithoutServerIDFails(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{}
	m := testManager(t, db, fr, nil, Options{})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionUpdate, t0, `{"name":"A"}`)
	if _, err := m.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if len(fr.snapshot()) != 0 {
		t.Error("remote called without a server id")
	}
	e, err := db.GetQueueEntry(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Failed {
		t.Errorf("entry = %+v, want failed", e)
	}
}

func TestReplayTimeoutIsRetryable(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{block: true}
	m := testManager(t, db, fr, nil, Options{ReplayTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)
	res, err := m.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Postponed != 1 || res.Failed != 0 {
		t.Errorf("result = %+v, want postponed", res)
	}
	e, err := db.GetQueueEntry(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Failed || e.Synced || e.Attempts != 1 {
		t.Errorf("entry after timeout = %+v", e)
	}
}

func TestPendingCountAfterPartialSync(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{}
	const n, k = 6, 4
	fr.setFail(func(c remoteCall) error {
		// Entities p4 and p5 stay unreachable.
		if c.Key == "q4" || c.Key == "q5" {
			return &remote.Error{Retryable: true, Err: errors.New("connection reset")}
		}
		return nil
	})
	m := testManager(t, db, fr, nil, Options{})
	ctx := context.Background()

	for i := 0; i < n; i++ {
		// One kind per entry so a retryable failure only postpones itself.
		kind := fmt.Sprintf("kind%d", i)
		enqueue(t, db, fmt.Sprintf("q%d", i), kind, fmt.Sprintf("p%d", i), store.ActionCreate, t0.Add(time.Duration(i)*time.Second), `{}`)
	}
	if _, err := m.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := db.UnsyncedCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != n-k {
		t.Errorf("UnsyncedCount = %d, want %d", got, n-k)
	}
}

func TestConcurrentDrainsCollapse(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{delay: 50 * time.Millisecond}
	m := testManager(t, db, fr, nil, Options{})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Drain(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := len(fr.snapshot()); got != 1 {
		t.Errorf("remote calls = %d, want 1", got)
	}
}

func TestReconnectTriggersDrain(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	drained, unsub := b.Subscribe(bus.QueueDrained, 10)
	defer unsub()

	fr := &fakeRemote{}
	online := &fakeOnline{}
	logger, _ := zap.NewDevelopment()
	m := NewManager(db, fr, online, b, logger, Options{Interval: time.Hour})
	m.Start(context.Background())
	defer m.Stop()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)

	// Offline at start: nothing drains until the reconnection signal.
	select {
	case evt := <-drained:
		t.Fatalf("unexpected drain while offline: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	online.online.Store(true)
	b.Emit(bus.ConnectivityReconnected, nil)

	select {
	case evt := <-drained:
		res := evt.Payload.(bus.DrainResult)
		if res.Synced != 1 {
			t.Errorf("drain result = %+v, want 1 synced", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for queue.drained after reconnect")
	}
}

func TestRetryFailedAndAbandon(t *testing.T) {
	db := testDB(t)
	fr := &fakeRemote{}
	fr.setFail(func(c remoteCall) error {
		return &remote.Error{StatusCode: http.StatusBadRequest, Message: "nope"}
	})
	m := testManager(t, db, fr, nil, Options{})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)
	enqueue(t, db, "q2", "patients", "p2", store.ActionCreate, t0, `{"name":"B"}`)
	if _, err := m.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.FailedCount(ctx); n != 2 {
		t.Fatalf("FailedCount = %d, want 2", n)
	}

	fr.setFail(nil)
	n, err := m.RetryFailed(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("retried %d, want 1", n)
	}
	if _, err := m.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	e, _ := db.GetQueueEntry(ctx, "q1")
	if e == nil || !e.Synced {
		t.Errorf("q1 after retry = %+v, want synced", e)
	}

	ok, err := m.Abandon(ctx, "q2")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("abandon reported nothing removed")
	}
	if n, _ := db.UnsyncedCount(ctx); n != 0 {
		t.Errorf("UnsyncedCount = %d, want 0", n)
	}
}

func TestPruneRemovesOldSyncedEntries(t *testing.T) {
	db := testDB(t)
	m := testManager(t, db, &fakeRemote{}, nil, Options{})
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)
	if _, err := m.Drain(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := m.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	rec, _ := db.GetRecord(ctx, "patients", "p1")
	if rec == nil || rec.ServerID == "" {
		t.Errorf("entity record lost by prune: %+v", rec)
	}
}

func TestRetryDuringDrainRunsAnotherPass(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	enqueue(t, db, "q1", "patients", "p1", store.ActionCreate, t0, `{"name":"A"}`)
	enqueue(t, db, "q2", "exercises", "x1", store.ActionCreate, t0, `{"title":"Squat"}`)
	if err := db.MarkFailed(ctx, "q2", "rejected"); err != nil {
		t.Fatal(err)
	}

	fr := &fakeRemote{delay: 300 * time.Millisecond}
	m := testManager(t, db, fr, nil, Options{Interval: time.Hour})
	m.Start(ctx)
	defer m.Stop()

	// Wait for the startup pass to be inside its replay of q1.
	deadline := time.Now().Add(2 * time.Second)
	for len(fr.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("startup drain never reached the remote")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n, err := m.RetryFailed(ctx, "q2"); err != nil || n != 1 {
		t.Fatalf("RetryFailed = %d, %v", n, err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for {
		e, err := db.GetQueueEntry(ctx, "q2")
		if err != nil {
			t.Fatal(err)
		}
		if e.Synced {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("retried entry not replayed before the next interval")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, db *DB, id, entity string, action Action, ts time.Time) {
	t.Helper()
	ctx := context.Background()
	err := db.Update(ctx, func(tx *Tx) error {
		return tx.Enqueue(ctx, &QueueEntry{
			OfflineRecord: RawRecord{
				LocalID:       id,
				Action:        action,
				Timestamp:     ts,
				SchemaVersion: 1,
				Data:          json.RawMessage(`{"name":"x"}`),
			},
			Kind:          "patients",
			EntityLocalID: entity,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func pendingIDs(t *testing.T, db *DB) []string {
	t.Helper()
	entries, err := db.PendingQueue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.LocalID
	}
	return ids
}

func TestScenarioMarkSyncedPatchesRecord(t *testing.T) {
	db := testDB(t)
	p := testPartition(t, db)
	ctx := context.Background()

	if _, err := p.Save(ctx, patient{Name: "A"}, "local_1"); err != nil {
		t.Fatal(err)
	}
	enqueue(t, db, "local_1", "local_1", ActionCreate, testNow)

	got, err := p.Get(ctx, "local_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Synced || got.ServerID != "" {
		t.Fatalf("before sync: synced=%v serverId=%q, want false/empty", got.Synced, got.ServerID)
	}

	if err := db.MarkAsSynced(ctx, "local_1", "srv_42"); err != nil {
		t.Fatal(err)
	}
	got, err = p.Get(ctx, "local_1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Synced || got.ServerID != "srv_42" {
		t.Errorf("after sync: synced=%v serverId=%q, want true/srv_42", got.Synced, got.ServerID)
	}

	id, err := db.ServerID(ctx, "patients", "local_1")
	if err != nil {
		t.Fatal(err)
	}
	if id != "srv_42" {
		t.Errorf("id_map = %q, want srv_42", id)
	}
}

func TestUnsyncedCountNMinusK(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	const n, k = 7, 3
	ids := []string{"q0", "q1", "q2", "q3", "q4", "q5", "q6"}
	for i, id := range ids[:n] {
		enqueue(t, db, id, "e"+id, ActionCreate, testNow.Add(time.Duration(i)*time.Millisecond))
	}
	for _, id := range ids[:k] {
		if err := db.MarkAsSynced(ctx, id, "srv_"+id); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.UnsyncedCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != n-k {
		t.Errorf("UnsyncedCount = %d, want %d", got, n-k)
	}
}

func TestPendingQueueOrder(t *testing.T) {
	db := testDB(t)

	enqueue(t, db, "third", "e1", ActionDelete, testNow.Add(2*time.Second))
	enqueue(t, db, "first", "e1", ActionCreate, testNow)
	enqueue(t, db, "second-a", "e2", ActionCreate, testNow.Add(time.Second))
	// Same timestamp: insertion order breaks the tie.
	enqueue(t, db, "second-b", "e1", ActionUpdate, testNow.Add(time.Second))

	got := pendingIDs(t, db)
	want := []string{"first", "second-a", "second-b", "third"}
	if len(got) != len(want) {
		t.Fatalf("pending = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pending[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMarkAsSyncedEdgeCases(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.MarkAsSynced(ctx, "pruned", "srv_1"); err != nil {
		t.Errorf("missing entry: err = %v, want nil", err)
	}

	enqueue(t, db, "q1", "e1", ActionCreate, testNow)
	if err := db.MarkAsSynced(ctx, "q1", ""); !errors.Is(err, ErrEmptyServerID) {
		t.Errorf("empty server id: err = %v, want ErrEmptyServerID", err)
	}
	e, err := db.GetQueueEntry(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if e.Synced {
		t.Error("entry marked synced without a server id")
	}
}

func TestMarkAsSyncedKeepsRecordUnsyncedWhileLaterPending(t *testing.T) {
	db := testDB(t)
	p := testPartition(t, db)
	ctx := context.Background()

	if _, err := p.Save(ctx, patient{Name: "A"}, "e1"); err != nil {
		t.Fatal(err)
	}
	enqueue(t, db, "create", "e1", ActionCreate, testNow)
	enqueue(t, db, "update", "e1", ActionUpdate, testNow.Add(time.Second))

	if err := db.MarkAsSynced(ctx, "create", "srv_1"); err != nil {
		t.Fatal(err)
	}
	rec, err := p.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Synced {
		t.Error("record synced while its update is still pending")
	}
	if rec.ServerID != "srv_1" {
		t.Errorf("serverId = %q, want srv_1", rec.ServerID)
	}

	if err := db.MarkAsSynced(ctx, "update", "srv_1"); err != nil {
		t.Fatal(err)
	}
	rec, err = p.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Synced {
		t.Error("record not synced after its last mutation was confirmed")
	}
}

func TestFailedEntryLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	enqueue(t, db, "q1", "e1", ActionCreate, testNow)
	enqueue(t, db, "q2", "e1", ActionUpdate, testNow.Add(time.Second))

	if err := db.RecordAttempt(ctx, "q1", "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkFailed(ctx, "q1", "422 invalid payload"); err != nil {
		t.Fatal(err)
	}

	if got := pendingIDs(t, db); len(got) != 1 || got[0] != "q2" {
		t.Errorf("pending = %v, want [q2]", got)
	}
	failed, err := db.FailedQueue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].LastError != "422 invalid payload" || failed[0].Attempts != 2 {
		t.Fatalf("failed = %+v, want q1 with 2 attempts", failed)
	}
	blocked, err := db.EntityBlocked(ctx, "patients", "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Error("entity with a failed entry not reported blocked")
	}
	if n, _ := db.UnsyncedCount(ctx); n != 2 {
		t.Errorf("UnsyncedCount = %d, want 2 (failed entries still count)", n)
	}
	if n, _ := db.FailedCount(ctx); n != 1 {
		t.Errorf("FailedCount = %d, want 1", n)
	}

	n, err := db.RetryFailed(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("RetryFailed reset %d, want 1", n)
	}
	if got := pendingIDs(t, db); len(got) != 2 {
		t.Errorf("pending after retry = %v, want 2 entries", got)
	}

	ok, err := db.AbandonQueueEntry(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("abandon reported nothing removed")
	}
	ok, err = db.AbandonQueueEntry(ctx, "q1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second abandon reported a removal")
	}
}

func TestPruneSyncedOnlyRemovesSynced(t *testing.T) {
	db := testDB(t)
	p := testPartition(t, db)
	ctx := context.Background()

	if _, err := p.Save(ctx, patient{Name: "A"}, "e1"); err != nil {
		t.Fatal(err)
	}
	enqueue(t, db, "done", "e1", ActionCreate, testNow)
	enqueue(t, db, "open", "e2", ActionCreate, testNow)
	if err := db.MarkAsSynced(ctx, "done", "srv_1"); err != nil {
		t.Fatal(err)
	}

	n, err := db.PruneSynced(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if e, _ := db.GetQueueEntry(ctx, "open"); e == nil {
		t.Error("unsynced entry was pruned")
	}
	rec, err := p.Get(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.ServerID != "srv_1" {
		t.Errorf("entity record after prune = %+v, want kept with srv_1", rec)
	}
}

func TestEnqueueRejectsInvalidEntries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *Tx) error {
		return tx.Enqueue(ctx, &QueueEntry{
			OfflineRecord: RawRecord{LocalID: "q1", Action: "patch"},
			Kind:          "patients",
			EntityLocalID: "e1",
		})
	})
	if !errors.Is(err, ErrInvalidAction) {
		t.Errorf("err = %v, want ErrInvalidAction", err)
	}
	if n, _ := db.UnsyncedCount(ctx); n != 0 {
		t.Errorf("UnsyncedCount = %d, want 0", n)
	}
}

func TestEntityQueueInfo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	info := func() *EntityQueueInfo {
		t.Helper()
		var got *EntityQueueInfo
		err := db.Update(ctx, func(tx *Tx) error {
			var err error
			got, err = tx.EntityQueueInfo(ctx, "patients", "p1")
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		return got
	}

	if got := info(); got.Entries != 0 || !got.LatestAt.IsZero() || got.CreatePending {
		t.Errorf("empty info = %+v", got)
	}

	enqueue(t, db, "q1", "p1", ActionCreate, testNow)
	enqueue(t, db, "q2", "p1", ActionUpdate, testNow.Add(time.Second))
	enqueue(t, db, "q3", "other", ActionUpdate, testNow.Add(time.Hour))

	got := info()
	if got.Entries != 2 || !got.CreatePending || !got.LatestAt.Equal(testNow.Add(time.Second)) {
		t.Errorf("info = %+v, want 2 entries, create pending, latest +1s", got)
	}

	if err := db.MarkAsSynced(ctx, "q1", "srv_1"); err != nil {
		t.Fatal(err)
	}
	if got := info(); got.CreatePending || got.Entries != 2 {
		t.Errorf("info after create synced = %+v", got)
	}
}

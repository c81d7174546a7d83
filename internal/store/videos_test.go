package store

import (
	"context"
	"testing"
	"time"
)

func TestVideoCacheSizeAccounting(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, size := range []int{2_000_000, 3_000_000} {
		v := &VideoEntry{
			ID:       []string{"vid_a", "vid_b"}[i],
			Blob:     make([]byte, size),
			Size:     int64(size),
			Checksum: "x",
			CachedAt: testNow.Add(time.Duration(i) * time.Second),
		}
		if err := db.PutVideo(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	total, err := db.VideoCacheSize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5_000_000 {
		t.Errorf("size = %d, want 5000000", total)
	}

	if err := db.ClearVideos(ctx); err != nil {
		t.Fatal(err)
	}
	total, err = db.VideoCacheSize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 0 {
		t.Errorf("size after clear = %d, want 0", total)
	}
}

func TestVideoLookupAndOverwrite(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	got, err := db.GetVideo(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("expected nil for missing video")
	}
	ok, err := db.VideoExists(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("missing video reported cached")
	}

	for _, blob := range [][]byte{[]byte("old"), []byte("newer")} {
		if err := db.PutVideo(ctx, &VideoEntry{ID: "v1", Blob: blob, Size: int64(len(blob)), Checksum: "c", CachedAt: testNow}); err != nil {
			t.Fatal(err)
		}
	}
	got, err = db.GetVideo(ctx, "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || string(got.Blob) != "newer" || got.Size != 5 {
		t.Errorf("video = %+v, want overwritten blob", got)
	}
}

func TestListVideosOldestFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for i, id := range []string{"new", "old", "mid"} {
		offset := []time.Duration{2 * time.Hour, 0, time.Hour}[i]
		if err := db.PutVideo(ctx, &VideoEntry{ID: id, Blob: []byte{1}, Size: 1, Checksum: "c", CachedAt: testNow.Add(offset)}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := db.ListVideos(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"old", "mid", "new"}
	for i, v := range list {
		if v.ID != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, v.ID, want[i])
		}
		if v.Blob != nil {
			t.Errorf("list[%d] carries its blob", i)
		}
	}

	n, err := db.DeleteVideos(ctx, "old", "gone")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// VideoEntry is the metadata of a cached video. Blob is only populated by GetVideo.
type VideoEntry struct {
	ID       string
	Blob     []byte
	Size     int64
	Checksum string
	CachedAt time.Time
}

// PutVideo stores a blob under id, replacing any previous entry.
func (db *DB) PutVideo(ctx context.Context, v *VideoEntry) error {
	err := db.Update(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO videos_cache (id, blob, size, checksum, cached_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				blob = excluded.blob,
				size = excluded.size,
				checksum = excluded.checksum,
				cached_at = excluded.cached_at`,
			v.ID, v.Blob, v.Size, v.Checksum, v.CachedAt.UnixMilli())
		return err
	})
	return wrapErr("put", "videos_cache", err)
}

// GetVideo returns the cached entry with its blob, or nil if absent.
func (db *DB) GetVideo(ctx context.Context, id string) (*VideoEntry, error) {
	var (
		v        VideoEntry
		cachedAt int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT id, blob, size, checksum, cached_at FROM videos_cache WHERE id = ?`, id).
		Scan(&v.ID, &v.Blob, &v.Size, &v.Checksum, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get", "videos_cache", err)
	}
	v.CachedAt = time.UnixMilli(cachedAt)
	return &v, nil
}

// VideoExists reports whether id is cached without loading the blob.
func (db *DB) VideoExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos_cache WHERE id = ?`, id).Scan(&n)
	return n > 0, wrapErr("exists", "videos_cache", err)
}

// VideoCacheSize returns the total bytes held in the cache.
func (db *DB) VideoCacheSize(ctx context.Context) (int64, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM videos_cache`).Scan(&total)
	return total, wrapErr("size", "videos_cache", err)
}

// ListVideos returns cache metadata ordered oldest first.
func (db *DB) ListVideos(ctx context.Context) ([]VideoEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, size, checksum, cached_at FROM videos_cache ORDER BY cached_at ASC, id ASC`)
	if err != nil {
		return nil, wrapErr("list", "videos_cache", err)
	}
	defer func() { _ = rows.Close() }()

	var out []VideoEntry
	for rows.Next() {
		var (
			v        VideoEntry
			cachedAt int64
		)
		if err := rows.Scan(&v.ID, &v.Size, &v.Checksum, &cachedAt); err != nil {
			return nil, wrapErr("list", "videos_cache", err)
		}
		v.CachedAt = time.UnixMilli(cachedAt)
		out = append(out, v)
	}
	return out, wrapErr("list", "videos_cache", rows.Err())
}

// DeleteVideos removes the given ids in one transaction and returns how many existed.
func (db *DB) DeleteVideos(ctx context.Context, ids ...string) (int64, error) {
	var total int64
	err := db.Update(ctx, func(tx *Tx) error {
		for _, id := range ids {
			res, err := tx.tx.ExecContext(ctx, `DELETE FROM videos_cache WHERE id = ?`, id)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("delete", "videos_cache", err)
	}
	return total, nil
}

// ClearVideos empties the cache.
func (db *DB) ClearVideos(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM videos_cache`)
	return wrapErr("clear", "videos_cache", err)
}

package reception

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"airsquawk/internal/objstore"
)

// Persist rewrites the local file and mirrors it to the bucket when
// records changed since the last write. A failed mirror upload is retried
// on a later call once MirrorRetry has passed.
func (r *Recorder) Persist(ctx context.Context) error {
	r.mu.RLock()
	dirty, pending := r.dirty, r.mirrorPending
	r.mu.RUnlock()

	if !dirty && !(pending && !r.now().Before(r.mirrorAfter)) {
		return nil
	}

	body := Marshal(r.Records())

	if dirty && r.cfg.Path != "" {
		if err := writeFileAtomic(r.cfg.Path, body); err != nil {
			return fmt.Errorf("writing reception file: %w", err)
		}
	}

	r.mu.Lock()
	r.dirty = false
	r.mu.Unlock()

	if r.store == nil || r.cfg.Bucket == "" {
		return nil
	}
	if err := r.store.Put(ctx, r.cfg.Bucket, r.cfg.Key, body, "text/plain"); err != nil {
		r.mirrorPending = true
		r.mirrorAfter = r.now().Add(r.cfg.MirrorRetry)
		return fmt.Errorf("mirroring reception file: %w", err)
	}
	r.mirrorPending = false
	return nil
}

// writeFileAtomic replaces path with body through a temp file in the same
// directory.
func writeFileAtomic(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// Load reads records from the local file, falling back to the bucket
// mirror when there is no local file. A missing file and a missing object
// both load nothing. It returns the number of records loaded.
func (r *Recorder) Load(ctx context.Context) (int, error) {
	body, from, err := r.read(ctx)
	if err != nil || body == nil {
		return 0, err
	}

	records, skipped, err := Parse(bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	if skipped > 0 {
		r.log.Warn("skipped unreadable reception rows", "source", from, "rows", skipped)
	}

	r.mu.Lock()
	for _, rec := range records {
		if cur, ok := r.records[rec.Key]; ok && rec.Slant <= cur.Slant {
			continue
		}
		r.records[rec.Key] = rec
		if r.best == nil || rec.Slant > r.best.Slant {
			b := rec
			r.best = &b
		}
	}
	r.mu.Unlock()

	r.log.Info("loaded reception records", "source", from, "records", len(records))
	return len(records), nil
}

func (r *Recorder) read(ctx context.Context) ([]byte, string, error) {
	if r.cfg.Path != "" {
		body, err := os.ReadFile(r.cfg.Path)
		if err == nil {
			return body, r.cfg.Path, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("reading reception file: %w", err)
		}
	}
	if r.store == nil || r.cfg.Bucket == "" {
		return nil, "", nil
	}
	body, err := r.store.Get(ctx, r.cfg.Bucket, r.cfg.Key)
	if objstore.IsNotFound(err) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("fetching reception mirror: %w", err)
	}
	return body, r.cfg.Bucket + "/" + r.cfg.Key, nil
}

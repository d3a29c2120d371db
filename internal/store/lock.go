package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nodeforge/enginectl/internal/apierror"
)

// lockDir holds the sentinel files used to serialize concurrent fetches of
// the same cache key across processes sharing one cache root.
func (s *Store) lockDir() string {
	return filepath.Join(s.root, "locks")
}

// WithLock runs fn while holding an exclusive sentinel-file lock for key,
// so two Fetcher invocations racing on the same cache key don't both
// download into the same destination. The lock is released when fn
// returns, or when ctx is canceled while waiting to acquire it.
func (s *Store) WithLock(ctx context.Context, key string, fn func() error) error {
	if err := os.MkdirAll(s.lockDir(), 0o755); err != nil {
		return apierror.Wrap(apierror.KindInternal, err, "create lock dir")
	}
	lockPath := filepath.Join(s.lockDir(), sanitizeLockName(key)+".lock")

	const pollInterval = 100 * time.Millisecond
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			break
		}
		if !os.IsExist(err) {
			return apierror.Wrap(apierror.KindInternal, err, "create lock file")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	defer os.Remove(lockPath)

	return fn()
}

func sanitizeLockName(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_' || r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

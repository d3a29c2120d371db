package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWithLockSerializesConcurrentCallers(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var mu sync.Mutex
	active := 0
	maxActive := 0
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithLock(context.Background(), "sha256:same-key", func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("max concurrent holders of the lock = %d, want 1", maxActive)
	}
}

func TestWithLockRespectsContextCancellation(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	release := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), "busy-key", func() error {
			<-release
			return nil
		})
	}()
	time.Sleep(20 * time.Millisecond) // let the goroutine above acquire the lock first

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = s.WithLock(ctx, "busy-key", func() error { return nil })
	close(release)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WithLock() error = %v, want context.DeadlineExceeded", err)
	}
}

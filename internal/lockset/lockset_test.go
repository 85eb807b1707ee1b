package lockset

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryAcquireExcludesSecondHolder(t *testing.T) {
	r := New()
	token, ok := r.TryAcquire("https://x.example/post/1")
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	if _, ok := r.TryAcquire("https://x.example/post/1"); ok {
		t.Fatalf("expected second acquire to fail while held")
	}
	r.Release(token)
	if _, ok := r.TryAcquire("https://x.example/post/1"); !ok {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestReleaseIgnoresStaleToken(t *testing.T) {
	r := New()
	stale, _ := r.TryAcquire("k")
	r.Clear()
	fresh, ok := r.TryAcquire("k")
	if !ok {
		t.Fatalf("expected acquire after clear to succeed")
	}
	r.Release(stale)
	if !r.Held("k") {
		t.Fatalf("expected stale release to leave fresh lock held")
	}
	r.Release(fresh)
	if r.Held("k") {
		t.Fatalf("expected fresh release to free the key")
	}
}

func TestTryAcquireRejectsBlankKey(t *testing.T) {
	r := New()
	if _, ok := r.TryAcquire("   "); ok {
		t.Fatalf("expected blank key to be rejected")
	}
	if r.Len() != 0 {
		t.Fatalf("expected no held keys, got %d", r.Len())
	}
}

func TestTryAcquireConcurrentSingleWinner(t *testing.T) {
	r := New()
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.TryAcquire("same"); ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

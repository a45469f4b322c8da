package devlock

import (
	"context"
	"testing"
	"time"
)

func TestTryLockExcludes(t *testing.T) {
	l := New()
	release, ok := l.TryLock("a")
	if !ok {
		t.Fatal("first TryLock should succeed")
	}
	if _, ok := l.TryLock("a"); ok {
		t.Error("second TryLock on the same device should fail")
	}
	if r, ok := l.TryLock("b"); !ok {
		t.Error("other devices are independent")
	} else {
		r()
	}
	if !l.Held("a") {
		t.Error("Held should report the lock")
	}

	release()
	release() // idempotent
	if l.Held("a") {
		t.Error("lock should be free after release")
	}
}

func TestLockHonorsContext(t *testing.T) {
	l := New()
	release, _ := l.TryLock("a")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "a"); err == nil {
		t.Fatal("Lock should fail when the context expires first")
	}
}

func TestLockRefusesCancelledContext(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// the slot is free, a cancelled caller must still be refused every time
	for i := 0; i < 50; i++ {
		release, err := l.Lock(ctx, "a")
		if err == nil {
			release()
			t.Fatalf("attempt %d: Lock succeeded with a cancelled context", i)
		}
	}
	if l.Held("a") {
		t.Error("lock left held")
	}
}

func TestLockWaitsForRelease(t *testing.T) {
	l := New()
	release, _ := l.TryLock("a")

	got := make(chan struct{})
	go func() {
		r, err := l.Lock(context.Background(), "a")
		if err == nil {
			r()
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("Lock returned while the lock was held")
	case <-time.After(20 * time.Millisecond):
	}
	release()

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("Lock did not return after release")
	}
}

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSession struct {
	closes atomic.Int32
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	return nil
}

func countingLoader(loads *atomic.Int32, s Session) func(context.Context) (Session, error) {
	return func(ctx context.Context) (Session, error) {
		loads.Add(1)
		return s, nil
	}
}

func waitCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAcquireCachesSession(t *testing.T) {
	c := NewCache(2, time.Second, zerolog.Nop())
	var loads atomic.Int32
	sess := &fakeSession{}
	key := Key{Provider: "whisper", WeightPath: "/models/base"}

	s1, rel1, err := c.Acquire(context.Background(), key, countingLoader(&loads, sess))
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	s2, rel2, err := c.Acquire(context.Background(), key, countingLoader(&loads, sess))
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the same session instance")
	}
	if loads.Load() != 1 {
		t.Errorf("loads = %d, want 1", loads.Load())
	}
	rel1()
	rel2()
	if sess.closes.Load() != 0 {
		t.Error("session closed while cache has room")
	}
}

func TestAcquireCoalescesConcurrentLoads(t *testing.T) {
	c := NewCache(2, time.Second, zerolog.Nop())
	var loads atomic.Int32
	gate := make(chan struct{})
	sess := &fakeSession{}
	key := Key{Provider: "whisper", WeightPath: "/models/large"}

	load := func(ctx context.Context) (Session, error) {
		loads.Add(1)
		<-gate
		return sess, nil
	}

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, rel, err := c.Acquire(context.Background(), key, load)
			errs[i] = err
			if err == nil {
				if s != sess {
					errs[i] = errors.New("wrong session")
				}
				rel()
			}
		}(i)
	}

	waitCond(t, func() bool { return loads.Load() == 1 }, "loader never ran")
	time.Sleep(10 * time.Millisecond) // let the other acquires reach the wait
	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("acquire %d: %v", i, err)
		}
	}
	if loads.Load() != 1 {
		t.Errorf("loads = %d, want 1 (coalesced)", loads.Load())
	}
}

func TestLoadTimeoutIsTransient(t *testing.T) {
	c := NewCache(2, 20*time.Millisecond, zerolog.Nop())
	key := Key{Provider: "vosk", WeightPath: "/models/slow"}

	_, _, err := c.Acquire(context.Background(), key, func(ctx context.Context) (Session, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("err = %v, want ErrTransient", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed load left an entry, len = %d", c.Len())
	}
}

func TestFailedLoadNotCached(t *testing.T) {
	c := NewCache(2, time.Second, zerolog.Nop())
	var loads atomic.Int32
	key := Key{Provider: "whisper", WeightPath: "/models/broken"}

	boom := errors.New("weights corrupt")
	for i := 0; i < 2; i++ {
		_, _, err := c.Acquire(context.Background(), key, func(ctx context.Context) (Session, error) {
			loads.Add(1)
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
	}
	if loads.Load() != 2 {
		t.Errorf("loads = %d, want 2 (failures are retried, not cached)", loads.Load())
	}
}

func TestEvictionIsLRUAndSkipsHeldSessions(t *testing.T) {
	c := NewCache(1, time.Second, zerolog.Nop())
	sessA := &fakeSession{}
	sessB := &fakeSession{}
	keyA := Key{Provider: "whisper", WeightPath: "/models/a"}
	keyB := Key{Provider: "whisper", WeightPath: "/models/b"}

	var loads atomic.Int32
	_, relA, err := c.Acquire(context.Background(), keyA, countingLoader(&loads, sessA))
	if err != nil {
		t.Fatal(err)
	}
	_, relB, err := c.Acquire(context.Background(), keyB, countingLoader(&loads, sessB))
	if err != nil {
		t.Fatal(err)
	}

	// Both held: over capacity but nothing evictable.
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2 while both held", c.Len())
	}

	relA()
	waitCond(t, func() bool { return sessA.closes.Load() == 1 }, "idle session A never evicted")
	if sessB.closes.Load() != 0 {
		t.Error("held session B was closed")
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}

	relB()
	if sessB.closes.Load() != 0 {
		t.Error("session B evicted while cache fits max")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewCache(1, time.Second, zerolog.Nop())
	sess := &fakeSession{}
	key := Key{Provider: "whisper", WeightPath: "/models/base"}

	var loads atomic.Int32
	_, rel, err := c.Acquire(context.Background(), key, countingLoader(&loads, sess))
	if err != nil {
		t.Fatal(err)
	}
	rel()
	rel()

	c.Close()
	if sess.closes.Load() != 1 {
		t.Errorf("closes = %d, want 1", sess.closes.Load())
	}
}

func TestAcquireAfterClose(t *testing.T) {
	c := NewCache(1, time.Second, zerolog.Nop())
	c.Close()
	_, _, err := c.Acquire(context.Background(), Key{Provider: "whisper"}, func(ctx context.Context) (Session, error) {
		return &fakeSession{}, nil
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestSizeChangedHook(t *testing.T) {
	c := NewCache(2, time.Second, zerolog.Nop())
	var last atomic.Int32
	c.SizeChanged = func(n int) { last.Store(int32(n)) }

	sess := &fakeSession{}
	var loads atomic.Int32
	_, rel, err := c.Acquire(context.Background(), Key{Provider: "whisper", WeightPath: "/m"}, countingLoader(&loads, sess))
	if err != nil {
		t.Fatal(err)
	}
	if last.Load() != 1 {
		t.Errorf("size = %d, want 1", last.Load())
	}
	rel()
	c.Close()
	if last.Load() != 0 {
		t.Errorf("size = %d, want 0 after close", last.Load())
	}
}

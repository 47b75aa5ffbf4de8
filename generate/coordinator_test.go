package generate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/image-mill/image-mill/storage"
	"github.com/image-mill/image-mill/transcode"
	"github.com/image-mill/image-mill/variant"
)

func testCoordinator(idx storage.Index, wait, retry time.Duration) *Coordinator {
	return NewCoordinator(Config{
		Index:       idx,
		WaitTimeout: wait,
		RetryAfter:  retry,
		Logger:      zerolog.Nop(),
	})
}

func testKey(n int) variant.Key {
	return variant.Key{OriginalID: fmt.Sprintf("original%d", n), Width: 800, Format: variant.FormatWebP}
}

func readyRecord(key variant.Key) storage.Derivative {
	return storage.Derivative{
		Key:         key.String(),
		OriginalID:  key.OriginalID,
		Width:       key.Width,
		Format:      string(key.Format),
		Path:        "processed/" + key.String() + ".webp",
		Size:        3,
		Status:      storage.StatusReady,
		GeneratedAt: time.Now(),
	}
}

func TestEnsureGeneratesExactlyOnce(t *testing.T) {
	c := testCoordinator(storage.NewMemIndex(), time.Second, 0)
	defer c.Close()
	key := testKey(1)

	var calls atomic.Int32
	gen := func(ctx context.Context) (storage.Derivative, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return readyRecord(key), nil
	}

	const n = 20
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.Ensure(context.Background(), key, gen)
			paths[i] = res.Derivative.Path
			errs[i] = err
		}(i)
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("%d concurrent requests invoked generation %d times", n, got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("request %d failed: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Fatalf("request %d got path %q, request 0 got %q", i, paths[i], paths[0])
		}
	}
}

func TestEnsureReadyHitSkipsGeneration(t *testing.T) {
	idx := storage.NewMemIndex()
	key := testKey(1)
	if err := idx.PutDerivative(readyRecord(key)); err != nil {
		t.Fatal(err)
	}
	c := testCoordinator(idx, time.Second, 0)
	defer c.Close()

	var calls atomic.Int32
	res, err := c.Ensure(context.Background(), key, func(ctx context.Context) (storage.Derivative, error) {
		calls.Add(1)
		return readyRecord(key), nil
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if res.Outcome != OutcomeHit {
		t.Fatalf("outcome is %s", res.Outcome)
	}
	if calls.Load() != 0 {
		t.Fatal("ready derivative still invoked generation")
	}
}

func TestEnsureUnrelatedKeysRunInParallel(t *testing.T) {
	c := testCoordinator(storage.NewMemIndex(), time.Second, 0)
	defer c.Close()

	started := make(chan variant.Key, 2)
	barrier := make(chan struct{})
	gen := func(key variant.Key) GenerateFunc {
		return func(ctx context.Context) (storage.Derivative, error) {
			started <- key
			<-barrier
			return readyRecord(key), nil
		}
	}

	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		key := testKey(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Ensure(context.Background(), key, gen(key)); err != nil {
				t.Errorf("ensure %s: %v", key, err)
			}
		}()
	}

	// both generations must start while neither can finish
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("keys were serialized against each other")
		}
	}
	close(barrier)
	wg.Wait()
}

func TestEnsureWaiterTimesOutWhileGenerationContinues(t *testing.T) {
	idx := storage.NewMemIndex()
	c := testCoordinator(idx, 20*time.Millisecond, 0)
	defer c.Close()
	key := testKey(1)

	var calls atomic.Int32
	release := make(chan struct{})
	gen := func(ctx context.Context) (storage.Derivative, error) {
		calls.Add(1)
		<-release
		return readyRecord(key), nil
	}

	_, err := c.Ensure(context.Background(), key, gen)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}

	// the flight is still running in the background; let it publish
	close(release)
	deadline := time.Now().Add(time.Second)
	for c.Pending(key) {
		if time.Now().After(deadline) {
			t.Fatal("generation never published")
		}
		time.Sleep(time.Millisecond)
	}

	res, err := c.Ensure(context.Background(), key, gen)
	if err != nil {
		t.Fatalf("ensure after publish: %v", err)
	}
	if res.Outcome != OutcomeHit {
		t.Fatalf("outcome is %s", res.Outcome)
	}
	if calls.Load() != 1 {
		t.Fatalf("generation ran %d times", calls.Load())
	}
}

func TestEnsureDisconnectDoesNotCancelGeneration(t *testing.T) {
	idx := storage.NewMemIndex()
	c := testCoordinator(idx, time.Second, 0)
	defer c.Close()
	key := testKey(1)

	var calls atomic.Int32
	release := make(chan struct{})
	gen := func(ctx context.Context) (storage.Derivative, error) {
		calls.Add(1)
		<-release
		return readyRecord(key), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Ensure(ctx, key, gen)
		done <- err
	}()
	for !c.Pending(key) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(release)
	res, err := c.Ensure(context.Background(), key, gen)
	if err != nil {
		t.Fatalf("ensure after disconnect: %v", err)
	}
	if res.Derivative.Status != storage.StatusReady {
		t.Fatalf("derivative status is %s", res.Derivative.Status)
	}
	if calls.Load() != 1 {
		t.Fatalf("generation ran %d times", calls.Load())
	}
}

func TestEnsurePermanentFailureShortCircuits(t *testing.T) {
	idx := storage.NewMemIndex()
	c := testCoordinator(idx, time.Second, time.Hour)
	defer c.Close()
	key := testKey(1)

	var calls atomic.Int32
	gen := func(ctx context.Context) (storage.Derivative, error) {
		calls.Add(1)
		return storage.Derivative{}, &transcode.PermanentError{Err: errors.New("corrupt source")}
	}

	if _, err := c.Ensure(context.Background(), key, gen); !transcode.IsPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if _, err := c.Ensure(context.Background(), key, gen); !transcode.IsPermanent(err) {
		t.Fatalf("expected recorded permanent failure, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("generation ran %d times for a poisoned key", calls.Load())
	}

	d, ok, err := idx.GetDerivative(key.String())
	if err != nil || !ok {
		t.Fatalf("failure not recorded: ok=%v err=%v", ok, err)
	}
	if d.Status != storage.StatusFailedPermanent || d.FailedAt.IsZero() {
		t.Fatalf("recorded failure is %+v", d)
	}
}

func TestEnsurePermanentFailureRetriesAfterWindow(t *testing.T) {
	idx := storage.NewMemIndex()
	c := testCoordinator(idx, time.Second, 20*time.Millisecond)
	defer c.Close()
	key := testKey(1)

	var calls atomic.Int32
	gen := func(ctx context.Context) (storage.Derivative, error) {
		if calls.Add(1) == 1 {
			return storage.Derivative{}, &transcode.PermanentError{Err: errors.New("misclassified")}
		}
		return readyRecord(key), nil
	}

	if _, err := c.Ensure(context.Background(), key, gen); !transcode.IsPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	res, err := c.Ensure(context.Background(), key, gen)
	if err != nil {
		t.Fatalf("ensure after window: %v", err)
	}
	if res.Derivative.Status != storage.StatusReady {
		t.Fatalf("derivative status is %s", res.Derivative.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("generation ran %d times", calls.Load())
	}
}

func TestEnsureTransientFailureRetriesImmediately(t *testing.T) {
	idx := storage.NewMemIndex()
	c := testCoordinator(idx, time.Second, time.Hour)
	defer c.Close()
	key := testKey(1)

	var calls atomic.Int32
	gen := func(ctx context.Context) (storage.Derivative, error) {
		if calls.Add(1) == 1 {
			return storage.Derivative{}, &transcode.TransientError{Err: errors.New("codec hiccup")}
		}
		return readyRecord(key), nil
	}

	if _, err := c.Ensure(context.Background(), key, gen); !transcode.IsTransient(err) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	res, err := c.Ensure(context.Background(), key, gen)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Derivative.Status != storage.StatusReady {
		t.Fatalf("derivative status is %s", res.Derivative.Status)
	}
	if calls.Load() != 2 {
		t.Fatalf("generation ran %d times", calls.Load())
	}
}

func TestCloseDrainsAndRefusesNewClaims(t *testing.T) {
	idx := storage.NewMemIndex()
	c := testCoordinator(idx, time.Second, 0)
	key := testKey(1)

	release := make(chan struct{})
	go c.Ensure(context.Background(), key, func(ctx context.Context) (storage.Derivative, error) {
		<-release
		return readyRecord(key), nil
	})
	for !c.Pending(key) {
		time.Sleep(time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a generation was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close never returned after the flight published")
	}

	// recorded outcomes still resolve after shutdown
	res, err := c.Ensure(context.Background(), key, nil)
	if err != nil || res.Outcome != OutcomeHit {
		t.Fatalf("hit after close: res=%+v err=%v", res, err)
	}

	// new work does not
	if _, err := c.Ensure(context.Background(), testKey(2), nil); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

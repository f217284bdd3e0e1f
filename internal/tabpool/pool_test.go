package tabpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type fakeTab struct {
	id     int
	closed atomic.Bool
}

func (f *fakeTab) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	created int
	fail    bool
}

func (f *fakeFactory) NewContext() (Tab, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("allocation failed")
	}
	f.created++
	return &fakeTab{id: f.created}, nil
}

func newPool(t *testing.T, size, recycleAfter int) (*Pool, *fakeFactory) {
	t.Helper()
	f := &fakeFactory{}
	p, err := New(f, size, recycleAfter, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return p, f
}

func TestAcquireRelease(t *testing.T) {
	p, f := newPool(t, 2, 0)

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if f.created != 2 {
		t.Errorf("created = %d, want 2", f.created)
	}

	p.Release(a)
	p.Release(b)

	s := p.Stats()
	if s.Available != 2 || s.Total != 2 || s.Size != 2 {
		t.Errorf("Stats() = %+v", s)
	}

	// Idle tabs are reused, not reallocated.
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c != a {
		t.Error("expected the first idle tab to be reused")
	}
	if f.created != 2 {
		t.Errorf("created = %d after reuse, want 2", f.created)
	}
}

func TestRecycling(t *testing.T) {
	p, _ := newPool(t, 1, 3)

	var first Tab
	for i := 0; i < 3; i++ {
		tab, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = tab
		} else if tab != first {
			t.Fatal("expected the same tab before the recycle threshold")
		}
		p.Release(tab)
	}

	// Third release hits recycleAfter: the context is torn down and a
	// fresh one takes its slot.
	fourth, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if fourth == first {
		t.Error("expected a fresh context after recycling")
	}
	if !first.(*fakeTab).closed.Load() {
		t.Error("recycled context was not closed")
	}

	s := p.Stats()
	if s.Recycled != 1 {
		t.Errorf("Recycled = %d, want 1", s.Recycled)
	}
	if s.Total != 1 {
		t.Errorf("Total = %d, want 1", s.Total)
	}
}

func TestRecycleAllocationFailureShrinks(t *testing.T) {
	p, f := newPool(t, 1, 1)

	tab, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.fail = true
	f.mu.Unlock()

	p.Release(tab)

	s := p.Stats()
	if s.Total != 0 {
		t.Errorf("Total = %d after failed replacement, want 0", s.Total)
	}
}

func TestWaitersServedFIFO(t *testing.T) {
	p, _ := newPool(t, 1, 0)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	const waiters = 5
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			tab, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			order <- i
			p.Release(tab)
		}()
		// Wait until this waiter is enqueued so FIFO order is deterministic.
		for j := 0; j < 1000 && p.Stats().Waiting != i+1; j++ {
			time.Sleep(time.Millisecond)
		}
	}

	p.Release(held)
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("waiter order: got %d, want %d", got, want)
		}
		want++
	}
}

func TestDrainFailsWaiters(t *testing.T) {
	p, _ := newPool(t, 1, 0)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()

	// Let the waiter enqueue.
	for i := 0; i < 100; i++ {
		if p.Stats().Waiting == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	p.Drain()

	select {
	case err := <-errCh:
		if err != ErrDraining {
			t.Errorf("waiter error = %v, want ErrDraining", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not resolved by Drain")
	}

	// Releasing a leased tab after drain closes it.
	p.Release(held)
	if !held.(*fakeTab).closed.Load() {
		t.Error("leased tab not closed on release after Drain")
	}
	if s := p.Stats(); s.Total != 0 {
		t.Errorf("Total = %d after drain, want 0", s.Total)
	}

	if _, err := p.Acquire(context.Background()); err != ErrDraining {
		t.Errorf("Acquire() after Drain = %v, want ErrDraining", err)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	p, _ := newPool(t, 1, 0)

	held, _ := p.Acquire(context.Background())
	defer p.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := p.Acquire(ctx); err != context.DeadlineExceeded {
		t.Errorf("Acquire() = %v, want deadline exceeded", err)
	}
	if s := p.Stats(); s.Waiting != 0 {
		t.Errorf("Waiting = %d after cancelled acquire, want 0", s.Waiting)
	}
}

func TestPoolInvariants(t *testing.T) {
	p, _ := newPool(t, 4, 2)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tab, err := p.Acquire(ctx)
			if err != nil {
				return
			}
			time.Sleep(time.Millisecond)
			p.Release(tab)

			s := p.Stats()
			if s.Total > s.Size {
				t.Errorf("invariant violated: total %d > size %d", s.Total, s.Size)
			}
			if s.Available > s.Total {
				t.Errorf("invariant violated: available %d > total %d", s.Available, s.Total)
			}
		}()
	}
	wg.Wait()
}

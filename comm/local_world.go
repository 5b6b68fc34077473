package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/notargets/meshdist/utils"
)

type envelope struct {
	from    int
	payload []byte
}

// LocalWorld runs Size ranks as goroutines of one process. Each collective is
// one MailBox round: post, deliver, barrier, receive, barrier.
type LocalWorld struct {
	size    int
	mb      *utils.MailBox[envelope]
	barrier *barrier
}

func NewLocalWorld(size int) *LocalWorld {
	if size < 1 {
		panic(fmt.Errorf("world size must be positive, have %d", size))
	}
	return &LocalWorld{
		size:    size,
		mb:      utils.NewMailBox[envelope](size),
		barrier: newBarrier(size),
	}
}

func (w *LocalWorld) Size() int { return w.size }

// Context binds rank to this world.
func (w *LocalWorld) Context(rank int, log zerolog.Logger) *ProcessContext {
	return &ProcessContext{
		Rank: rank,
		Size: w.size,
		Comm: w,
		Log:  log.With().Int("rank", rank).Logger(),
	}
}

// Abort releases every rank blocked in a collective with err.
func (w *LocalWorld) Abort(err error) {
	w.barrier.abort(err)
}

func (w *LocalWorld) AllGather(rank int, payload []byte) ([][]byte, error) {
	payloads := make([][]byte, w.size)
	for i := range payloads {
		payloads[i] = payload
	}
	return w.exchange(rank, payloads)
}

func (w *LocalWorld) AllToAll(rank int, payloads [][]byte) ([][]byte, error) {
	if len(payloads) != w.size {
		return nil, fmt.Errorf("comm: all-to-all with %d payloads in a world of %d", len(payloads), w.size)
	}
	return w.exchange(rank, payloads)
}

func (w *LocalWorld) Barrier(rank int) error {
	return w.barrier.wait()
}

func (w *LocalWorld) exchange(rank int, payloads [][]byte) ([][]byte, error) {
	for to, payload := range payloads {
		w.mb.PostMessage(rank, to, envelope{from: rank, payload: payload})
	}
	w.mb.DeliverMyMessages(rank)
	if err := w.barrier.wait(); err != nil {
		return nil, err
	}
	w.mb.ReceiveMyMessages(rank)
	received := make([][]byte, w.size)
	for _, env := range w.mb.MyMessages(rank) {
		received[env.from] = env.payload
	}
	w.mb.ClearMyMessages(rank)
	// Nobody may post the next round while a peer is still draining this one
	if err := w.barrier.wait(); err != nil {
		return nil, err
	}
	return received, nil
}

// Run executes fn on size ranks of a fresh LocalWorld and returns the first
// error. When a rank fails, the world is aborted so the surviving ranks fail
// their next collective with ErrAborted instead of waiting forever.
func Run(ctx context.Context, size int, log zerolog.Logger,
	fn func(pc *ProcessContext) error) error {
	var (
		world  = NewLocalWorld(size)
		g, gtx = errgroup.WithContext(ctx)
		done   = make(chan struct{})
	)
	go func() {
		select {
		case <-gtx.Done():
			world.Abort(ErrAborted)
		case <-done:
		}
	}()
	for rank := 0; rank < size; rank++ {
		pc := world.Context(rank, log)
		g.Go(func() error {
			if err := fn(pc); err != nil {
				return fmt.Errorf("rank %d: %w", pc.Rank, err)
			}
			return nil
		})
	}
	err := g.Wait()
	close(done)
	return err
}

// barrier is a reusable (cyclic) barrier that can be aborted.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	n       int
	count   int
	gen     uint64
	aborted error
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted != nil {
		return b.aborted
	}
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		return nil
	}
	for gen == b.gen && b.aborted == nil {
		b.cond.Wait()
	}
	if gen == b.gen {
		return b.aborted
	}
	return nil
}

func (b *barrier) abort(err error) {
	b.mu.Lock()
	if b.aborted == nil {
		b.aborted = err
	}
	b.mu.Unlock()
	b.cond.Broadcast()
}

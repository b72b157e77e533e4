package worker

import (
	"context"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Pool runs independent loops side by side. Loops share nothing but the store and the lanes.
type Pool struct {
	loops []*Loop
}

// NewPool builds n loops, each with its own ULID worker id.
func NewPool(n int, build func(workerID string) *Loop) *Pool {
	p := &Pool{loops: make([]*Loop, 0, n)}
	for range n {
		p.loops = append(p.loops, build(ulid.Make().String()))
	}
	return p
}

func (p *Pool) Loops() []*Loop { return p.loops }

// Run blocks until ctx is cancelled and every loop has settled its in-flight job.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range p.loops {
		g.Go(func() error { return l.Run(ctx) })
	}
	return g.Wait()
}

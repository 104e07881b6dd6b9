package correlation

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Go runs fn on a new goroutine as a child task of ctx.
func Go(ctx context.Context, fn func(ctx context.Context)) {
	child := Fork(ctx)
	go fn(child)
}

// Group is an errgroup whose goroutines each run as a child task.
type Group struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewGroup returns a Group bound to ctx and the derived context that is
// cancelled when the first goroutine fails.
func NewGroup(ctx context.Context) (*Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{g: g, ctx: gctx}, gctx
}

// Go forks the child task before starting the goroutine, so the snapshot is
// taken at the call site and not whenever the scheduler gets to it.
func (g *Group) Go(fn func(ctx context.Context) error) {
	child := Fork(g.ctx)
	g.g.Go(func() error {
		return fn(child)
	})
}

// Wait blocks until all goroutines return and reports the first error.
func (g *Group) Wait() error {
	return g.g.Wait()
}

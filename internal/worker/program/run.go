// Package program provides the graceful process lifecycle used by
// cmd/shuffle-worker: a root Routine spawns sibling routines (the
// gRPC/uRPC/HTTP listeners, heartbeat loop, purge consumer, spiller
// pool, disk health loops, topN loop); SIGINT/SIGTERM cancels the
// whole tree, and the process exits 0 on clean termination or 1 on
// the first routine error.
//
// Grounded on buildbarn-bb-storage/pkg/program/run.go.
package program

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Routine is one unit of work in the lifecycle tree. It must return
// promptly once ctx is cancelled.
type Routine func(ctx context.Context, group *Group) error

// Group lets a Routine spawn siblings: peers that must all finish
// before the group as a whole completes. It has no separate kind of
// routine that outlives its siblings; every routine shares the one
// group context and is cancelled with it.
type Group struct {
	ctx context.Context
	eg  *errgroup.Group
}

// Go spawns routine as a sibling of the caller.
func (g *Group) Go(routine Routine) {
	g.eg.Go(func() error {
		return routine(g.ctx, g)
	})
}

// Context returns the group's lifecycle context, cancelled when any
// sibling returns an error or the process receives a termination
// signal.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Run installs a SIGINT/SIGTERM handler, runs root to completion, and
// returns its error. Callers typically os.Exit(1) on a non-nil
// return; Run itself does not call os.Exit so it remains testable.
func Run(root Routine) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer signal.Stop(sigCh)

	eg, egCtx := errgroup.WithContext(ctx)
	group := &Group{ctx: egCtx, eg: eg}

	eg.Go(func() error {
		return root(egCtx, group)
	})

	return eg.Wait()
}

// Package pipeline provides the generic staged-pipeline harness the
// watcher is built on: a Source feeding a chain of Stages into a Sink,
// connected by bounded channels.
//
// Backpressure is the channel itself: an emit into a full queue blocks
// the producing stage until the consumer catches up. Shutdown is
// closure propagation: cancelling the run context stops the source,
// the source's output channel closes, and each downstream stage drains
// its input to completion before closing its own output. No accepted
// item is dropped on a graceful shutdown.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Emit hands one item to the next stage, blocking while the downstream
// queue is full.
type Emit[O any] func(O)

// Source produces items until its context is cancelled or it fails.
// A Source error is fatal to the whole pipeline.
type Source[O any] interface {
	Run(ctx context.Context, emit Emit[O]) error
}

// Stage consumes one item and emits zero or more items downstream.
// A Stage error applies to that item only; the pipeline keeps running.
type Stage[I, O any] interface {
	Process(item I, emit Emit[O]) error
}

// Flusher is an optional Stage extension invoked once after the input
// queue closes, letting a stage emit buffered state before shutdown.
type Flusher[O any] interface {
	Flush(emit Emit[O]) error
}

// Sink consumes items at the end of the pipeline. Close is called once
// after the input queue closes and has been drained.
type Sink[I any] interface {
	Consume(item I) error
	Close() error
}

// Pipeline tracks the goroutines of a wired pipeline and the first
// fatal error any of them reported.
type Pipeline struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// New creates a pipeline whose source stops when the given context is
// cancelled.
func New(ctx context.Context) *Pipeline {
	ctx, cancel := context.WithCancel(ctx)
	return &Pipeline{ctx: ctx, cancel: cancel}
}

// Shutdown requests a graceful stop: the source finishes its current
// tick, and every stage drains before exiting.
func (p *Pipeline) Shutdown() {
	p.cancel()
}

// Wait blocks until every stage has exited and returns the first fatal
// error, if any.
func (p *Pipeline) Wait() error {
	p.wg.Wait()
	p.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
	p.cancel()
}

// RunSource starts s on its own goroutine and returns its bounded
// output channel. The channel closes when the source returns.
func RunSource[O any](p *Pipeline, name string, s Source[O], depth int) <-chan O {
	out := make(chan O, depth)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)
		log.Debug().Str("stage", name).Msg("Source started")
		err := s.Run(p.ctx, func(o O) { out <- o })
		if err != nil && p.ctx.Err() == nil {
			log.Error().Err(err).Str("stage", name).Msg("Source failed")
			p.fail(fmt.Errorf("%s: %w", name, err))
		}
		log.Debug().Str("stage", name).Msg("Source stopped")
	}()
	return out
}

// RunStage starts st on its own goroutine, consuming in and returning
// its bounded output channel. Item errors are logged and contained;
// the stage keeps consuming. The output closes once in is drained and
// any Flush has run.
func RunStage[I, O any](p *Pipeline, name string, st Stage[I, O], in <-chan I, depth int) <-chan O {
	out := make(chan O, depth)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)
		log.Debug().Str("stage", name).Msg("Stage started")
		emit := func(o O) { out <- o }
		for item := range in {
			if err := st.Process(item, emit); err != nil {
				log.Error().Err(err).Str("stage", name).Msg("Item dropped")
			}
		}
		if f, ok := st.(Flusher[O]); ok {
			if err := f.Flush(emit); err != nil {
				log.Error().Err(err).Str("stage", name).Msg("Flush failed")
			}
		}
		log.Debug().Str("stage", name).Msg("Stage drained")
	}()
	return out
}

// RunSink starts sk on its own goroutine, consuming in until it closes.
func RunSink[I any](p *Pipeline, name string, sk Sink[I], in <-chan I) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Debug().Str("stage", name).Msg("Sink started")
		for item := range in {
			if err := sk.Consume(item); err != nil {
				log.Error().Err(err).Str("stage", name).Msg("Item dropped")
			}
		}
		if err := sk.Close(); err != nil {
			log.Error().Err(err).Str("stage", name).Msg("Sink close failed")
		}
		log.Debug().Str("stage", name).Msg("Sink drained")
	}()
}

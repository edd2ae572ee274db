package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrShutdown is returned when a runner is requested after Shutdown.
var ErrShutdown = errors.New("engine is shutting down")

// runnerSet tracks one background runner per migration. Runners share a
// context that Shutdown cancels.
type runnerSet struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]chan struct{}
	wg      sync.WaitGroup
}

func newRunnerSet(ctx context.Context) *runnerSet {
	ctx, cancel := context.WithCancel(ctx)
	return &runnerSet{
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]chan struct{}),
	}
}

// start launches run for id unless a runner for id is already active.
// prepare runs under the registry lock before launch; an error from it
// aborts the start.
func (s *runnerSet) start(id string, prepare func() error, run func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return ErrShutdown
	}
	if _, ok := s.running[id]; ok {
		return ErrAlreadyRunning
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	s.running[id] = done
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, id)
			s.mu.Unlock()
			close(done)
		}()
		run(s.ctx)
	}()
	return nil
}

// done returns a channel closed when the runner for id exits, or nil when
// none is active.
func (s *runnerSet) done(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.running[id]; ok {
		return ch
	}
	return nil
}

// active lists the migrations with a live runner.
func (s *runnerSet) active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// stop cancels every runner and waits for them to exit or for ctx to end.
func (s *runnerSet) stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

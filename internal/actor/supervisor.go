package actor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"

	"github.com/jakehemmerle/substrate-archive-go/internal/logging"
	"github.com/jakehemmerle/substrate-archive-go/internal/metrics"
)

// Supervisor restarts a stopped child actor with capped exponential
// backoff. Each child is restarted independently; one child's failure
// does not affect its siblings.
type Supervisor struct {
	logger *logging.Logger

	mu       sync.Mutex
	children []supervisedChild
	wg       sync.WaitGroup
	stopping bool
}

type supervisedChild struct {
	factory func() Actor
	current Actor
}

// NewSupervisor constructs an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{logger: logging.GetLogger("supervisor")}
}

// Supervise registers a factory that (re)builds the actor on every
// (re)start. The factory is invoked once by Start and again on every
// restart, so it must return a fresh Actor each time.
func (s *Supervisor) Supervise(factory func() Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = append(s.children, supervisedChild{factory: factory})
}

// Start launches every registered child and begins watching for
// unexpected stops.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.children {
		if err := s.startChildLocked(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) startChildLocked(i int) error {
	child := s.children[i].factory()
	s.children[i].current = child
	if err := child.Start(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.watch(i, child)
	return nil
}

func (s *Supervisor) watch(i int, child Actor) {
	defer s.wg.Done()
	<-child.Quit()

	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return
	}

	s.logger.Warn("actor stopped unexpectedly, restarting", "actor", child.Name())
	metrics.ActorRestarts.WithLabelValues(child.Name()).Inc()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; the process itself is the backstop

	_ = backoff.Retry(func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopping {
			return nil
		}
		if err := s.startChildLocked(i); err != nil {
			s.logger.Error("failed to restart actor", "actor", child.Name(), "err", err)
			return err
		}
		return nil
	}, b)
}

// shutdownTimeout bounds how long StopAll waits for a single child to
// quit before giving up on it and reporting a timeout error for that
// child; a wedged actor must not hang process shutdown forever.
const shutdownTimeout = 30 * time.Second

// StopAll requests every child to stop and waits for them to quit,
// returning a combined error for any child that didn't quit within
// shutdownTimeout.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	s.stopping = true
	children := make([]Actor, 0, len(s.children))
	for _, c := range s.children {
		if c.current != nil {
			children = append(children, c.current)
		}
	}
	s.mu.Unlock()

	for _, c := range children {
		c.Stop()
	}

	var errs error
	for _, c := range children {
		select {
		case <-c.Quit():
		case <-time.After(shutdownTimeout):
			errs = multierr.Append(errs, fmt.Errorf("actor %s did not quit within %s", c.Name(), shutdownTimeout))
		}
	}
	// A watcher of a child that timed out stays blocked on its Quit, so
	// only wait for the watchers when every child has quit.
	if errs == nil {
		s.wg.Wait()
	}
	return errs
}

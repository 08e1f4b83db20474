package manager

import (
	"strconv"
	"sync"
	"time"

	"github.com/Guizzs26/event_sourced_voting_system/internal/aggregate"
	"github.com/Guizzs26/event_sourced_voting_system/internal/metrics"
	"github.com/Guizzs26/event_sourced_voting_system/internal/voting"
)

type votingRunner = aggregate.Runner[*voting.State]

// handler is a live runner plus the number of callers currently using it.
// A handler with callers is never evicted.
type handler struct {
	runner *votingRunner
	refs   int
}

// shard is one partition's table of live handlers.
type shard struct {
	index   int
	label   string
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[string]*handler
	// evicted runners still flushing; a reactivation waits for them
	draining map[string]*votingRunner
}

func newShard(index int, m *metrics.Metrics) *shard {
	return &shard{
		index:    index,
		label:    strconv.Itoa(index),
		metrics:  m,
		handlers: make(map[string]*handler),
		draining: make(map[string]*votingRunner),
	}
}

func isDone(r *votingRunner) bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

type activateFunc func(s *shard, votingID string, after <-chan struct{}) *votingRunner

// acquire returns the single live handler for votingID, creating it when
// there is none or when the previous one died.
func (s *shard) acquire(votingID string, activate activateFunc) *handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.handlers[votingID]
	if h != nil && isDone(h.runner) {
		s.metrics.HandlerReleased(s.label, false)
		h = nil
	}
	if h == nil {
		var after <-chan struct{}
		if old, ok := s.draining[votingID]; ok {
			after = old.Done()
		}
		h = &handler{runner: activate(s, votingID, after)}
		s.handlers[votingID] = h
	}
	h.refs++
	return h
}

func (s *shard) release(votingID string, h *handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h.refs--
	if h.refs == 0 && isDone(h.runner) && s.handlers[votingID] == h {
		// a handler that failed to recover is dropped so the next command
		// tries again
		delete(s.handlers, votingID)
		s.metrics.HandlerReleased(s.label, false)
	}
}

// evictIdle stops handlers without callers, pending writes or recent
// activity. Their runners flush and exit in the background.
func (s *shard) evictIdle(now time.Time, idle time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.draining {
		if isDone(r) {
			delete(s.draining, id)
		}
	}

	var evicted []string
	for id, h := range s.handlers {
		if h.refs > 0 {
			continue
		}
		if isDone(h.runner) {
			delete(s.handlers, id)
			s.metrics.HandlerReleased(s.label, false)
			continue
		}
		if !h.runner.Idle() || now.Sub(h.runner.LastActive()) < idle {
			continue
		}
		h.runner.Stop()
		delete(s.handlers, id)
		s.draining[id] = h.runner
		evicted = append(evicted, id)
		s.metrics.HandlerReleased(s.label, true)
	}
	return evicted
}

// stopAll stops every runner and returns their Done channels.
func (s *shard) stopAll() []<-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make([]<-chan struct{}, 0, len(s.handlers)+len(s.draining))
	for _, h := range s.handlers {
		h.runner.Stop()
		done = append(done, h.runner.Done())
	}
	for _, r := range s.draining {
		done = append(done, r.Done())
	}
	return done
}

func (s *shard) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

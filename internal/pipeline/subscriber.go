package pipeline

import "sync"

// maxBacklog bounds the results held for a slow subscriber. Registration
// results are kept past it.
const maxBacklog = 256

// subscriber hands results to one consumer in completion order. Workers
// never block on it: results the consumer has not taken yet wait in the
// backlog until its goroutine can deliver them.
type subscriber struct {
	out  chan Result
	quit chan struct{}
	wake chan struct{}

	mu      sync.Mutex
	backlog []Result
	closed  bool
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:  make(chan Result),
		quit: make(chan struct{}),
		wake: make(chan struct{}, 1),
	}
	go s.run()
	return s
}

// push queues res and reports whether it was kept.
func (s *subscriber) push(res Result) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if len(s.backlog) >= maxBacklog && res.Job.Type != JobRegister {
		s.mu.Unlock()
		return false
	}
	s.backlog = append(s.backlog, res)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops delivery. Pending results are discarded and out is closed once
// the delivery goroutine exits.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.backlog = nil
	close(s.quit)
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		res := s.backlog[0]
		s.backlog[0] = Result{}
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		select {
		case s.out <- res:
		case <-s.quit:
			return
		}
	}
}

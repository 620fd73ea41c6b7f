package display

import "sync"

type fieldMask interface {
	~uint32
}

type listener[F fieldMask] struct {
	id int
	fn func(F)
}

// signals is a per-object change notifier. Each changed field is delivered
// once, followed by the aggregate field. While blocked, changes accumulate and
// are delivered as one pass when the last block is released.
type signals[F fieldMask] struct {
	mu        sync.Mutex
	nextID    int
	listeners []listener[F]
	blocked   int
	pending   F
	aggregate F
}

func (s *signals[F]) subscribe(fn func(F)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener[F]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *signals[F]) notify(changed F) {
	if changed == 0 {
		return
	}
	s.mu.Lock()
	if s.blocked > 0 {
		s.pending |= changed
		s.mu.Unlock()
		return
	}
	fns := s.snapshotLocked()
	s.mu.Unlock()
	s.dispatch(fns, changed)
}

func (s *signals[F]) block() {
	s.mu.Lock()
	s.blocked++
	s.mu.Unlock()
}

func (s *signals[F]) unblock() {
	s.mu.Lock()
	if s.blocked > 0 {
		s.blocked--
	}
	if s.blocked > 0 || s.pending == 0 {
		s.mu.Unlock()
		return
	}
	changed := s.pending
	s.pending = 0
	fns := s.snapshotLocked()
	s.mu.Unlock()
	s.dispatch(fns, changed)
}

func (s *signals[F]) snapshotLocked() []func(F) {
	fns := make([]func(F), len(s.listeners))
	for i, l := range s.listeners {
		fns[i] = l.fn
	}
	return fns
}

func (s *signals[F]) dispatch(fns []func(F), changed F) {
	if len(fns) == 0 {
		return
	}
	for bit := F(1); bit != 0 && bit <= changed; bit <<= 1 {
		if bit == s.aggregate || changed&bit == 0 {
			continue
		}
		for _, fn := range fns {
			fn(bit)
		}
	}
	for _, fn := range fns {
		fn(s.aggregate)
	}
}

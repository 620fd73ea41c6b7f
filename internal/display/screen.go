package display

import "sync"

// ScreenField identifies a mutable Screen attribute in change notifications
type ScreenField uint32

const (
	ScreenCurrentSizeChanged ScreenField = 1 << iota
	ScreenMinSizeChanged
	ScreenMaxSizeChanged
	ScreenMaxActiveOutputsChanged

	ScreenChanged ScreenField = 1 << 31
)

// Screen holds the hard platform limits shared by every output
type Screen struct {
	mu                    sync.RWMutex
	id                    int
	minSize               Size
	maxSize               Size
	currentSize           Size
	maxActiveOutputsCount int

	sig signals[ScreenField]
}

// NewScreen creates an empty screen
func NewScreen() *Screen {
	s := &Screen{}
	s.sig.aggregate = ScreenChanged
	return s
}

// Subscribe registers fn for change notifications and returns its cancel func
func (s *Screen) Subscribe(fn func(ScreenField)) (cancel func()) {
	return s.sig.subscribe(fn)
}

func (s *Screen) ID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Screen) SetID(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *Screen) MinSize() Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minSize
}

func (s *Screen) SetMinSize(size Size) {
	setScreenField(s, &s.minSize, size, ScreenMinSizeChanged)
}

func (s *Screen) MaxSize() Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

func (s *Screen) SetMaxSize(size Size) {
	setScreenField(s, &s.maxSize, size, ScreenMaxSizeChanged)
}

func (s *Screen) CurrentSize() Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

func (s *Screen) SetCurrentSize(size Size) {
	setScreenField(s, &s.currentSize, size, ScreenCurrentSizeChanged)
}

func (s *Screen) MaxActiveOutputsCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxActiveOutputsCount
}

func (s *Screen) SetMaxActiveOutputsCount(n int) {
	setScreenField(s, &s.maxActiveOutputsCount, n, ScreenMaxActiveOutputsChanged)
}

// Clone returns an independent copy without subscribers
func (s *Screen) Clone() *Screen {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := NewScreen()
	c.id = s.id
	c.minSize = s.minSize
	c.maxSize = s.maxSize
	c.currentSize = s.currentSize
	c.maxActiveOutputsCount = s.maxActiveOutputsCount
	return c
}

// Apply copies other's values and signals the ones that changed
func (s *Screen) Apply(other *Screen) {
	if other == nil || other == s {
		return
	}
	src := other.Clone()

	s.mu.Lock()
	var changed ScreenField
	s.id = src.id
	if s.minSize != src.minSize {
		s.minSize = src.minSize
		changed |= ScreenMinSizeChanged
	}
	if s.maxSize != src.maxSize {
		s.maxSize = src.maxSize
		changed |= ScreenMaxSizeChanged
	}
	if s.currentSize != src.currentSize {
		s.currentSize = src.currentSize
		changed |= ScreenCurrentSizeChanged
	}
	if s.maxActiveOutputsCount != src.maxActiveOutputsCount {
		s.maxActiveOutputsCount = src.maxActiveOutputsCount
		changed |= ScreenMaxActiveOutputsChanged
	}
	s.mu.Unlock()

	s.sig.notify(changed)
}

func setScreenField[T comparable](s *Screen, field *T, value T, which ScreenField) {
	s.mu.Lock()
	if *field == value {
		s.mu.Unlock()
		return
	}
	*field = value
	s.mu.Unlock()
	s.sig.notify(which)
}

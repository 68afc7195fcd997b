package pipeline

import (
	"sync"

	"github.com/n0needt0/go-goodies/log"
)

// NetworkState is the tri-state connectivity signal the flush scheduler keys
// off: flushing is permitted online and on page-hide, never offline.
type NetworkState int32

const (
	StateOnline NetworkState = iota
	StateOffline
	StateHidden
)

func (s NetworkState) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateHidden:
		return "hidden"
	}
	return "unknown"
}

// Signal is one external connectivity or visibility transition.
type Signal int

const (
	SignalOnline Signal = iota
	SignalOffline
	SignalHidden
)

// SignalSource is the environment hook the pipeline subscribes to for
// online/offline/hidden transitions. Implementations fan signals out to every
// live subscriber; the unsubscribe func releases the subscription.
type SignalSource interface {
	Subscribe() (<-chan Signal, func())
}

// ChanSignalSource is a channel-backed SignalSource. It doubles as the test
// harness for deterministic connectivity simulation and as the wiring point
// for real platform watchers.
type ChanSignalSource struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Signal
}

func NewChanSignalSource() *ChanSignalSource {
	return &ChanSignalSource{subs: make(map[int]chan Signal)}
}

// Subscribe registers a new subscriber channel.
func (s *ChanSignalSource) Subscribe() (<-chan Signal, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Signal, 16)
	s.subs[id] = ch

	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Emit fans one signal out to all subscribers. A subscriber that has fallen
// behind its buffer drops the signal rather than blocking the emitter.
func (s *ChanSignalSource) Emit(sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- sig:
		default:
			log.Warnf("signal subscriber buffer full, dropping %d", sig)
		}
	}
}

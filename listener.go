package realtime

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Listener receives a Session's events. Any field may be nil.
//
// Callbacks run on pion's goroutines; OnEvent is called in control channel
// order and must not block for long.
type Listener struct {
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
	OnTrack                 func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnOpen                  func()
	OnEvent                 func(event *ServerEvent)
	OnError                 func(err error)
}

type subscription struct {
	id uint64
	l  Listener
}

type listeners struct {
	mu   sync.RWMutex
	next uint64
	subs []subscription
}

func (ls *listeners) add(l Listener) func() {
	ls.mu.Lock()
	ls.next++
	id := ls.next
	ls.subs = append(ls.subs, subscription{id: id, l: l})
	ls.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ls.mu.Lock()
			defer ls.mu.Unlock()
			for i, s := range ls.subs {
				if s.id == id {
					ls.subs = append(ls.subs[:i:i], ls.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (ls *listeners) snapshot() []Listener {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]Listener, len(ls.subs))
	for i, s := range ls.subs {
		out[i] = s.l
	}
	return out
}

func (ls *listeners) connectionStateChange(state webrtc.PeerConnectionState) {
	for _, l := range ls.snapshot() {
		if l.OnConnectionStateChange != nil {
			l.OnConnectionStateChange(state)
		}
	}
}

func (ls *listeners) track(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	for _, l := range ls.snapshot() {
		if l.OnTrack != nil {
			l.OnTrack(track, receiver)
		}
	}
}

func (ls *listeners) open() {
	for _, l := range ls.snapshot() {
		if l.OnOpen != nil {
			l.OnOpen()
		}
	}
}

func (ls *listeners) event(e *ServerEvent) {
	for _, l := range ls.snapshot() {
		if l.OnEvent != nil {
			l.OnEvent(e)
		}
	}
}

func (ls *listeners) error(err error) {
	for _, l := range ls.snapshot() {
		if l.OnError != nil {
			l.OnError(err)
		}
	}
}

package service

import (
	"sync"

	"github.com/graffiti-garden/graffiti-go"
)

// SessionService is the session manager collaborating with the engine.
// It does not authenticate; it records which actor the host application
// claims and tells subscribers when that changes. New subscribers
// receive an initialized event reflecting the current state.
type SessionService struct {
	mu        sync.Mutex
	current   *graffiti.Session
	listeners map[int]chan graffiti.SessionEvent
	nextID    int
}

func NewSessionService() *SessionService {
	return &SessionService{
		listeners: map[int]chan graffiti.SessionEvent{},
	}
}

// Login installs the actor as the current session and announces it.
func (s *SessionService) Login(actor string) *graffiti.Session {
	s.mu.Lock()
	sess := &graffiti.Session{Actor: actor}
	s.current = sess
	s.emit(graffiti.SessionEvent{Kind: graffiti.SessionLogin, Actor: actor})
	s.mu.Unlock()
	return sess
}

// Logout clears the current session and announces it.
func (s *SessionService) Logout() {
	s.mu.Lock()
	var actor string
	if s.current != nil {
		actor = s.current.Actor
	}
	s.current = nil
	s.emit(graffiti.SessionEvent{Kind: graffiti.SessionLogout, Actor: actor})
	s.mu.Unlock()
}

// Current returns the active session, nil when anonymous.
func (s *SessionService) Current() *graffiti.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe registers a listener. The returned cancel function must be
// called when the listener is done; events are dropped rather than
// blocking a slow listener.
func (s *SessionService) Subscribe() (<-chan graffiti.SessionEvent, func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan graffiti.SessionEvent, 16)
	s.listeners[id] = ch

	init := graffiti.SessionEvent{Kind: graffiti.SessionInitialized}
	if s.current != nil {
		init.Actor = s.current.Actor
	}
	ch <- init
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if ch, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// emit delivers to every listener; callers hold the lock.
func (s *SessionService) emit(event graffiti.SessionEvent) {
	for _, ch := range s.listeners {
		select {
		case ch <- event:
		default:
		}
	}
}

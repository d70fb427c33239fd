package client

import (
	"fmt"
	"sync"
)

type State int

const (
	LoggingIn State = iota
	Authenticated
	LoggedOut
)

func (s State) String() string {
	switch s {
	case LoggingIn:
		return "logging-in"
	case Authenticated:
		return "authenticated"
	case LoggedOut:
		return "logged-out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func canTransition(from, to State) bool {
	switch from {
	case LoggingIn:
		return to == Authenticated || to == LoggedOut
	case Authenticated:
		return to == LoggedOut
	case LoggedOut:
		return to == LoggingIn
	}
	return false
}

const subscriberBuffer = 16

// stateMachine holds the current state and fans transitions out to
// subscribers. Subscriber channels are buffered; a subscriber that falls
// behind loses its oldest pending states, never the newest.
type stateMachine struct {
	mu      sync.Mutex
	current State
	nextID  int
	subs    map[int]chan State
}

func newStateMachine() *stateMachine {
	return &stateMachine{
		current: LoggingIn,
		subs:    make(map[int]chan State),
	}
}

func (m *stateMachine) get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// set moves to the target state, stepping through LoggingIn when the target
// is not directly reachable. It reports the state that was left.
func (m *stateMachine) set(to State) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	if from == to {
		return from
	}
	if !canTransition(from, to) {
		m.enter(LoggingIn)
	}
	m.enter(to)
	return from
}

func (m *stateMachine) enter(s State) {
	m.current = s
	for _, ch := range m.subs {
		publish(ch, s)
	}
}

func publish(ch chan State, s State) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (m *stateMachine) subscribe() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan State, subscriberBuffer)
	ch <- m.current
	m.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

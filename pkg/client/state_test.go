package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[[2]State]bool{
		{LoggingIn, Authenticated}: true,
		{LoggingIn, LoggedOut}:     true,
		{Authenticated, LoggedOut}: true,
		{LoggedOut, LoggingIn}:     true,
	}
	for _, from := range []State{LoggingIn, Authenticated, LoggedOut} {
		for _, to := range []State{LoggingIn, Authenticated, LoggedOut} {
			require.Equal(t, allowed[[2]State{from, to}], canTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateMachine_StepsThroughLoggingIn(t *testing.T) {
	t.Parallel()
	m := newStateMachine()
	m.set(LoggedOut)

	states, cancel := m.subscribe()
	defer cancel()

	require.Equal(t, LoggedOut, m.set(Authenticated))
	require.Equal(t, Authenticated, m.get())

	require.Equal(t, LoggedOut, <-states)
	require.Equal(t, LoggingIn, <-states)
	require.Equal(t, Authenticated, <-states)
}

func TestStateMachine_SameStateIsSilent(t *testing.T) {
	t.Parallel()
	m := newStateMachine()

	states, cancel := m.subscribe()
	defer cancel()
	require.Equal(t, LoggingIn, <-states)

	m.set(LoggingIn)
	select {
	case s := <-states:
		t.Fatalf("unexpected state %s", s)
	default:
	}
}

func TestStateMachine_SlowSubscriberKeepsNewest(t *testing.T) {
	t.Parallel()
	m := newStateMachine()
	states, cancel := m.subscribe()
	defer cancel()

	for range subscriberBuffer * 2 {
		m.set(LoggedOut)
		m.set(LoggingIn)
	}
	m.set(Authenticated)

	var last State
	for range subscriberBuffer {
		last = <-states
	}
	require.Equal(t, Authenticated, last)
	require.Empty(t, states)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "logging-in", LoggingIn.String())
	require.Equal(t, "authenticated", Authenticated.String())
	require.Equal(t, "logged-out", LoggedOut.String())
	require.Equal(t, "State(9)", State(9).String())
}

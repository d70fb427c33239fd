// Package client keeps a user's session with a backend alive across an
// unbounded sequence of requests.
//
// The backend hands out a short-lived bearer credential at login, together
// with a long-lived renewal cookie. This package stores the credential,
// attaches it to every outgoing request, and renews it when the server
// stops accepting it. Callers never see a 401 caused by a stale credential;
// they either get the response to their request or, when the session can't
// be renewed, an error wrapping [ErrSessionExpired] after the session has
// already been logged out.
//
// # Quick Start
//
// Open a credential store and create a client for the backend:
//
//	import (
//	    "git.sr.ht/~jakintosh/session/pkg/client"
//	    "git.sr.ht/~jakintosh/session/pkg/credential"
//	)
//
//	store, err := credential.NewSQLiteStore("session.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	c, err := client.New("https://app.example.com", store)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
// Decide the initial state from whatever credential the store holds:
//
//	switch c.Session().Startup(ctx) {
//	case client.Authenticated:
//	    // resume
//	case client.LoggedOut:
//	    result, err := c.Session().Login(ctx, handle, secret)
//	    if err != nil {
//	        return err
//	    }
//	    if !result.Succeeded() {
//	        fmt.Println(result.Message)
//	    }
//	}
//
// # Making Requests
//
// Use [Client.MakeAuthenticatedRequest], or hand [Client.HTTPClient] to any
// code that takes an *http.Client:
//
//	res, err := c.MakeAuthenticatedRequest(ctx, http.MethodGet, "/api/v1/resource/notes", nil)
//	if errors.Is(err, client.ErrSessionExpired) {
//	    // the user has to log in again
//	}
//
// Each request is sent with the credential currently in the store. If the
// server answers 401, the credential is renewed and the request is replayed
// exactly once. Concurrent requests that fail together share a single
// renewal. Every other response, including the replay's, is returned as is.
//
// # Session State
//
// A [Session] is always in exactly one [State]: LoggingIn, Authenticated or
// LoggedOut. Subscribe to follow it:
//
//	states, cancel := c.Session().Subscribe()
//	defer cancel()
//	for s := range states {
//	    render(s)
//	}
//
// Hooks registered with [Session.OnLoadInitialContent] run after every
// successful login.
//
// After [Session.Logout] the credential is never renewed again: requests
// fail with [ErrSessionExpired] until the next successful login.
//
// # Sharing a Store
//
// Several processes may share one store file. With [WithStoreWatch] the
// client follows logins and logouts performed by the others.
package client

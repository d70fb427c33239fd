package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"git.sr.ht/~jakintosh/session/internal/testutil"
	"git.sr.ht/~jakintosh/session/pkg/client"
	"github.com/stretchr/testify/require"
)

func TestVerifier_Verdicts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		want   client.Verdict
	}{
		{"ok", http.StatusOK, client.Valid},
		{"no content", http.StatusNoContent, client.Valid},
		{"unauthorized", http.StatusUnauthorized, client.Invalid},
		{"server error", http.StatusInternalServerError, client.Invalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			auth := make(chan string, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				auth <- r.Header.Get("Authorization")
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			v := client.NewVerifier(srv.Client(), srv.URL, client.WithLogger(testutil.Logger(t)))
			require.Equal(t, tc.want, v.Verify(context.Background(), "t1"))
			require.Equal(t, "Bearer t1", <-auth)
		})
	}
}

func TestVerifier_NetworkFailureIsIndeterminate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	v := client.NewVerifier(http.DefaultClient, url, client.WithLogger(testutil.Logger(t)))
	verdict := v.Verify(context.Background(), "t1")
	require.Equal(t, client.Indeterminate, verdict)
	require.NotEqual(t, client.Valid, verdict)
}

func TestVerdict_String(t *testing.T) {
	t.Parallel()
	require.Equal(t, "valid", client.Valid.String())
	require.Equal(t, "invalid", client.Invalid.String())
	require.Equal(t, "indeterminate", client.Indeterminate.String())
}

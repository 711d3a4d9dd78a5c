package restclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"archivesync/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsOnFirstTry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	res, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/ping"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.JSONEq(t, `{"ok":true}`, string(res.Body))
}

func TestDoRetriesOn429ThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	res, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/rl"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, int32(2), calls.Load())
}

func TestDoRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/flaky"})
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())
}

func TestDoAbortOnFailureSkipsBodyRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("not found"))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	res, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/missing", AbortOnFailure: true})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Nil(t, res.Body)
}

func TestDoNonAbortFailureReturnsAccessDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/forbidden"})
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindAccessDenied))
}

func TestDoReturns401AsAuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/secure"})
	require.Error(t, err)
	require.True(t, errs.IsKind(err, errs.KindAuthExpired))
}

func TestDoReturnsAbortOnCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/slow"})
	require.ErrorIs(t, err, errs.ErrAbort)
}

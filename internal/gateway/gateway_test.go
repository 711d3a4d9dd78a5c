package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"archivesync/internal/errs"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// fakeGateway is a minimal server-side stand-in for the platform's event
// bus: sends HELLO, waits for IDENTIFY, replies READY, then reads and
// ignores every later frame (heartbeats are not acked).
func fakeGateway(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		helloData, _ := json.Marshal(map[string]any{"heartbeat_interval": 20})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSON(t, OpHello, helloData)))

		_, _, err = conn.ReadMessage() // IDENTIFY
		require.NoError(t, err)

		readyData, _ := json.Marshal(map[string]any{"session_id": "sess-1", "resume_gateway_url": "ws://resume"})
		seq := int64(1)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSONDispatch(t, "READY", readyData, &seq)))

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
}

func frameJSON(t *testing.T, op int, data json.RawMessage) []byte {
	b, err := json.Marshal(map[string]any{"op": op, "d": data})
	require.NoError(t, err)
	return b
}

func frameJSONDispatch(t *testing.T, typ string, data json.RawMessage, seq *int64) []byte {
	b, err := json.Marshal(map[string]any{"op": OpDispatch, "t": typ, "s": seq, "d": data})
	require.NoError(t, err)
	return b
}

func TestConnectionIdentifiesAndReceivesReady(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	events := make(chan Event, 4)
	conn := New(Options{
		URL:        wsURL,
		Credential: "token.abc",
		OnEvent:    func(e Event) { events <- e },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	select {
	case e := <-events:
		require.Equal(t, "READY", e.Type)
		require.True(t, e.Live)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for READY event")
	}
	require.Equal(t, StateReady, conn.State())

	conn.Destroy()
	<-done
}

func TestDestroyIsIdempotent(t *testing.T) {
	conn := New(Options{URL: "ws://unused"})
	conn.Destroy()
	conn.Destroy()
	require.Equal(t, StateDestroyed, conn.State())
}

func TestClassifyCloseError(t *testing.T) {
	mkClose := func(code int, text string) error {
		return &websocket.CloseError{Code: code, Text: text}
	}

	require.ErrorIs(t, classifyCloseError(mkClose(websocket.CloseNormalClosure, "")), errAbortRun)
	require.True(t, errs.IsKind(classifyCloseError(mkClose(4004, "revoked")), errs.KindAuthExpired))
	require.True(t, errs.IsKind(classifyCloseError(mkClose(1006, "")), errs.KindTransientTransport))
	require.True(t, errs.IsKind(classifyCloseError(mkClose(4000, "")), errs.KindTransientTransport))
	require.True(t, errs.IsKind(classifyCloseError(mkClose(4009, "")), errs.KindTransientTransport))
	require.True(t, errs.IsKind(classifyCloseError(mkClose(4010, "")), errs.KindFatalTransport))
	require.True(t, errs.IsKind(classifyCloseError(errors.New("plain read error")), errs.KindTransientTransport))
}

// fakeGatewayClosing sends READY then immediately closes with the given
// code, standing in for the platform terminating the session server-side
// (spec.md §4.3).
func fakeGatewayClosing(t *testing.T, code int, text string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		helloData, _ := json.Marshal(map[string]any{"heartbeat_interval": 20})
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSON(t, OpHello, helloData)))

		_, _, err = conn.ReadMessage() // IDENTIFY
		require.NoError(t, err)

		readyData, _ := json.Marshal(map[string]any{"session_id": "sess-1", "resume_gateway_url": "ws://resume"})
		seq := int64(1)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frameJSONDispatch(t, "READY", readyData, &seq)))

		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	}))
}

func TestRunInvokesOnFatalForAuthExpiredClose(t *testing.T) {
	srv := fakeGatewayClosing(t, 4004, "revoked")
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	fatalCh := make(chan error, 1)
	conn := New(Options{
		URL:        wsURL,
		Credential: "token.abc",
		OnEvent:    func(Event) {},
		OnFatal:    func(err error) { fatalCh <- err },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		conn.Run(ctx)
		close(done)
	}()

	select {
	case err := <-fatalCh:
		require.True(t, errs.IsKind(err, errs.KindAuthExpired))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnFatal")
	}
	<-done
	require.Equal(t, StateDestroyed, conn.State())
}

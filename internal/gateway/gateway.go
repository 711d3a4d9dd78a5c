// Package gateway drives one client-side realtime session per account
// against the platform's event bus. The connection/heartbeat/dispatch
// shape is adapted from the teacher's service/chat websocket handlers, but
// rewritten from a server accepting connections into a client dialing out:
// one read loop per session, writes made inline under the send limiter, a
// heartbeat goroutine whose missed ACK ends the session, and the
// identify/resume state machine spec.md §4.3 describes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"archivesync/internal/codec"
	"archivesync/internal/errs"
	"archivesync/internal/logging"
	"archivesync/internal/ratelimit"

	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

type State int

const (
	StateConnecting State = iota
	StateIdentifying
	StateReady
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Opcodes from the platform's gateway protocol (spec.md §4.3/§7.4).
const (
	OpDispatch      = 0
	OpHeartbeat     = 1
	OpIdentify      = 2
	OpRequestMembers = 8
	OpResume        = 6
	OpReconnect     = 7
	OpInvalidSess   = 9
	OpHello         = 10
	OpHeartbeatAck  = 11
)

type helloPayload struct {
	HeartbeatIntervalMS int64 `json:"heartbeat_interval"`
}

type readyPayload struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

type invalidSessionPayload struct {
	Resumable bool `json:"d"`
}

// Event is a decoded dispatch handed to the orchestrator.
type Event struct {
	Type string
	Data []byte
	Live bool // false while replaying missed events after a RESUME
}

// Dialer opens the underlying transport; production code uses
// websocket.DefaultDialer, tests substitute one pointed at httptest.
type Dialer interface {
	Dial(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error)
}

type Options struct {
	URL            string // default gateway URL, used when no resume URL is saved
	Credential     string
	Compress       bool
	Dialer         Dialer
	SendLimiter    *ratelimit.Limiter // 120/60s per spec.md §4.1
	Session        SessionStore
	SessionKey     string // identifies this account's saved session within the store
	OnEvent        func(Event)
	OnSessionLost  func()
	OnFatal        func(error)
	IdentifyProps  map[string]any
}

// Connection is one account's gateway session. It satisfies
// model.GatewayHandle.
type Connection struct {
	opts Options

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	seq      *int64
	inflater *codec.Inflater
	codec    *codec.Codec

	heartbeatAcked bool
	destroyCh      chan struct{}
	destroyOnce    sync.Once
	done           chan struct{}
}

func New(opts Options) *Connection {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Session == nil {
		opts.Session = NewMemorySessionStore()
	}
	encoding := codec.EncodingJSON
	if opts.Compress {
		encoding = codec.EncodingBinary
	}
	return &Connection{
		opts:      opts,
		state:     StateConnecting,
		codec:     codec.New(encoding),
		destroyCh: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run dials, identifies or resumes, and drives the connection until ctx is
// cancelled or destroy() is called, reconnecting on recoverable failures
// per spec.md §4.3. It returns only once the connection is DESTROYED.
func (c *Connection) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.Destroy()
			return
		case <-c.destroyCh:
			return
		default:
		}

		err := c.runOnce(ctx)
		if err == nil {
			continue
		}
		if pkgerrors.Is(err, errAbortRun) {
			c.Destroy()
			return
		}
		if errs.IsKind(err, errs.KindAuthExpired) || errs.IsKind(err, errs.KindFatalTransport) {
			c.Destroy()
			if c.opts.OnFatal != nil {
				c.opts.OnFatal(err)
			}
			return
		}
		logging.Warn("gateway: session ended, reconnecting", zap.Error(err))
		select {
		case <-ctx.Done():
			c.Destroy()
			return
		case <-c.destroyCh:
			return
		case <-time.After(time.Second):
		}
	}
}

var errAbortRun = pkgerrors.New("gateway: run aborted")

// classifyCloseError inspects a ReadMessage failure for a
// websocket.CloseError and sorts it into the transport state machine
// spec.md §4.3 describes: 1000 (our own Destroy's close frame, echoed
// back) is terminal; anything below 4000, or in [4000,4010) other than
// 4004, is an ordinary transient failure Run reconnects from; 4004 means
// the credential itself was revoked; anything else in range is fatal and
// must not be retried.
func classifyCloseError(err error) error {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return errs.ErrTransientTransport.WrapMsg(err.Error())
	}
	switch {
	case closeErr.Code == websocket.CloseNormalClosure:
		return errAbortRun
	case closeErr.Code == 4004:
		return errs.ErrAuthExpired.WithDetail(closeErr.Text)
	case closeErr.Code < 4010:
		return errs.ErrTransientTransport.WrapMsg(err.Error())
	default:
		return errs.ErrFatalTransport.WithDetail(closeErr.Text)
	}
}

func (c *Connection) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	dialURL := c.opts.URL
	saved, ok := c.opts.Session.Load(c.opts.SessionKey)
	resuming := ok && saved.ResumeGatewayURL != ""
	if resuming {
		dialURL = saved.ResumeGatewayURL
	}

	conn, _, err := c.opts.Dialer.Dial(dialURL, nil)
	if err != nil {
		return errs.ErrTransientTransport.WrapMsg(err.Error())
	}
	c.mu.Lock()
	c.conn = conn
	c.inflater = codec.NewInflater()
	c.heartbeatAcked = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	frame, err := c.readFrame()
	if err != nil {
		return err
	}
	if frame.Op != OpHello {
		return errs.ErrDecodeError.WithDetail("expected HELLO")
	}
	hello, err := codec.DecodeData[helloPayload](frame)
	if err != nil {
		return errs.ErrDecodeError.WrapMsg(err.Error())
	}

	heartbeatDone := make(chan struct{})
	ackMissed := make(chan struct{}, 1)
	go c.heartbeatLoop(time.Duration(hello.HeartbeatIntervalMS)*time.Millisecond, heartbeatDone, ackMissed)
	defer close(heartbeatDone)

	c.setState(StateIdentifying)
	if resuming {
		if err := c.sendResume(saved); err != nil {
			return err
		}
	} else {
		if err := c.sendIdentify(); err != nil {
			return err
		}
	}

	live := !resuming
	first := true
	for {
		select {
		case <-ctx.Done():
			c.Destroy()
			return errAbortRun
		case <-c.destroyCh:
			return errAbortRun
		case <-ackMissed:
			return errs.ErrTransientTransport.WithDetail("heartbeat ack missed")
		default:
		}

		frame, err := c.readFrame()
		if err != nil {
			return err
		}

		switch frame.Op {
		case OpDispatch:
			c.mu.Lock()
			c.seq = frame.Seq
			c.mu.Unlock()

			if first {
				if frame.Type != "READY" {
					return errs.ErrDecodeError.WithDetail("first dispatch was not READY")
				}
				ready, err := codec.DecodeData[readyPayload](frame)
				if err != nil {
					return errs.ErrDecodeError.WrapMsg(err.Error())
				}
				c.opts.Session.Save(c.opts.SessionKey, SessionData{
					SessionID:        ready.SessionID,
					ResumeGatewayURL: ready.ResumeGatewayURL,
					Seq:              frame.Seq,
				})
				c.setState(StateReady)
				first = false
			}

			if c.opts.OnEvent != nil {
				c.opts.OnEvent(Event{Type: frame.Type, Data: frame.Data, Live: live})
			}
			if frame.Type == "RESUMED" {
				live = true
			}

		case OpHeartbeatAck:
			c.mu.Lock()
			c.heartbeatAcked = true
			c.mu.Unlock()

		case OpReconnect:
			return errs.ErrTransientTransport.WithDetail("RECONNECT opcode")

		case OpInvalidSess:
			inv, _ := codec.DecodeData[invalidSessionPayload](frame)
			if !inv.Resumable {
				c.opts.Session.Clear(c.opts.SessionKey)
				if c.opts.OnSessionLost != nil {
					c.opts.OnSessionLost()
				}
				return errs.ErrTransientTransport.WithDetail("invalid session, not resumable")
			}
			if saved, ok := c.opts.Session.Load(c.opts.SessionKey); ok {
				if err := c.sendResume(saved); err != nil {
					return err
				}
			} else {
				if err := c.sendIdentify(); err != nil {
					return err
				}
			}

		default:
			// unknown opcodes are ignored, matching the teacher's
			// dataHandler-not-found path in HandleWS
		}
	}
}

func (c *Connection) readFrame() (codec.Frame, error) {
	c.mu.Lock()
	conn := c.conn
	inf := c.inflater
	cd := c.codec
	c.mu.Unlock()
	if conn == nil {
		return codec.Frame{}, errs.ErrAbort
	}

	mt, data, err := conn.ReadMessage()
	if err != nil {
		return codec.Frame{}, classifyCloseError(err)
	}

	if mt == websocket.BinaryMessage && c.opts.Compress {
		out, done, err := inf.Write(data)
		if err != nil {
			return codec.Frame{}, errs.ErrDecodeError.WrapMsg(err.Error())
		}
		if !done {
			return c.readFrame()
		}
		data = out
	}

	frame, err := cd.Decode(data)
	if err != nil {
		return codec.Frame{}, errs.ErrDecodeError.WrapMsg(err.Error())
	}
	return frame, nil
}

func (c *Connection) writeFrame(frame codec.Frame) error {
	if c.opts.SendLimiter != nil {
		if err := c.opts.SendLimiter.Acquire(context.Background()); err != nil {
			return errs.ErrAbort
		}
	}
	raw, err := c.codec.Encode(frame)
	if err != nil {
		return errs.ErrDecodeError.WrapMsg(err.Error())
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errs.ErrAbort
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errs.ErrTransientTransport.WrapMsg(err.Error())
	}
	return nil
}

func (c *Connection) sendIdentify() error {
	payload := map[string]any{
		"token":      c.opts.Credential,
		"properties": c.opts.IdentifyProps,
		"compress":   c.opts.Compress,
	}
	return c.writeJSONOp(OpIdentify, payload)
}

func (c *Connection) sendResume(saved SessionData) error {
	payload := map[string]any{
		"token":      c.opts.Credential,
		"session_id": saved.SessionID,
		"seq":        saved.Seq,
	}
	return c.writeJSONOp(OpResume, payload)
}

// RequestMembers sends the member-enumeration request for one server
// (spec.md §4.6 r.3). Results arrive as ordinary MEMBERS_CHUNK dispatches
// through OnEvent, not as a direct return value.
func (c *Connection) RequestMembers(serverID uint64) error {
	return c.writeJSONOp(OpRequestMembers, map[string]any{
		"server_id": serverID,
		"limit":     0,
	})
}

func (c *Connection) writeJSONOp(op int, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errs.ErrDecodeError.WrapMsg(err.Error())
	}
	return c.writeFrame(codec.Frame{Op: op, Data: b})
}

func (c *Connection) heartbeatLoop(interval time.Duration, done <-chan struct{}, ackMissed chan<- struct{}) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.mu.Lock()
			acked := c.heartbeatAcked
			seq := c.seq
			c.heartbeatAcked = false
			c.mu.Unlock()
			if !acked {
				select {
				case ackMissed <- struct{}{}:
				default:
				}
				return
			}
			if err := c.writeFrame(codec.Frame{Op: OpHeartbeat, Seq: seq}); err != nil {
				select {
				case ackMissed <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// Destroy tears the connection down idempotently: stops heartbeats, closes
// the transport with code 1000, and moves to DESTROYED (spec.md §4.3).
func (c *Connection) Destroy() {
	c.destroyOnce.Do(func() {
		c.setState(StateDestroyed)
		close(c.destroyCh)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		close(c.done)
	})
}

// DoneCh reports when destruction has fully completed.
func (c *Connection) DoneCh() <-chan struct{} { return c.done }

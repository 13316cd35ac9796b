package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/middlewared/internal/rpc"
	"github.com/ChuLiYu/middlewared/internal/service"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// chanSender collects replies on a channel
type chanSender struct {
	replies chan types.Reply
	fail    atomic.Bool
}

func newChanSender() *chanSender {
	return &chanSender{replies: make(chan types.Reply, 64)}
}

func (c *chanSender) Send(reply types.Reply) error {
	if c.fail.Load() {
		return errors.New("connection reset")
	}
	c.replies <- reply
	return nil
}

func (c *chanSender) next(t *testing.T) types.Reply {
	t.Helper()
	select {
	case r := <-c.replies:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
		return nil
	}
}

func (c *chanSender) none(t *testing.T) {
	t.Helper()
	select {
	case r := <-c.replies:
		t.Fatalf("unexpected reply %v", r)
	case <-time.After(30 * time.Millisecond):
	}
}

type dispatchFunc func(ctx context.Context, caller service.Caller, method string, params []any) (any, error)

func (f dispatchFunc) Dispatch(ctx context.Context, caller service.Caller, method string, params []any) (any, error) {
	return f(ctx, caller, method, params)
}

func echoDispatcher() Dispatcher {
	return dispatchFunc(func(ctx context.Context, caller service.Caller, method string, params []any) (any, error) {
		return map[string]any{"method": method, "params": params}, nil
	})
}

func connect(t *testing.T, s *Session, out *chanSender) {
	t.Helper()
	s.HandleMessage(&types.Request{Msg: types.MsgConnect, Version: "1"})
	reply := out.next(t)
	require.Equal(t, types.MsgConnected, reply["msg"])
}

func newSession(t *testing.T, d Dispatcher, auth bool) (*Session, *chanSender) {
	t.Helper()
	out := newChanSender()
	s := New(context.Background(), out, d, Config{Authenticated: auth, Remote: "127.0.0.1:5000"})
	t.Cleanup(s.Close)
	return s, out
}

// ============================================================================
// Handshake Tests
// ============================================================================

// TestConnectHandshake: a fresh session answers connect version "1" with
// its uuid and becomes Connected.
func TestConnectHandshake(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)
	assert.Equal(t, StateAwaitingHandshake, s.State())

	s.HandleMessage(&types.Request{Msg: "connect", Version: "1"})

	reply := out.next(t)
	assert.Equal(t, types.Reply{"msg": "connected", "session": s.ID()}, reply)
	_, err := uuid.Parse(reply["session"].(string))
	assert.NoError(t, err, "session id is a uuid")
	assert.Equal(t, StateConnected, s.State())
}

func TestHandshakeRejected(t *testing.T) {
	tests := []struct {
		name string
		req  types.Request
	}{
		{"Unsupported version", types.Request{Msg: "connect", Version: "2"}},
		{"Missing version", types.Request{Msg: "connect"}},
		{"Method before connect", types.Request{Msg: "method", ID: "1", Method: "core.ping"}},
		{"Ping before connect", types.Request{Msg: "ping"}},
		{"Empty message", types.Request{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dispatched atomic.Bool
			s, out := newSession(t, dispatchFunc(func(context.Context, service.Caller, string, []any) (any, error) {
				dispatched.Store(true)
				return nil, nil
			}), true)

			req := tt.req
			s.HandleMessage(&req)

			assert.Equal(t, types.Reply{"msg": "failed", "version": "1"}, out.next(t))
			assert.Equal(t, StateAwaitingHandshake, s.State())
			assert.False(t, dispatched.Load())
		})
	}
}

func TestHandshakeRetryAfterFailure(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)

	s.HandleMessage(&types.Request{Msg: "connect", Version: "0"})
	assert.Equal(t, types.MsgFailed, out.next(t)["msg"])

	connect(t, s, out)
	assert.Equal(t, StateConnected, s.State())
}

func TestRepeatedConnect(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "connect", Version: "1"})
	assert.Equal(t, types.ConnectedReply(s.ID()), out.next(t))

	s.HandleMessage(&types.Request{Msg: "connect", Version: "9"})
	assert.Equal(t, types.FailedReply(), out.next(t))
	assert.Equal(t, StateConnected, s.State(), "a bad connect never moves a session backwards")
}

// ============================================================================
// Connected Message Tests
// ============================================================================

func TestMethodResult(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), true)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "method", ID: "abc", Method: "pool.query", Params: []any{"tank"}})

	assert.Equal(t, types.Reply{
		"msg":    "result",
		"id":     "abc",
		"result": map[string]any{"method": "pool.query", "params": []any{"tank"}},
	}, out.next(t))
}

func TestMethodErrorEnvelope(t *testing.T) {
	d := dispatchFunc(func(context.Context, service.Caller, string, []any) (any, error) {
		return nil, &rpc.Error{Message: "panic: boom", Stacktrace: "goroutine 1"}
	})
	s, out := newSession(t, d, true)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "method", ID: float64(7), Method: "x.y"})

	assert.Equal(t, types.ErrorReply(float64(7), "panic: boom", "goroutine 1"), out.next(t))
}

// TestUnauthenticatedSystemInfo: an unauthenticated session calling
// system.info gets "Not authenticated" and the body never runs.
func TestUnauthenticatedSystemInfo(t *testing.T) {
	var invoked atomic.Bool
	reg := service.NewRegistry()
	reg.MustRegister(service.Service{Namespace: "system", Methods: []service.Method{
		{Name: "info", Fn: func(context.Context, *service.Call) (any, error) {
			invoked.Store(true)
			return "info", nil
		}},
	}})

	s, out := newSession(t, rpc.NewDispatcher(reg, nil), false)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "method", ID: "X", Method: "system.info"})

	reply := out.next(t)
	assert.Equal(t, types.Reply{
		"msg":   "result",
		"id":    "X",
		"error": types.ErrorDetail{Error: "Not authenticated"},
	}, reply)
	assert.False(t, invoked.Load())
}

func TestDispatcherSeesSession(t *testing.T) {
	var got service.Caller
	var mu sync.Mutex
	d := dispatchFunc(func(ctx context.Context, caller service.Caller, method string, params []any) (any, error) {
		mu.Lock()
		got = caller
		mu.Unlock()
		return nil, nil
	})
	s, out := newSession(t, d, true)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "method", ID: "1", Method: "a.b"})
	out.next(t)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, s.ID(), got.ID())
	assert.True(t, got.Authenticated())
}

func TestSlowCallDoesNotBlockPing(t *testing.T) {
	release := make(chan struct{})
	d := dispatchFunc(func(context.Context, service.Caller, string, []any) (any, error) {
		<-release
		return "slow", nil
	})
	s, out := newSession(t, d, true)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "method", ID: "1", Method: "a.slow"})
	s.HandleMessage(&types.Request{Msg: "ping", ID: "p1"})

	assert.Equal(t, types.Reply{"msg": "pong", "id": "p1"}, out.next(t))
	close(release)
	assert.Equal(t, types.ResultReply("1", "slow"), out.next(t))
}

func TestPingWithoutID(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "ping"})
	assert.Equal(t, types.Reply{"msg": "pong"}, out.next(t))
}

func TestUnknownMessageIgnored(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "sub", ID: "1"})
	out.none(t)
	assert.Equal(t, StateConnected, s.State())
}

func TestHandleInvalid(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)
	s.HandleInvalid(errors.New("bad frame"))
	assert.Equal(t, types.FailedReply(), out.next(t))
}

func TestSendFailureIsNotFatal(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)
	out.fail.Store(true)

	assert.NotPanics(t, func() {
		s.HandleMessage(&types.Request{Msg: "connect", Version: "1"})
	})
	assert.Equal(t, StateConnected, s.State())
}

// ============================================================================
// Callback & Close Tests
// ============================================================================

func TestOnMessageRunsBeforeHandling(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)

	var seen []string
	s.OnMessage(func(sess *Session, req *types.Request) error {
		assert.Same(t, s, sess)
		seen = append(seen, req.Msg+":"+sess.State().String())
		return nil
	})

	connect(t, s, out)
	s.HandleMessage(&types.Request{Msg: "ping"})
	out.next(t)

	assert.Equal(t, []string{"connect:AwaitingHandshake", "ping:Connected"}, seen)
}

func TestOnMessageSeesUndecodableFrames(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)

	var calls int
	var got *types.Request
	s.OnMessage(func(_ *Session, req *types.Request) error {
		calls++
		got = req
		return nil
	})

	s.HandleInvalid(errors.New("bad frame"))
	assert.Equal(t, types.FailedReply(), out.next(t))
	assert.Equal(t, 1, calls)
	assert.Nil(t, got)

	s.Close()
	s.HandleInvalid(errors.New("late frame"))
	assert.Equal(t, 1, calls, "closed sessions ignore frames")
	out.none(t)
}

func TestCallbackFailuresSwallowed(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)

	var after atomic.Int32
	s.OnMessage(func(*Session, *types.Request) error { return errors.New("hook failed") })
	s.OnMessage(func(*Session, *types.Request) error { panic("hook panicked") })
	s.OnMessage(func(*Session, *types.Request) error {
		after.Add(1)
		return nil
	})
	s.OnClose(func(*Session) error { panic("close hook panicked") })
	s.OnClose(func(*Session) error {
		after.Add(10)
		return errors.New("close hook failed")
	})

	assert.NotPanics(t, func() { connect(t, s, out) })
	assert.Equal(t, int32(1), after.Load(), "later callbacks still run")

	assert.NotPanics(t, s.Close)
	assert.Equal(t, int32(11), after.Load())
}

func TestCloseRunsOnce(t *testing.T) {
	s, _ := newSession(t, echoDispatcher(), false)

	var closes atomic.Int32
	s.OnClose(func(*Session) error {
		closes.Add(1)
		return nil
	})

	s.Close()
	s.Close()
	assert.Equal(t, int32(1), closes.Load())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestCloseWaitsForCallsAndCancelsContext(t *testing.T) {
	started := make(chan struct{})
	d := dispatchFunc(func(ctx context.Context, _ service.Caller, _ string, _ []any) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, out := newSession(t, d, true)
	connect(t, s, out)

	s.HandleMessage(&types.Request{Msg: "method", ID: "1", Method: "a.wait"})
	<-started

	var closedAfterCall atomic.Bool
	s.OnClose(func(*Session) error {
		closedAfterCall.Store(len(out.replies) == 1)
		return nil
	})
	s.Close()

	assert.True(t, closedAfterCall.Load(), "on_close runs after in-flight calls replied")
	assert.Equal(t, "context canceled", out.next(t)["error"].(types.ErrorDetail).Error)
}

func TestMessagesAfterCloseIgnored(t *testing.T) {
	s, out := newSession(t, echoDispatcher(), false)
	s.Close()

	s.HandleMessage(&types.Request{Msg: "connect", Version: "1"})
	out.none(t)
}

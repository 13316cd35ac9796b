// ============================================================================
// Middlewared Session - 每條連線的協定狀態機
// ============================================================================
//
// Package: internal/session
// 文件: session.go
// 功能: 處理握手、把 method 訊息轉給分派器、維持 keepalive
//
// 狀態轉換:
//   AwaitingHandshake
//      ↓ {msg:"connect", version:"1"}  → {msg:"connected", session:<id>}
//   Connected
//
//   - 版本不符或缺少版本 → {msg:"failed", version:"1"}，狀態不變
//   - 握手前的其他訊息 → {msg:"failed", version:"1"}
//   - Connected 後：method → 分派器，ping → pong，其餘忽略
//
// 認證:
//   authenticated 在連線建立時由傳輸層決定，之後不再改變
//
// 回呼:
//   on_message 在每個收到的訊息處理前觸發，on_close 在 Close 時觸發；
//   回呼的錯誤與 panic 只記錄，不影響連線
//
// ============================================================================

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/middlewared/internal/rpc"
	"github.com/ChuLiYu/middlewared/internal/service"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

var log = slog.Default()

// State 連線協定狀態
type State int

const (
	StateAwaitingHandshake State = iota
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "AwaitingHandshake"
	case StateConnected:
		return "Connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sender delivers replies to the peer. It must be safe for concurrent use.
type Sender interface {
	Send(reply types.Reply) error
}

// Dispatcher executes method calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller service.Caller, method string, params []any) (any, error)
}

// MessageCallback runs on every inbound message. req is nil for a frame
// the transport could not decode.
type MessageCallback func(s *Session, req *types.Request) error

// CloseCallback runs when the session closes.
type CloseCallback func(s *Session) error

// Session 一條客戶端連線
type Session struct {
	id            string
	authenticated bool
	remote        string

	ctx    context.Context
	cancel context.CancelFunc

	sender     Sender
	dispatcher Dispatcher

	mu        sync.Mutex
	state     State
	closing   bool
	onMessage []MessageCallback
	onClose   []CloseCallback

	calls     sync.WaitGroup // 進行中的 method 呼叫
	closeOnce sync.Once
	closed    chan struct{}
}

// Config carries the per-connection facts decided by the transport.
type Config struct {
	Authenticated bool
	Remote        string
}

// New 建立處於 AwaitingHandshake 狀態的連線
func New(ctx context.Context, sender Sender, dispatcher Dispatcher, cfg Config) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:            uuid.NewString(),
		authenticated: cfg.Authenticated,
		remote:        cfg.Remote,
		ctx:           ctx,
		cancel:        cancel,
		sender:        sender,
		dispatcher:    dispatcher,
		state:         StateAwaitingHandshake,
		closed:        make(chan struct{}),
	}
}

// ID returns the session id sent in the connected reply.
func (s *Session) ID() string { return s.id }

// Authenticated reports the authentication decision made at open time.
func (s *Session) Authenticated() bool { return s.authenticated }

// Remote returns the peer address.
func (s *Session) Remote() string { return s.remote }

// State returns the protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.closed }

// OnMessage registers a callback for every inbound message.
func (s *Session) OnMessage(cb MessageCallback) {
	s.mu.Lock()
	s.onMessage = append(s.onMessage, cb)
	s.mu.Unlock()
}

// OnClose registers a callback run by Close.
func (s *Session) OnClose(cb CloseCallback) {
	s.mu.Lock()
	s.onClose = append(s.onClose, cb)
	s.mu.Unlock()
}

// ============================================================================
// 訊息處理
// ============================================================================

// HandleMessage 處理一個已解碼的訊息
//
// method 呼叫在獨立的 goroutine 上執行，回覆可能與其他訊息交錯；
// 其餘訊息在呼叫端同步處理。
func (s *Session) HandleMessage(req *types.Request) {
	state, ok := s.notifyMessage(req)
	if !ok {
		return
	}

	if state == StateAwaitingHandshake {
		s.handshake(req)
		return
	}

	switch req.Msg {
	case types.MsgMethod:
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			return
		}
		s.calls.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.calls.Done()
			s.call(req)
		}()
	case types.MsgPing:
		s.send(types.PongReply(req.ID))
	case types.MsgConnect:
		// 已連線時重複握手，回覆同一個 session id
		s.handshake(req)
	default:
		log.Debug("Ignoring message", "session", s.id, "msg", req.Msg)
	}
}

// HandleInvalid answers a frame the transport could not decode. The
// on_message callbacks see it as a nil request.
func (s *Session) HandleInvalid(err error) {
	if _, ok := s.notifyMessage(nil); !ok {
		return
	}
	log.Debug("Invalid frame", "session", s.id, "error", err)
	s.send(types.FailedReply())
}

// notifyMessage runs the on_message callbacks and returns the protocol
// state they observed. ok is false once the session is closing.
func (s *Session) notifyMessage(req *types.Request) (state State, ok bool) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return 0, false
	}
	callbacks := append([]MessageCallback(nil), s.onMessage...)
	state = s.state
	s.mu.Unlock()

	for _, cb := range callbacks {
		s.runCallback("on_message", func() error { return cb(s, req) })
	}
	return state, true
}

func (s *Session) handshake(req *types.Request) {
	if req.Msg != types.MsgConnect || req.Version != types.ProtocolVersion {
		log.Debug("Handshake rejected", "session", s.id, "msg", req.Msg, "version", req.Version)
		s.send(types.FailedReply())
		return
	}

	s.mu.Lock()
	s.state = StateConnected
	s.mu.Unlock()

	s.send(types.ConnectedReply(s.id))
}

func (s *Session) call(req *types.Request) {
	result, err := s.dispatcher.Dispatch(s.ctx, s, req.Method, req.Params)
	if err != nil {
		msg, stack := rpc.Describe(err)
		s.send(types.ErrorReply(req.ID, msg, stack))
		return
	}
	s.send(types.ResultReply(req.ID, result))
}

func (s *Session) send(reply types.Reply) {
	if err := s.sender.Send(reply); err != nil {
		log.Warn("Failed to send reply", "session", s.id, "msg", reply["msg"], "error", err)
	}
}

// runCallback isolates a user callback: errors and panics are logged.
func (s *Session) runCallback(kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Session callback panicked", "session", s.id, "callback", kind, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		log.Warn("Session callback failed", "session", s.id, "callback", kind, "error", err)
	}
}

// ============================================================================
// 關閉
// ============================================================================

// Close 關閉連線：取消 context、等待進行中的呼叫，再執行 on_close 回呼
//
// 可重複呼叫，只有第一次生效。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		callbacks := append([]CloseCallback(nil), s.onClose...)
		s.mu.Unlock()

		close(s.closed)
		s.cancel()
		s.calls.Wait()

		for _, cb := range callbacks {
			s.runCallback("on_close", func() error { return cb(s) })
		}
		log.Debug("Session closed", "session", s.id, "remote", s.remote)
	})
}

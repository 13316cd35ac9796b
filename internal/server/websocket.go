// ============================================================================
// Middlewared WebSocket 傳輸層
// ============================================================================
//
// Package: internal/server
// 文件: websocket.go
// 功能: 在 /websocket 上接受連線，把訊框解碼後交給 session
//
// 訊框格式:
//   - text frame   → JSON
//   - binary frame → msgpack
//   連線的回覆格式由第一個資料訊框決定
//
// 認證:
//   升級時呼叫 Authenticator，結果在整條連線期間固定
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ChuLiYu/middlewared/internal/session"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

var log = slog.Default()

// WebSocketPath is the endpoint clients connect to.
const WebSocketPath = "/websocket"

// WebSocketServer serves session connections over WebSocket.
type WebSocketServer struct {
	addr    string
	manager *session.Manager
	auth    Authenticator

	mu       sync.Mutex
	listener net.Listener
}

// NewWebSocketServer 建立 WebSocket 伺服器
func NewWebSocketServer(addr string, manager *session.Manager, auth Authenticator) *WebSocketServer {
	if auth == nil {
		auth = LoopbackAuthenticator{Trust: true}
	}
	return &WebSocketServer{addr: addr, manager: manager, auth: auth}
}

// Handler returns the HTTP handler serving WebSocketPath.
func (w *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, w.handleWebSocket)
	return mux
}

// Addr returns the bound address once Serve is listening.
func (w *WebSocketServer) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// Serve 監聽並處理連線，直到 ctx 被取消
func (w *WebSocketServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", w.addr, err)
	}
	w.mu.Lock()
	w.listener = ln
	w.mu.Unlock()

	srv := &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("WebSocket server listening", "addr", ln.Addr().String(), "path", WebSocketPath)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *WebSocketServer) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, rw)
	if err != nil {
		log.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	peer := Peer{Addr: r.RemoteAddr, Forwarded: r.Header.Get(RealRemoteAddrHeader)}
	remote := peer.Addr
	if peer.Forwarded != "" {
		remote = peer.Forwarded
	}

	sender := &wsSender{conn: conn, codec: session.JSONCodec{}, op: ws.OpText}
	sess, err := w.manager.Open(r.Context(), sender, session.Config{
		Authenticated: w.auth.Authenticate(peer),
		Remote:        remote,
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	sess.OnClose(func(*session.Session) error { return conn.Close() })
	defer sess.Close()

	first := true
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			log.Debug("WebSocket connection closed", "session", sess.ID(), "error", err)
			return
		}

		codec := codecFor(op)
		if first {
			sender.setCodec(codec, op)
			first = false
		}

		req, err := codec.Decode(data)
		if err != nil {
			sess.HandleInvalid(err)
			continue
		}
		sess.HandleMessage(req)
	}
}

func codecFor(op ws.OpCode) session.Codec {
	if op == ws.OpBinary {
		return session.MsgpackCodec{}
	}
	return session.JSONCodec{}
}

// wsSender serializes writes to one connection.
type wsSender struct {
	mu    sync.Mutex
	conn  net.Conn
	codec session.Codec
	op    ws.OpCode
}

func (s *wsSender) setCodec(codec session.Codec, op ws.OpCode) {
	s.mu.Lock()
	s.codec = codec
	s.op = op
	s.mu.Unlock()
}

func (s *wsSender) Send(reply types.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.codec.Encode(reply)
	if err != nil {
		return fmt.Errorf("encode %s reply: %w", s.codec.Name(), err)
	}
	return wsutil.WriteServerMessage(s.conn, s.op, data)
}

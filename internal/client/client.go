// Package client connects to a middlewared daemon over WebSocket.
//
// Usage:
//
//	c, err := client.Dial(ctx, "ws://127.0.0.1:6000/websocket")
//	defer c.Close()
//
//	id, err := c.CallJob(ctx, "core.export_jobs")
//	snap, err := c.WaitJob(ctx, id, 100*time.Millisecond)
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/middlewared/pkg/types"
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrClosed          = errors.New("client closed")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// CallError is a method failure reported by the daemon.
type CallError struct {
	Method     string
	Message    string
	Stacktrace string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Format selects the frame encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// Option configures a Client.
type Option func(*Client)

// WithFormat sets the wire format. JSON is the default.
func WithFormat(f Format) Option {
	return func(c *Client) { c.format = f }
}

// WithHeader adds headers to the upgrade request.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is one session with the daemon.
type Client struct {
	url    string
	format Format
	header http.Header
	logger *slog.Logger

	conn      net.Conn
	wmu       sync.Mutex
	closed    atomic.Bool
	done      chan struct{}
	sessionID string

	nextID  atomic.Uint64
	pending sync.Map // id -> chan types.Reply
}

// Dial connects and completes the handshake.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:    url,
		format: FormatJSON,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	d := ws.Dialer{}
	if c.header != nil {
		d.Header = ws.HandshakeHeaderHTTP(c.header)
	}
	conn, _, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	c.conn = conn

	if err := c.handshake(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// handshake reads the reply directly; the read loop is not running yet.
func (c *Client) handshake(ctx context.Context) error {
	if err := c.write(types.Request{Msg: types.MsgConnect, Version: types.ProtocolVersion}); err != nil {
		return fmt.Errorf("write connect: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}
	reply, err := c.read()
	if err != nil {
		return fmt.Errorf("read connect reply: %w", err)
	}

	switch reply["msg"] {
	case types.MsgConnected:
		c.sessionID, _ = reply["session"].(string)
		c.logger.Debug("Client connected", "url", c.url, "session", c.sessionID, "format", c.format)
		return nil
	case types.MsgFailed:
		return fmt.Errorf("%w: server speaks version %v", ErrHandshakeFailed, reply["version"])
	default:
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, reply["msg"])
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		reply, err := c.read()
		if err != nil {
			if !c.closed.Load() {
				c.logger.Debug("Client read loop ended", "error", err)
			}
			return
		}

		id := fmt.Sprint(reply["id"])
		if ch, ok := c.pending.Load(id); ok {
			select {
			case ch.(chan types.Reply) <- reply:
			default:
			}
		}
	}
}

func (c *Client) read() (types.Reply, error) {
	data, op, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		return nil, err
	}
	reply := types.Reply{}
	if op == ws.OpBinary {
		err = msgpack.Unmarshal(data, &reply)
	} else {
		err = json.Unmarshal(data, &reply)
	}
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func (c *Client) write(req types.Request) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.format == FormatMsgpack {
		data, err := msgpack.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		return wsutil.WriteClientBinary(c.conn, data)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return wsutil.WriteClientText(c.conn, data)
}

// request sends req with a fresh id and waits for the correlated reply.
func (c *Client) request(ctx context.Context, req types.Request) (types.Reply, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	req.ID = id

	ch := make(chan types.Reply, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	if err := c.write(req); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SessionID returns the id assigned by the daemon.
func (c *Client) SessionID() string { return c.sessionID }

// Call invokes a method. Job methods return the job id.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	if params == nil {
		params = []any{}
	}
	reply, err := c.request(ctx, types.Request{Msg: types.MsgMethod, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if reply["msg"] != types.MsgResult {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedReply, reply["msg"])
	}
	if detail, ok := reply["error"]; ok && detail != nil {
		e := &CallError{Method: method}
		if m, ok := detail.(map[string]any); ok {
			e.Message, _ = m["error"].(string)
			e.Stacktrace, _ = m["stacktrace"].(string)
		}
		return nil, e
	}
	return reply["result"], nil
}

// CallJob invokes a job method and returns the job id.
func (c *Client) CallJob(ctx context.Context, method string, params ...any) (int64, error) {
	result, err := c.Call(ctx, method, params...)
	if err != nil {
		return 0, err
	}
	id, ok := toInt64(result)
	if !ok {
		return 0, fmt.Errorf("%w: %s returned %T, not a job id", ErrUnexpectedReply, method, result)
	}
	return id, nil
}

// Ping sends a keepalive and waits for the pong.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.request(ctx, types.Request{Msg: types.MsgPing})
	if err != nil {
		return err
	}
	if reply["msg"] != types.MsgPong {
		return fmt.Errorf("%w: %v", ErrUnexpectedReply, reply["msg"])
	}
	return nil
}

// Jobs queries core.get_jobs. A nil filter returns the whole history.
func (c *Client) Jobs(ctx context.Context, filter map[string]any) ([]types.JobSnapshot, error) {
	var params []any
	if filter != nil {
		params = []any{filter}
	}
	result, err := c.Call(ctx, "core.get_jobs", params...)
	if err != nil {
		return nil, err
	}
	var jobs []types.JobSnapshot
	if err := convert(result, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// WaitJob polls a job until it reaches a terminal state.
func (c *Client) WaitJob(ctx context.Context, id int64, interval time.Duration) (types.JobSnapshot, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		jobs, err := c.Jobs(ctx, map[string]any{"id": id})
		if err != nil {
			return types.JobSnapshot{}, err
		}
		if len(jobs) == 1 && jobs[0].State.Terminal() {
			return jobs[0], nil
		}

		select {
		case <-ctx.Done():
			return types.JobSnapshot{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close ends the session.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}

// convert maps a generically decoded value onto a typed one.
func convert(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("convert result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("convert result: %w", err)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), n == float64(int64(n))
	}
	return 0, false
}

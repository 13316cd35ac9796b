// ============================================================================
// Middlewared RPC Dispatcher - 方法呼叫的分派路徑
// ============================================================================
//
// Package: internal/rpc
// 文件: dispatcher.go
// 功能: 解析 "service.method"、檢查認證，並以同步或任務方式執行方法
//
// 分派流程:
//   1. 透過靜態 Registry 解析方法，找不到 → ErrMethodNotFound
//   2. 方法需要認證且連線未認證 → ErrNotAuthenticated，不呼叫方法本體
//   3. PassSession 方法在 Call.Session 收到呼叫端連線
//   4. Job 方法：建立任務並提交給調度器，立即返回任務 ID
//   5. 其他方法：在呼叫端 goroutine 上同步執行，panic 轉為帶堆疊的 *Error
//
// 每次呼叫產生一個 OpenTelemetry span，並依結果更新 RPC 指標。
//
// ============================================================================

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/middlewared/internal/job"
	"github.com/ChuLiYu/middlewared/internal/metrics"
	"github.com/ChuLiYu/middlewared/internal/service"
)

var log = slog.Default()

const tracerName = "github.com/ChuLiYu/middlewared/rpc"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 找不到服務或方法
	ErrMethodNotFound = errors.New("method not found")
	// 未認證的連線呼叫需要認證的方法
	ErrNotAuthenticated = errors.New("Not authenticated")
)

// Error is a method failure that carries a stacktrace for the client.
type Error struct {
	Message    string
	Stacktrace string
	Err        error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Describe turns a dispatch error into the message and optional
// stacktrace of a result error envelope.
func Describe(err error) (message, stacktrace string) {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Message, rpcErr.Stacktrace
	case errors.Is(err, ErrNotAuthenticated):
		return ErrNotAuthenticated.Error(), ""
	default:
		return err.Error(), ""
	}
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Submitter hands jobs to the scheduler.
type Submitter interface {
	Submit(ctx context.Context, j *job.Job) (int64, error)
}

// Recorder counts call outcomes.
type Recorder interface {
	RecordCall(method, outcome string)
}

// Dispatcher routes method calls.
type Dispatcher struct {
	registry  *service.Registry
	scheduler Submitter
	tracer    trace.Tracer
	recorder  Recorder
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithRecorder attaches a call outcome recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

type noopRecorder struct{}

func (noopRecorder) RecordCall(string, string) {}

// NewDispatcher 建立分派器
func NewDispatcher(registry *service.Registry, scheduler Submitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		scheduler: scheduler,
		tracer:    otel.Tracer(tracerName),
		recorder:  noopRecorder{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Dispatch 執行一次方法呼叫
//
// 返回值：
//   - any: 同步方法的結果，或 Job 方法的任務 ID (int64)
//   - error: ErrMethodNotFound、ErrNotAuthenticated、方法本體的錯誤或 *Error
func (d *Dispatcher) Dispatch(ctx context.Context, caller service.Caller, name string, params []any) (any, error) {
	ctx, span := d.tracer.Start(ctx, "rpc.dispatch",
		trace.WithAttributes(
			attribute.String("rpc.method", name),
			attribute.String("rpc.session", callerID(caller)),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	result, outcome, err := d.dispatch(ctx, caller, name, params)
	d.recorder.RecordCall(name, outcome)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		if id, ok := result.(int64); ok && outcome == metrics.OutcomeJob {
			span.SetAttributes(attribute.Int64("rpc.job_id", id))
		}
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, caller service.Caller, name string, params []any) (any, string, error) {
	m, err := d.registry.Lookup(name)
	if err != nil {
		return nil, metrics.OutcomeNotFound, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	}

	if !m.NoAuth && (caller == nil || !caller.Authenticated()) {
		log.Debug("Rejected unauthenticated call", "method", name, "session", callerID(caller))
		return nil, metrics.OutcomeNotAuthenticated, ErrNotAuthenticated
	}

	var session service.Caller
	if m.PassSession {
		session = caller
	}

	if m.Job {
		id, err := d.submit(ctx, m, session, params)
		if err != nil {
			return nil, metrics.OutcomeError, err
		}
		return id, metrics.OutcomeJob, nil
	}

	result, err := invoke(ctx, m, &service.Call{Session: session, Params: params})
	if err != nil {
		return nil, metrics.OutcomeError, err
	}
	return result, metrics.OutcomeOK, nil
}

// submit wraps the method in a job and returns its id without waiting.
func (d *Dispatcher) submit(ctx context.Context, m *service.Method, session service.Caller, params []any) (int64, error) {
	fn := func(ctx context.Context, j *job.Job, args []any) (any, error) {
		return m.Fn(ctx, &service.Call{Session: session, Job: j, Params: args})
	}
	j := job.New(m.FullName(), fn, params, m.JobOptions())

	id, err := d.scheduler.Submit(ctx, j)
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", m.FullName(), err)
	}
	log.Debug("Job method submitted", "method", m.FullName(), "jobID", id, "lock", j.LockName())
	return id, nil
}

// invoke runs a synchronous method, turning a panic into an *Error.
func invoke(ctx context.Context, m *service.Method, call *service.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			log.Error("Method panicked", "method", m.FullName(), "panic", r)
			err = &Error{Message: fmt.Sprintf("panic: %v", r), Stacktrace: stack}
		}
	}()
	return m.Fn(ctx, call)
}

func callerID(c service.Caller) string {
	if c == nil {
		return ""
	}
	return c.ID()
}

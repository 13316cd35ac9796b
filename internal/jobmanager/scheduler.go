// ============================================================================
// Middlewared 任務調度器 - 單一 goroutine 的調度循環
// ============================================================================
//
// Package: internal/jobmanager
// 文件: scheduler.go
// 功能: 管理待處理佇列與具名鎖，將可執行的任務分派到獨立的 goroutine
//
// 設計理念:
//   所有調度狀態（pending 佇列、鎖註冊表、喚醒訊號）只由 Run() 的
//   goroutine 修改，其他 goroutine 透過 channel 傳遞訊息：
//   1. submitCh  - 提交任務（分配 ID、註冊鎖、加入佇列）
//   2. releaseCh - 任務結束後釋放鎖
//   3. inspectCh - 在調度 goroutine 上讀取統計資訊
//
// 喚醒訊號 (wake):
//   只在 submit 與 release 時設定，因為只有這兩個時間點會改變任務的
//   可執行性。每次處理完訊息後，循環反覆呼叫 selectNext()：
//   - 依 FIFO 順序掃描 pending 佇列
//   - 第一個「無鎖」或「鎖未被持有」的任務被選中並持有鎖
//   - 找不到可執行任務時清除 wake，等待下一個訊息
//   - 佇列清空時同樣清除 wake
//   因此循環永遠不會忙等。
//
// 公平性:
//   被長時間持有的鎖擋住的任務不會擋住後面無關的任務，掃描會直接跳過它。
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/middlewared/internal/job"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 調度器已停止，不再接受任務
	ErrSchedulerStopped = errors.New("scheduler is stopped")
	// Run 已經在執行
	ErrSchedulerRunning = errors.New("scheduler already running")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Observer receives scheduler events, typically a metrics collector.
type Observer interface {
	JobSubmitted()
	JobStarted()
	JobFinished(state types.JobState, duration time.Duration)
	QueueStats(pending, running, locks int)
}

type noopObserver struct{}

func (noopObserver) JobSubmitted() {}
func (noopObserver) JobStarted() {}
func (noopObserver) JobFinished(types.JobState, time.Duration) {}
func (noopObserver) QueueStats(int, int, int) {}

// Stats 調度器狀態統計
type Stats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Locks   int `json:"locks"`
	History int `json:"history"`
}

type submitRequest struct {
	job   *job.Job
	lock  string // 在呼叫端 goroutine 上算好的鎖名
	reply chan submitResult
}

type submitResult struct {
	id  int64
	err error
}

// Scheduler 任務調度器
type Scheduler struct {
	history  *History
	observer Observer

	// 以下欄位只在 Run() goroutine 中存取
	pending []*job.Job
	locks   *lockRegistry
	wake    bool
	running int

	submitCh  chan submitRequest
	releaseCh chan *job.Job
	inspectCh chan func()

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // 追蹤執行中的任務 goroutine
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver attaches an event observer.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.observer = o
		}
	}
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewScheduler 建立調度器
//
// 參數：
//   - history: 記錄所有提交任務並分配 ID 的任務歷史
func NewScheduler(history *History, opts ...Option) *Scheduler {
	s := &Scheduler{
		history:   history,
		observer:  noopObserver{},
		pending:   make([]*job.Job, 0),
		locks:     newLockRegistry(),
		submitCh:  make(chan submitRequest),
		releaseCh: make(chan *job.Job),
		inspectCh: make(chan func()),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// History returns the job history backing the scheduler.
func (s *Scheduler) History() *History { return s.history }

// Submit 提交任務並立即返回其 ID，不等待任務執行
//
// 返回值：
//   - int64: 任務 ID
//   - error: job.ErrInvalidLock、調度器已停止或 ctx 被取消
//
// 鎖名在呼叫端 goroutine 上計算，LockFunc 的 panic 不會進入調度循環，
// 失敗的任務也不會出現在歷史中。
func (s *Scheduler) Submit(ctx context.Context, j *job.Job) (int64, error) {
	lock, err := j.ComputeLockName()
	if err != nil {
		return 0, err
	}
	req := submitRequest{job: j, lock: lock, reply: make(chan submitResult, 1)}

	select {
	case s.submitCh <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrSchedulerStopped
	}

	res := <-req.reply
	return res.id, res.err
}

// Release 由 Job.Execute 在結束時呼叫，釋放任務持有的鎖
func (s *Scheduler) Release(j *job.Job) {
	select {
	case s.releaseCh <- j:
	case <-s.done:
	}
}

// Run 調度主循環，直到 ctx 被取消
//
// 任務在 context.WithoutCancel(ctx) 下執行：關閉調度器不會中斷
// 已經開始的任務，呼叫 Wait() 等待它們結束。
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSchedulerRunning
	}
	defer s.stopOnce.Do(func() { close(s.done) })

	jobCtx := context.WithoutCancel(ctx)
	log.Info("Scheduler started", "history_size", s.history.Capacity())

	for {
		select {
		case <-ctx.Done():
			log.Info("Scheduler stopped", "pending", len(s.pending), "running", s.running)
			return nil

		case req := <-s.submitCh:
			s.enqueue(req)

		case j := <-s.releaseCh:
			s.release(j)

		case fn := <-s.inspectCh:
			fn()
		}

		s.schedule(jobCtx)
		s.observer.QueueStats(len(s.pending), s.running, s.locks.len())
	}
}

// Wait 等待所有已分派的任務結束
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// enqueue 記錄任務、註冊鎖並加入 pending 佇列
func (s *Scheduler) enqueue(req submitRequest) {
	id, err := s.history.Add(req.job)
	if err != nil {
		req.reply <- submitResult{err: err}
		return
	}

	s.locks.acquireFor(req.job, req.lock)
	s.pending = append(s.pending, req.job)
	s.wake = true
	s.observer.JobSubmitted()

	log.Debug("Job submitted",
		"jobID", id,
		"method", req.job.Name(),
		"lock", req.job.LockName())

	req.reply <- submitResult{id: id}
}

// release 釋放鎖；這是被鎖擋住的任務唯一可能變為可執行的時間點
func (s *Scheduler) release(j *job.Job) {
	s.locks.release(j)
	s.running--
	s.wake = true
}

// schedule 在 wake 設定時持續分派可執行的任務
func (s *Scheduler) schedule(ctx context.Context) {
	for s.wake {
		j := s.selectNext()
		if j == nil {
			return
		}
		s.launch(ctx, j)
	}
}

// selectNext 依 FIFO 掃描 pending 佇列，返回第一個可執行的任務
func (s *Scheduler) selectNext() *job.Job {
	for i, j := range s.pending {
		l := s.locks.lookup(j)
		if l != nil && !s.locks.tryHold(l, j) {
			continue
		}

		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		if len(s.pending) == 0 {
			s.wake = false
		}
		return j
	}

	// 沒有可執行的任務，等待 submit 或 release
	s.wake = false
	return nil
}

// launch 在獨立的 goroutine 中執行任務
func (s *Scheduler) launch(ctx context.Context, j *job.Job) {
	s.running++
	s.wg.Add(1)
	s.observer.JobStarted()

	go func() {
		defer s.wg.Done()
		start := time.Now()

		err := j.Execute(ctx, s)
		duration := time.Since(start)
		state := j.State()
		s.observer.JobFinished(state, duration)

		var panicErr *job.PanicError
		switch {
		case errors.As(err, &panicErr):
			log.Error("Job panicked", "jobID", j.ID(), "method", j.Name(), "panic", panicErr.Value, "stack", panicErr.Stack)
		case errors.Is(err, job.ErrIllegalTransition):
			log.Error("Job violated state machine", "jobID", j.ID(), "method", j.Name(), "error", err)
		case err != nil:
			log.Warn("Job failed", "jobID", j.ID(), "method", j.Name(), "duration", duration, "error", err)
		default:
			log.Debug("Job succeeded", "jobID", j.ID(), "method", j.Name(), "duration", duration)
		}
	}()
}

// ============================================================================
// 查詢方法
// ============================================================================

// do runs fn on the scheduler goroutine and waits for it.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		fn()
		close(finished)
	}

	select {
	case s.inspectCh <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSchedulerStopped
	}
	<-finished
	return nil
}

// Stats 取得調度器統計
func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.do(ctx, func() {
		st = Stats{
			Pending: len(s.pending),
			Running: s.running,
			Locks:   s.locks.len(),
			History: s.history.Len(),
		}
	})
	return st, err
}

// Locks 取得鎖註冊表的快照（依名稱排序）
func (s *Scheduler) Locks(ctx context.Context) ([]LockInfo, error) {
	var out []LockInfo
	err := s.do(ctx, func() {
		out = s.locks.info()
	})
	return out, err
}

// Pending 取得 pending 佇列中的任務 ID（FIFO 順序）
func (s *Scheduler) Pending(ctx context.Context) ([]int64, error) {
	var out []int64
	err := s.do(ctx, func() {
		out = make([]int64, 0, len(s.pending))
		for _, j := range s.pending {
			out = append(out, j.ID())
		}
	})
	return out, err
}

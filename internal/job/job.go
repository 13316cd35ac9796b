// ============================================================================
// Middlewared Job - 長時間執行任務的狀態機
// ============================================================================
//
// Package: internal/job
// 文件: job.go
// 功能: 描述單一可追蹤的工作單元，負責自身的狀態轉換、進度與結果
//
// 任務狀態轉換 (State Machine):
//   WAITING (等待)
//      ↓ Execute() 開始
//   RUNNING (執行中)
//      ↓ 方法返回 / 返回錯誤 / panic
//   SUCCESS (成功) / FAILED (失敗)
//
// 狀態轉換規則:
//   - 只允許 WAITING → RUNNING → {SUCCESS | FAILED}
//   - 終止狀態不可再變更，非法轉換回傳 ErrIllegalTransition
//   - time_finished 只在進入終止狀態時設定一次
//
// 並發安全:
//   - 執行中的 goroutine 寫入 state/progress/result
//   - 狀態查詢透過 Snapshot() 取得複本
//   - 使用 sync.RWMutex 保護所有可變欄位
//
// ============================================================================

package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/middlewared/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 非法的狀態轉換（違反狀態機約束）
	ErrIllegalTransition = errors.New("illegal job state transition")
	// 進度百分比超出 0-100
	ErrInvalidProgress = errors.New("progress percent must be between 0 and 100")
	// 任務 ID 只能指定一次
	ErrIDAssigned = errors.New("job id already assigned")
	// LockFunc 無法從參數算出鎖名（panic）
	ErrInvalidLock = errors.New("cannot compute job lock name")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Func is the body of a job method. The job itself is passed in so the
// body can report progress while it runs.
type Func func(ctx context.Context, j *Job, args []any) (any, error)

// Options carries the per-method job settings.
type Options struct {
	// Lock is a literal lock name shared by every call of the method.
	Lock string
	// LockFunc derives the lock name from the call arguments. It takes
	// precedence over Lock. An empty name means no mutual exclusion.
	LockFunc func(args []any) string
}

// Releaser is told when a job leaves Execute so it can free the job's lock.
type Releaser interface {
	Release(j *Job)
}

// Job 代表一次長時間執行的方法呼叫
type Job struct {
	mu sync.RWMutex

	id     int64
	name   string // 方法名稱（service.method），僅供顯示
	fn     Func
	args   []any
	opts   Options
	lockNm string

	state        types.JobState
	progress     types.Progress
	result       any
	err          string
	stack        string // panic 時的堆疊
	timeStarted  time.Time
	timeFinished *time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立處於 WAITING 狀態的任務
func New(name string, fn Func, args []any, opts Options) *Job {
	return &Job{
		name:        name,
		fn:          fn,
		args:        args,
		opts:        opts,
		state:       types.StateWaiting,
		timeStarted: time.Now(),
	}
}

// AssignID 由任務歷史指定唯一 ID
func (j *Job) AssignID(id int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.id != 0 {
		return ErrIDAssigned
	}
	j.id = id
	return nil
}

// ID returns the job id, or 0 before the job was recorded.
func (j *Job) ID() int64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.id
}

// Name returns the method name the job was created for.
func (j *Job) Name() string { return j.name }

// Args returns the positional arguments of the call.
func (j *Job) Args() []any { return j.args }

// ComputeLockName evaluates the lock option against the job arguments.
// It returns "" when the job needs no lock. A panicking LockFunc is
// reported as ErrInvalidLock.
func (j *Job) ComputeLockName() (name string, err error) {
	if j.opts.LockFunc == nil {
		return j.opts.Lock, nil
	}
	defer func() {
		if r := recover(); r != nil {
			name, err = "", fmt.Errorf("%w: %s: %v", ErrInvalidLock, j.name, r)
		}
	}()
	return j.opts.LockFunc(j.args), nil
}

// BindLock records the lock name the scheduler registered the job under.
func (j *Job) BindLock(name string) {
	j.mu.Lock()
	j.lockNm = name
	j.mu.Unlock()
}

// LockName returns the bound lock name, "" if the job runs unlocked.
func (j *Job) LockName() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lockNm
}

// State returns the current state.
func (j *Job) State() types.JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Transition 執行狀態轉換並檢查狀態機約束
func (j *Job) Transition(next types.JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(next)
}

func (j *Job) transitionLocked(next types.JobState) error {
	if !validTransition(j.state, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, j.state, next)
	}
	j.state = next
	if next.Terminal() {
		now := time.Now()
		j.timeFinished = &now
	}
	return nil
}

func validTransition(from, to types.JobState) bool {
	switch from {
	case types.StateWaiting:
		return to == types.StateRunning
	case types.StateRunning:
		return to == types.StateSuccess || to == types.StateFailed
	default:
		return false
	}
}

// SetResult 記錄方法返回值
func (j *Job) SetResult(result any) {
	j.mu.Lock()
	j.result = result
	j.mu.Unlock()
}

// SetProgress 由執行中的任務回報進度
//
// 參數：
//   - percent: 0-100，nil 表示不更新百分比
//   - description: 空字串表示不更新描述
func (j *Job) SetProgress(percent *int, description string) error {
	if percent != nil && (*percent < 0 || *percent > 100) {
		return fmt.Errorf("%w: got %d", ErrInvalidProgress, *percent)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if percent != nil {
		p := *percent
		j.progress.Percent = &p
	}
	if description != "" {
		j.progress.Description = description
	}
	return nil
}

// ReportProgress is a convenience wrapper around SetProgress for bodies
// that always know their percentage.
func (j *Job) ReportProgress(percent int, description string) error {
	return j.SetProgress(&percent, description)
}

// Execute 執行任務並設定終止狀態
//
// 流程：
//  1. WAITING → RUNNING
//  2. 呼叫方法本體（以任務自身作為第一個參數）
//  3. 失敗（錯誤或 panic）→ FAILED，成功 → SUCCESS 並保存結果
//  4. 無論結果如何，通知 Releaser 釋放鎖
//
// 返回值：
//   - error: 方法本體的失敗，或狀態機約束被違反
func (j *Job) Execute(ctx context.Context, r Releaser) (err error) {
	defer r.Release(j)

	if err := j.Transition(types.StateRunning); err != nil {
		return err
	}

	result, bodyErr := j.call(ctx)

	j.mu.Lock()
	defer j.mu.Unlock()
	if bodyErr != nil {
		j.err = bodyErr.Error()
		var panicErr *PanicError
		if errors.As(bodyErr, &panicErr) {
			j.stack = panicErr.Stack
		}
		if err := j.transitionLocked(types.StateFailed); err != nil {
			return errors.Join(bodyErr, err)
		}
		return bodyErr
	}
	j.result = result
	return j.transitionLocked(types.StateSuccess)
}

// call runs the body and turns a panic into an error.
func (j *Job) call(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return j.fn(ctx, j, j.args)
}

// Snapshot 取得任務狀態的複本
func (j *Job) Snapshot() types.JobSnapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	snap := types.JobSnapshot{
		ID:          j.id,
		Method:      j.name,
		State:       j.state,
		Progress:    j.progress,
		Result:      j.result,
		Error:       j.err,
		Stacktrace:  j.stack,
		TimeStarted: j.timeStarted,
	}
	if j.progress.Percent != nil {
		p := *j.progress.Percent
		snap.Progress.Percent = &p
	}
	if j.timeFinished != nil {
		t := *j.timeFinished
		snap.TimeFinished = &t
	}
	return snap
}

// PanicError wraps a value recovered from a panicking method body.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

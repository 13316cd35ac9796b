package jobmanager

// ============================================================================
// 職責說明：
// 1. 依插入順序保存最近的任務，容量上限 N（預設 1000）
// 2. 負責分配遞增的任務 ID
// 3. 插入時淘汰最舊的任務（FIFO），讀取永不淘汰
// ============================================================================

import (
	"sync"

	"github.com/ChuLiYu/middlewared/internal/job"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

// DefaultHistorySize 預設的任務歷史容量
const DefaultHistorySize = 1000

// History 有界的任務歷史
type History struct {
	mu       sync.RWMutex
	capacity int
	count    int64              // 已分配的最後一個 ID
	order    []int64            // 插入順序（最舊在前）
	jobs     map[int64]*job.Job // ID → Job
}

// NewHistory 建立任務歷史，capacity <= 0 時使用 DefaultHistorySize
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		capacity: capacity,
		order:    make([]int64, 0, capacity),
		jobs:     make(map[int64]*job.Job, capacity),
	}
}

// Add 分配 ID 並記錄任務，必要時淘汰最舊的任務
//
// 返回值：
//   - int64: 新分配的任務 ID
//   - error: 任務已經有 ID
func (h *History) Add(j *job.Job) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.count + 1
	if err := j.AssignID(id); err != nil {
		return 0, err
	}
	h.count = id

	// 先淘汰再插入，確保大小永遠不超過容量
	for len(h.order) >= h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.jobs, oldest)
	}

	h.order = append(h.order, id)
	h.jobs[id] = j
	return id, nil
}

// Get 依 ID 取得任務
func (h *History) Get(id int64) (*job.Job, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	j, ok := h.jobs[id]
	return j, ok
}

// Len 目前保存的任務數
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}

// Capacity 容量上限
func (h *History) Capacity() int { return h.capacity }

// All 依插入順序返回所有任務
func (h *History) All() []*job.Job {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*job.Job, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.jobs[id])
	}
	return out
}

// Snapshots 依插入順序返回所有任務的快照
func (h *History) Snapshots() []types.JobSnapshot {
	all := h.All()
	out := make([]types.JobSnapshot, 0, len(all))
	for _, j := range all {
		out = append(out, j.Snapshot())
	}
	return out
}

// CountByState 各狀態的任務數量
func (h *History) CountByState() map[types.JobState]int {
	stats := map[types.JobState]int{
		types.StateWaiting: 0,
		types.StateRunning: 0,
		types.StateSuccess: 0,
		types.StateFailed:  0,
	}
	for _, j := range h.All() {
		stats[j.State()]++
	}
	return stats
}

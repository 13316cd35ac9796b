package jobmanager

// ============================================================================
// 職責說明：
// 1. 以名稱管理二元鎖，同名鎖的任務彼此互斥
// 2. 條目在第一個任務引用時建立，最後一個任務釋放時刪除
// 3. 只由調度器 goroutine 存取，不需要額外的同步
// ============================================================================

import (
	"sort"

	"github.com/ChuLiYu/middlewared/internal/job"
)

// Lock is a named binary gate shared by every job that declares the same
// lock name. Only the scheduler goroutine touches it.
type Lock struct {
	name   string
	jobs   []*job.Job // referencing jobs, in registration order
	holder *job.Job
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// Held reports whether a job currently holds the lock.
func (l *Lock) Held() bool { return l.holder != nil }

func (l *Lock) add(j *job.Job) {
	l.jobs = append(l.jobs, j)
}

func (l *Lock) remove(j *job.Job) {
	for i, ref := range l.jobs {
		if ref == j {
			l.jobs = append(l.jobs[:i], l.jobs[i+1:]...)
			return
		}
	}
}

// LockInfo is a point-in-time view of a registry entry.
type LockInfo struct {
	Name    string  `json:"name"`
	Holder  int64   `json:"holder,omitempty"`
	Waiting []int64 `json:"waiting"`
}

// lockRegistry maps lock names to entries. An entry exists exactly as
// long as some job references it.
type lockRegistry struct {
	locks map[string]*Lock
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*Lock)}
}

// acquireFor registers j under name, creating the entry on first use.
// It never blocks; nil means the job runs without a lock.
func (r *lockRegistry) acquireFor(j *job.Job, name string) *Lock {
	if name == "" {
		return nil
	}

	l, ok := r.locks[name]
	if !ok {
		l = &Lock{name: name}
		r.locks[name] = l
	}
	l.add(j)
	j.BindLock(name)
	return l
}

// lookup returns the entry j is registered under.
func (r *lockRegistry) lookup(j *job.Job) *Lock {
	name := j.LockName()
	if name == "" {
		return nil
	}
	return r.locks[name]
}

// tryHold marks l as held by j. It fails if another job holds it.
func (r *lockRegistry) tryHold(l *Lock, j *job.Job) bool {
	if l.holder != nil {
		return false
	}
	l.holder = j
	return true
}

// release drops j from its lock, frees the gate if j held it and deletes
// the entry once nobody references it.
func (r *lockRegistry) release(j *job.Job) {
	l := r.lookup(j)
	if l == nil {
		return
	}
	l.remove(j)
	if l.holder == j {
		l.holder = nil
	}
	if len(l.jobs) == 0 {
		delete(r.locks, l.name)
	}
}

func (r *lockRegistry) len() int { return len(r.locks) }

func (r *lockRegistry) info() []LockInfo {
	out := make([]LockInfo, 0, len(r.locks))
	for _, l := range r.locks {
		li := LockInfo{Name: l.name, Waiting: make([]int64, 0, len(l.jobs))}
		if l.holder != nil {
			li.Holder = l.holder.ID()
		}
		for _, j := range l.jobs {
			if j != l.holder {
				li.Waiting = append(li.Waiting, j.ID())
			}
		}
		out = append(out, li)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

package service

// ============================================================================
// 內建服務：core 與 system
// ============================================================================
//
//   core.ping         - 無需認證的存活檢查
//   core.get_jobs     - 任務快照，可依 id / state / method 過濾
//   core.get_methods  - 列出已註冊的方法與其旗標
//   core.export_jobs  - 以任務形式把歷史匯出為 JSON（鎖名 core.export_jobs）
//   system.info       - 守護進程資訊（需要認證）
//
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/ChuLiYu/middlewared/internal/jobmanager"
	"github.com/ChuLiYu/middlewared/internal/snapshot"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

// Version of the daemon, overridden at link time.
var Version = "dev"

// ExportLock serializes history exports.
const ExportLock = "core.export_jobs"

// CoreDeps are the collaborators of the built-in services.
type CoreDeps struct {
	Registry  *Registry
	Scheduler *jobmanager.Scheduler
	Exporter  *snapshot.Manager // nil disables core.export_jobs
	StartedAt time.Time
}

// RegisterCore registers the core and system services.
func RegisterCore(deps CoreDeps) error {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	c := &core{deps: deps}

	coreSvc := Service{
		Namespace: "core",
		Methods: []Method{
			{Name: "ping", NoAuth: true, Fn: c.ping, Description: "Liveness check"},
			{Name: "get_jobs", Fn: c.getJobs, Description: "Job snapshots, optionally filtered by id, state or method"},
			{Name: "get_methods", Fn: c.getMethods, Description: "Registered methods and their flags"},
		},
	}
	if deps.Exporter != nil {
		coreSvc.Methods = append(coreSvc.Methods, Method{
			Name:        "export_jobs",
			Job:         true,
			Lock:        ExportLock,
			Fn:          c.exportJobs,
			Description: "Write the job history to the export file",
		})
	}
	if err := deps.Registry.Register(coreSvc); err != nil {
		return err
	}

	return deps.Registry.Register(Service{
		Namespace: "system",
		Methods: []Method{
			{Name: "info", Fn: c.systemInfo, Description: "Daemon information"},
		},
	})
}

type core struct {
	deps CoreDeps
}

func (c *core) ping(ctx context.Context, call *Call) (any, error) {
	return "pong", nil
}

// getJobs accepts an optional filter object {"id": n, "state": s, "method": m}.
func (c *core) getJobs(ctx context.Context, call *Call) (any, error) {
	filter, err := Object(call.Params, 0)
	if err != nil {
		return nil, err
	}

	history := c.deps.Scheduler.History()
	if raw, ok := filter["id"]; ok {
		id, err := Int64(raw)
		if err != nil {
			return nil, err
		}
		j, ok := history.Get(id)
		if !ok {
			return []types.JobSnapshot{}, nil
		}
		return []types.JobSnapshot{j.Snapshot()}, nil
	}

	state, _ := filter["state"].(string)
	method, _ := filter["method"].(string)

	out := make([]types.JobSnapshot, 0)
	for _, snap := range history.Snapshots() {
		if state != "" && string(snap.State) != state {
			continue
		}
		if method != "" && snap.Method != method {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (c *core) getMethods(ctx context.Context, call *Call) (any, error) {
	return c.deps.Registry.Methods(), nil
}

func (c *core) exportJobs(ctx context.Context, call *Call) (any, error) {
	if err := reportProgress(call, 0, "collecting job snapshots"); err != nil {
		return nil, err
	}
	snaps := c.deps.Scheduler.History().Snapshots()

	if err := reportProgress(call, 50, fmt.Sprintf("writing %d jobs", len(snaps))); err != nil {
		return nil, err
	}
	data, err := c.deps.Exporter.Write(snaps)
	if err != nil {
		return nil, err
	}

	if err := reportProgress(call, 100, "export written"); err != nil {
		return nil, err
	}
	return map[string]any{
		"path":        c.deps.Exporter.GetPath(),
		"jobs":        len(data.Jobs),
		"exported_at": data.ExportedAt,
	}, nil
}

// reportProgress is a no-op when the method was called synchronously.
func reportProgress(call *Call, percent int, description string) error {
	if call.Job == nil {
		return nil
	}
	return call.Job.ReportProgress(percent, description)
}

func (c *core) systemInfo(ctx context.Context, call *Call) (any, error) {
	hostname, _ := os.Hostname()

	info := map[string]any{
		"version":    Version,
		"hostname":   hostname,
		"go_version": runtime.Version(),
		"uptime":     time.Since(c.deps.StartedAt).Seconds(),
	}
	if stats, err := c.deps.Scheduler.Stats(ctx); err == nil {
		info["jobs"] = stats
	}
	return info, nil
}

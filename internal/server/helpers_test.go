package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/middlewared/internal/jobmanager"
	"github.com/ChuLiYu/middlewared/internal/rpc"
	"github.com/ChuLiYu/middlewared/internal/service"
	"github.com/ChuLiYu/middlewared/internal/session"
)

// stack is a running scheduler plus dispatcher for transport tests.
type stack struct {
	scheduler *jobmanager.Scheduler
	manager   *session.Manager
}

func newStack(t *testing.T, extra ...service.Service) *stack {
	t.Helper()

	sched := jobmanager.NewScheduler(jobmanager.NewHistory(100))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sched.Run(ctx)
		close(done)
	}()

	reg := service.NewRegistry()
	require.NoError(t, service.RegisterCore(service.CoreDeps{Registry: reg, Scheduler: sched}))
	for _, svc := range extra {
		require.NoError(t, reg.Register(svc))
	}

	manager := session.NewManager(rpc.NewDispatcher(reg, sched), nil)
	t.Cleanup(func() {
		manager.CloseAll()
		cancel()
		<-done
		sched.Wait()
	})
	return &stack{scheduler: sched, manager: manager}
}

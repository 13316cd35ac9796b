// Command demo runs an in-process daemon and floods it with lockable jobs
// over a WebSocket session, printing the scheduler state as they drain.
//
//	go run ./cmd/demo -jobs 60 -pools 3
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/middlewared/internal/client"
	"github.com/ChuLiYu/middlewared/internal/controller"
	"github.com/ChuLiYu/middlewared/internal/server"
	"github.com/ChuLiYu/middlewared/internal/service"
	"github.com/ChuLiYu/middlewared/pkg/types"
)

// scrubService simulates per-pool maintenance: jobs on the same pool are
// serialized by a lock computed from the first param.
var scrubService = service.Service{
	Namespace: "pool",
	Methods: []service.Method{
		{
			Name: "scrub",
			Job:  true,
			LockFunc: func(params []any) string {
				if len(params) == 0 {
					return "pool"
				}
				return fmt.Sprintf("pool.%v", params[0])
			},
			Fn: func(ctx context.Context, call *service.Call) (any, error) {
				for pct := 0; pct <= 100; pct += 25 {
					if err := call.Job.ReportProgress(pct, "scanning"); err != nil {
						return nil, err
					}
					time.Sleep(20 * time.Millisecond)
				}
				return "clean", nil
			},
		},
	},
}

func main() {
	jobs := flag.Int("jobs", 60, "number of jobs to submit")
	pools := flag.Int("pools", 3, "number of distinct pools (locks)")
	flag.Parse()

	cfg := controller.DefaultConfig()
	cfg.Server.WebSocketAddr = "127.0.0.1:0"
	cfg.Server.GRPCAddr = ""
	cfg.Metrics.Enabled = false

	ctrl, err := controller.New(cfg,
		controller.WithServices(scrubService),
		controller.WithMetricsRegistry(prometheus.NewRegistry()),
	)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- ctrl.Start(ctx) }()

	for ctrl.WebSocket().Addr() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	fmt.Printf("✓ Daemon listening on %s\n", ctrl.WebSocket().Addr())

	url := "ws://" + ctrl.WebSocket().Addr().String() + server.WebSocketPath
	c, err := client.Dial(ctx, url)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	for i := 0; i < *jobs; i++ {
		if _, err := c.CallJob(ctx, "pool.scrub", fmt.Sprintf("tank%d", i%*pools)); err != nil {
			log.Fatalf("Failed to submit job: %v", err)
		}
	}
	fmt.Printf("✓ Submitted %d jobs across %d pools\n\n", *jobs, *pools)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := ctrl.Scheduler().Stats(ctx)
		if err != nil {
			break
		}
		fmt.Printf("📊 Pending=%-4d Running=%-3d Locks=%-3d History=%d\n", st.Pending, st.Running, st.Locks, st.History)
		if st.Pending == 0 && st.Running == 0 {
			break
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	snaps, err := c.Jobs(ctx, nil)
	if err == nil {
		counts := map[types.JobState]int{}
		for _, s := range snaps {
			counts[s.State]++
		}
		fmt.Printf("\n📊 Final: %d succeeded, %d failed\n", counts[types.StateSuccess], counts[types.StateFailed])
	}

	ctrl.Stop()
	if err := <-done; err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Controller stopped")
}

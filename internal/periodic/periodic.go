// Package periodic calls registered methods on cron schedules.
package periodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ChuLiYu/middlewared/internal/service"
)

var log = slog.Default()

var (
	ErrInvalidEntry   = errors.New("invalid periodic entry")
	ErrDuplicateEntry = errors.New("duplicate periodic entry")
	ErrEntryNotFound  = errors.New("periodic entry not found")
)

// Entry is one scheduled method call.
type Entry struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Method   string `yaml:"method"`
	Params   []any  `yaml:"params"`
}

// Dispatcher invokes a method on behalf of a caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller service.Caller, name string, params []any) (any, error)
}

// parser accepts 5-field expressions and descriptors such as "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return parser.Parse(expr)
}

// caller identifies periodic calls. They originate inside the daemon and
// are always authenticated.
type caller struct{ name string }

func (c caller) ID() string          { return "periodic:" + c.name }
func (c caller) Authenticated() bool { return true }

// Runner owns a cron instance and the entries registered on it.
type Runner struct {
	dispatcher Dispatcher
	cron       *cronlib.Cron

	mu      sync.Mutex
	entries map[string]Entry
	ctx     context.Context
}

// NewRunner creates a runner. Entries are validated and scheduled here so
// a bad config fails at startup.
func NewRunner(dispatcher Dispatcher, entries []Entry) (*Runner, error) {
	r := &Runner{
		dispatcher: dispatcher,
		cron:       cronlib.New(cronlib.WithParser(parser)),
		entries:    make(map[string]Entry),
		ctx:        context.Background(),
	}
	for _, e := range entries {
		if err := r.add(e); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) add(e Entry) error {
	if e.Name == "" || e.Method == "" {
		return fmt.Errorf("%w: name and method are required", ErrInvalidEntry)
	}
	if _, dup := r.entries[e.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, e.Name)
	}
	sched, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEntry, e.Name, err)
	}

	r.entries[e.Name] = e
	name := e.Name
	r.cron.Schedule(sched, cronlib.FuncJob(func() {
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()
		_, _ = r.Fire(ctx, name)
	}))
	return nil
}

// Entries returns the configured entries.
func (r *Runner) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Fire runs one entry immediately. Job methods return their job id.
func (r *Runner) Fire(ctx context.Context, name string) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}

	result, err := r.dispatcher.Dispatch(ctx, caller{name: name}, e.Method, e.Params)
	if err != nil {
		log.Error("Periodic call failed", "entry", name, "method", e.Method, "error", err)
		return nil, err
	}
	log.Debug("Periodic call fired", "entry", name, "method", e.Method)
	return result, nil
}

// Run starts the cron loop and blocks until ctx is cancelled. In-flight
// calls finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	r.cron.Start()
	log.Info("Periodic runner started", "entries", len(r.Entries()))

	<-ctx.Done()
	<-r.cron.Stop().Done()
	log.Info("Periodic runner stopped")
	return nil
}

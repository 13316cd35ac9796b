// Package service holds the static method registry: every callable
// "service.method" pair with the flags the dispatcher needs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ChuLiYu/middlewared/internal/job"
)

var (
	ErrServiceNotFound  = errors.New("service not found")
	ErrMethodNotFound   = errors.New("method not found")
	ErrDuplicateService = errors.New("service already registered")
	ErrInvalidMethod    = errors.New("invalid method definition")
)

// Caller is the connection a call arrives on.
type Caller interface {
	ID() string
	Authenticated() bool
}

// Call carries everything a method body receives.
type Call struct {
	// Session is set only for methods with PassSession.
	Session Caller
	// Job is the running job for job methods, nil otherwise.
	Job    *job.Job
	Params []any
}

// MethodFunc is a method body.
type MethodFunc func(ctx context.Context, call *Call) (any, error)

// Method is one registered callable.
type Method struct {
	Name        string
	Description string
	Fn          MethodFunc

	NoAuth      bool // callable before authentication
	PassSession bool // receives the calling session
	Job         bool // runs as a tracked job, the caller gets its id

	// Lock or LockFunc serialize jobs of this method. LockFunc wins and is
	// evaluated once on the call params at submission.
	Lock     string
	LockFunc func(params []any) string

	service string
}

// FullName returns "service.method".
func (m *Method) FullName() string { return m.service + "." + m.Name }

// JobOptions maps the lock declaration onto job options.
func (m *Method) JobOptions() job.Options {
	return job.Options{Lock: m.Lock, LockFunc: m.LockFunc}
}

// Service groups methods under a namespace.
type Service struct {
	Namespace string
	Methods   []Method
}

// MethodInfo describes a registered method for introspection.
type MethodInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	NoAuth      bool   `json:"no_auth"`
	PassSession bool   `json:"pass_session"`
	Job         bool   `json:"job"`
	Lock        string `json:"lock,omitempty"`
	DynamicLock bool   `json:"dynamic_lock,omitempty"`
}

// Registry maps service and method names to definitions. It is filled at
// startup and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	services map[string]map[string]*Method
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]map[string]*Method)}
}

// Register adds a service. Namespaces and method names must not contain
// dots other than the namespace's own.
func (r *Registry) Register(svc Service) error {
	if svc.Namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidMethod)
	}

	methods := make(map[string]*Method, len(svc.Methods))
	for i := range svc.Methods {
		m := svc.Methods[i]
		if m.Name == "" || strings.Contains(m.Name, ".") || m.Fn == nil {
			return fmt.Errorf("%w: %s.%q", ErrInvalidMethod, svc.Namespace, m.Name)
		}
		if !m.Job && (m.Lock != "" || m.LockFunc != nil) {
			return fmt.Errorf("%w: %s.%s declares a lock but is not a job", ErrInvalidMethod, svc.Namespace, m.Name)
		}
		if _, dup := methods[m.Name]; dup {
			return fmt.Errorf("%w: %s.%s defined twice", ErrInvalidMethod, svc.Namespace, m.Name)
		}
		m.service = svc.Namespace
		methods[m.Name] = &m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.Namespace]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, svc.Namespace)
	}
	r.services[svc.Namespace] = methods
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(svc Service) {
	if err := r.Register(svc); err != nil {
		panic(err)
	}
}

// Lookup resolves "service.method", splitting on the last dot so that
// namespaces may themselves be dotted.
func (r *Registry) Lookup(name string) (*Method, error) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, name)
	}
	svcName, methodName := name[:i], name[i+1:]

	r.mu.RLock()
	defer r.mu.RUnlock()

	methods, ok := r.services[svcName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, svcName)
	}
	m, ok := methods[methodName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, name)
	}
	return m, nil
}

// Methods lists every registered method sorted by full name.
func (r *Registry) Methods() []MethodInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]MethodInfo, 0)
	for _, methods := range r.services {
		for _, m := range methods {
			out = append(out, MethodInfo{
				Name:        m.FullName(),
				Description: m.Description,
				NoAuth:      m.NoAuth,
				PassSession: m.PassSession,
				Job:         m.Job,
				Lock:        m.Lock,
				DynamicLock: m.LockFunc != nil,
			})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

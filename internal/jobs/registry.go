package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kiranshivaraju/bootfleet/pkg/models"
)

// Handler executes one job type. It returns the result to store on success, or an
// error; wrap the error with Terminal when retrying cannot fix it.
type Handler interface {
	Type() string
	Execute(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler for the given type.
func HandlerFunc(jobType string, fn func(ctx context.Context, job *models.Job) (json.RawMessage, error)) Handler {
	return handlerFunc{jobType: jobType, fn: fn}
}

type handlerFunc struct {
	jobType string
	fn      func(ctx context.Context, job *models.Job) (json.RawMessage, error)
}

func (h handlerFunc) Type() string { return h.jobType }

func (h handlerFunc) Execute(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	return h.fn(ctx, job)
}

// Registry maps job types to handlers. It is populated at startup and read by
// every execution slot.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register panics if a handler for the same type is already registered.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[h.Type()]; exists {
		panic(fmt.Sprintf("handler already registered for type: %s", h.Type()))
	}
	r.handlers[h.Type()] = h
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Execute dispatches job to its handler. A handler panic is converted into a
// terminal error.
func (r *Registry) Execute(ctx context.Context, job *models.Job) (result json.RawMessage, err error) {
	h, ok := r.Get(job.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnhandledType, job.Type)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = Terminalf("handler panic: %v", rec)
		}
	}()
	return h.Execute(ctx, job)
}

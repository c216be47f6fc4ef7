package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// Registry is the thread-safe provider lookup table. Registration is
// last-write-wins: re-registering a name replaces the previous handler
// and logs a warning, so integration updates never require a restart
// dance around duplicate-name errors.
type Registry struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its own name. An existing handler with
// the same name is replaced.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrKindValidation, "handler is nil")
	}
	name := h.Name()
	if name == "" {
		return schema.NewError(schema.ErrKindValidation, "handler name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		r.logger.Warn("replacing registered provider", "provider", name)
	}
	r.handlers[name] = h
	return nil
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrKindProviderNotFound, "provider %q not registered", name)
	}
	return h, nil
}

// Has checks if a provider is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// List returns info for all registered providers, sorted by name.
func (r *Registry) List() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]HandlerInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		specs := h.Actions()
		actions := make([]string, len(specs))
		for i, s := range specs {
			actions[i] = s.Name
		}
		sort.Strings(actions)
		infos = append(infos, HandlerInfo{Name: h.Name(), Actions: actions})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Invoke dispatches one action call to the named provider. Nothing
// crosses this boundary as a panic or a Go error: unknown names,
// handler errors, and handler panics are all normalized into a failed
// ProviderResult so the engine can apply its retry policy uniformly.
func (r *Registry) Invoke(ctx context.Context, provider string, inv Invocation) (result *schema.ProviderResult) {
	h, err := r.Get(provider)
	if err != nil {
		return &schema.ProviderResult{
			Success: false,
			Error: &schema.ProviderError{
				Kind:   schema.ErrKindProviderNotFound,
				Detail: fmt.Sprintf("provider %q not registered", provider),
			},
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("provider panicked",
				"provider", provider, "action", inv.Action, "panic", fmt.Sprintf("%v", rec))
			result = &schema.ProviderResult{
				Success: false,
				Error: &schema.ProviderError{
					Kind:   schema.ErrKindProviderPermanent,
					Detail: fmt.Sprintf("provider %s panicked: %v", provider, rec),
				},
			}
		}
	}()

	res, execErr := h.Execute(ctx, inv)
	if execErr != nil {
		return normalizeError(provider, inv.Action, execErr)
	}
	if res == nil {
		res = &schema.ProviderResult{Success: true}
	}
	if !res.Success && res.Error == nil {
		res.Error = &schema.ProviderError{
			Kind:   schema.ErrKindProviderTransient,
			Detail: res.Message,
		}
	}
	return res
}

// normalizeError folds a handler's Go error into the result contract.
// FlowError kinds pass through; anything untyped is treated as
// transient so downstream retry gets a chance at recoverable faults.
func normalizeError(provider, action string, err error) *schema.ProviderResult {
	kind := schema.ErrKindProviderTransient
	if flowErr, ok := err.(*schema.FlowError); ok {
		switch flowErr.Kind {
		case schema.ErrKindValidation, schema.ErrKindProviderPermanent:
			kind = schema.ErrKindProviderPermanent
		case schema.ErrKindCancelled:
			kind = schema.ErrKindCancelled
		}
	}
	return &schema.ProviderResult{
		Success: false,
		Error: &schema.ProviderError{
			Kind:   kind,
			Detail: fmt.Sprintf("%s.%s: %s", provider, action, err.Error()),
		},
	}
}

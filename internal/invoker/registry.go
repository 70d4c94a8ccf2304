// Package invoker provides ActionInvoker bindings for the engine: an
// in-process dispatch table, recorded fixtures for offline scans, and a
// generic REST binding.
package invoker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/solatis/scankeeper/internal/logging"
	"github.com/solatis/scankeeper/internal/types"
)

var logger *log.Entry = logging.For("invoker")

// Handler serves one action.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Registry is a dispatch table from action name to Handler. Cloud bindings
// register one handler per SDK operation they expose.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	identity []string
}

// NewRegistry creates an empty registry. identity, when given, partitions the
// engine's response cache (for example service, account, region).
func NewRegistry(identity ...string) *Registry {
	return &Registry{handlers: make(map[string]Handler), identity: identity}
}

// Register binds action to h, replacing any previous binding.
func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[action]; ok {
		logger.WithFields(log.Fields{"action": action}).Debug("replacing action handler")
	}
	r.handlers[action] = h
}

// Actions returns the registered action names in sorted order.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches to the handler bound to action.
func (r *Registry) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[action]
	r.mu.RUnlock()
	if !ok {
		return nil, &types.CallError{
			Action:  action,
			Code:    "UnknownAction",
			Message: fmt.Sprintf("action %q not registered", action),
			Err:     types.ErrUnknownAction,
		}
	}
	return h(ctx, params)
}

// Identity returns the registry's cache identity, nil when none was given.
func (r *Registry) Identity() []string {
	return r.identity
}

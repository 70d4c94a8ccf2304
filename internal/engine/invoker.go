// Package engine executes compiled RuleSets: discovery, checks, retries and
// the per-scan response cache.
//
// The engine never interprets action names. Every external call goes through
// an ActionInvoker supplied with each Target; cloud bindings live in
// internal/invoker.
package engine

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/solatis/scankeeper/internal/logging"
)

var logger *log.Entry = logging.For("engine")

// ActionInvoker performs one named external action. Responses are decoded
// structures (maps, lists, scalars); the engine treats them as read-only.
type ActionInvoker interface {
	Invoke(ctx context.Context, action string, params map[string]any) (any, error)
}

// InvokerFunc adapts a function to ActionInvoker.
type InvokerFunc func(ctx context.Context, action string, params map[string]any) (any, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, action string, params map[string]any) (any, error) {
	return f(ctx, action, params)
}

// IdentityFunc returns the cache partition for an invoker, e.g.
// [service, region] or [service, subscription, region].
type IdentityFunc func(inv ActionInvoker) []string

// Identifier may be implemented by invokers that know their own identity.
type Identifier interface {
	Identity() []string
}

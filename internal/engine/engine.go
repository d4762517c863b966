package engine

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/a-essam23/acars-relay/pkg/pipeline"
	"github.com/a-essam23/acars-relay/pkg/protocol"
)

/*
* The dispatch table: every gateway action maps to one route. Guarded routes
* run the registered modifier chain (guard, then rate limit) before the handler.
 */
type Registry struct {
	logger  *slog.Logger
	routes  map[protocol.Action]Route
	routeMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFunc
	chain      []string
	modifierMu sync.RWMutex

	limiter *connLimiter
}

type Route struct {
	Action  protocol.Action
	Public  bool
	Handler pipeline.HandlerFunc
}

type RegisterCoreOptions struct {
	// RatePerSecond and RateBurst configure the per-connection frame limiter
	// on guarded routes. A zero rate disables it.
	RatePerSecond float64
	RateBurst     int
}

// New creates and initializes a new Registry instance.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		routes:    make(map[protocol.Action]Route),
		modifiers: make(map[string]pipeline.ModifierFunc),
		logger:    logger.With(slog.String("component", "engine")),
	}
}

func (e *Registry) RegisterCore(opts *RegisterCoreOptions) {
	e.RegisterModifier("secure", secureModifier)
	if opts != nil && opts.RatePerSecond > 0 {
		e.limiter = newConnLimiter(opts.RatePerSecond, opts.RateBurst)
		e.RegisterModifier("rate_limit", e.limiter.modifier(e.logger))
	}
	e.logger.Info("registered core modifiers", slog.Int("count", len(e.chain)))
}

// --- Route Methods ---

// Handle adds a guarded route.
func (e *Registry) Handle(action protocol.Action, fn pipeline.HandlerFunc) {
	e.add(Route{Action: action, Handler: fn})
}

// HandlePublic adds a route that skips the modifier chain.
func (e *Registry) HandlePublic(action protocol.Action, fn pipeline.HandlerFunc) {
	e.add(Route{Action: action, Public: true, Handler: fn})
}

func (e *Registry) add(r Route) {
	e.routeMu.Lock()
	defer e.routeMu.Unlock()
	if _, exists := e.routes[r.Action]; exists {
		panic(fmt.Sprintf("route already registered: %s", r.Action))
	}
	e.routes[r.Action] = r
	e.logger.Debug("route registered", slog.String("action", r.Action.String()), slog.Bool("public", r.Public))
}

func (e *Registry) Lookup(action protocol.Action) (Route, bool) {
	e.routeMu.RLock()
	defer e.routeMu.RUnlock()
	r, ok := e.routes[action]
	return r, ok
}

// --- Modifier Methods ---

// RegisterModifier appends fn to the chain run before every guarded route.
func (e *Registry) RegisterModifier(name string, fn pipeline.ModifierFunc) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = fn
	e.chain = append(e.chain, name)
}

// Dispatch runs route for pctx, applying the modifier chain first unless
// the route is public.
func (e *Registry) Dispatch(pctx *pipeline.Cargo, route Route) (pipeline.Result, error) {
	if !route.Public {
		e.modifierMu.RLock()
		chain := make([]pipeline.ModifierFunc, 0, len(e.chain))
		for _, name := range e.chain {
			chain = append(chain, e.modifiers[name])
		}
		e.modifierMu.RUnlock()

		for _, mod := range chain {
			if err := mod(pctx); err != nil {
				return pipeline.Result{}, err
			}
		}
	}
	return route.Handler(pctx)
}

// Forget drops per-connection modifier state.
func (e *Registry) Forget(connID uuid.UUID) {
	if e.limiter != nil {
		e.limiter.forget(connID)
	}
}

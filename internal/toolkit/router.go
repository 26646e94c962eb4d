package toolkit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Observer is told about every dispatch, successful or not. res is never
// nil.
type Observer interface {
	Observe(ctx context.Context, req *Request, res *Result, err error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, req *Request, res *Result, err error)

func (f ObserverFunc) Observe(ctx context.Context, req *Request, res *Result, err error) {
	f(ctx, req, res, err)
}

type entry struct {
	handler      Handler
	description  string
	requiresIEEE bool
}

// Router maps command names to handlers. It is safe for concurrent use;
// dispatches are not serialized.
type Router struct {
	mu        sync.RWMutex
	handlers  map[string]entry
	observers []Observer

	app      App
	listener Listener
	strict   bool
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithApp sets the network controller passed to handlers.
func WithApp(app App) Option { return func(r *Router) { r.app = app } }

// WithListener sets the event gateway passed to handlers.
func WithListener(l Listener) Option { return func(r *Router) { r.listener = l } }

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithStrictLookup makes unknown commands fail with ErrUnknownCommand
// instead of running the default handler.
func WithStrictLookup() Option { return func(r *Router) { r.strict = true } }

// WithObserver adds a dispatch observer.
func WithObserver(o Observer) Option {
	return func(r *Router) { r.observers = append(r.observers, o) }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option { return func(r *Router) { r.tracer = t } }

// HandlerOption configures a registration.
type HandlerOption func(*entry)

// RequiresIEEE declares that the handler needs a resolved device.
func RequiresIEEE() HandlerOption { return func(e *entry) { e.requiresIEEE = true } }

// Describe sets the one-line description shown in command listings.
func Describe(desc string) HandlerOption { return func(e *entry) { e.description = desc } }

// NewRouter returns an empty router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		handlers: make(map[string]entry),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("zigbee-toolkit/toolkit")
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// Register adds a handler under name. Empty and duplicate names are
// rejected.
func (r *Router) Register(name string, h Handler, opts ...HandlerOption) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("register: empty command name")
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}
	e := entry{handler: h}
	for _, o := range opts {
		o(&e)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return fmt.Errorf("register %q: already registered", name)
	}
	r.handlers[name] = e
	return nil
}

// MustRegister is Register that panics on error.
func (r *Router) MustRegister(name string, h Handler, opts ...HandlerOption) {
	if err := r.Register(name, h, opts...); err != nil {
		panic(err)
	}
}

// AddObserver adds a dispatch observer after construction.
func (r *Router) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Lookup returns the handler registered under name.
func (r *Router) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	e, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return e.handler, nil
}

// Commands lists registered commands sorted by name.
func (r *Router) Commands() []CommandInfo {
	r.mu.RLock()
	out := make([]CommandInfo, 0, len(r.handlers))
	for name, e := range r.handlers {
		out = append(out, CommandInfo{Name: name, Description: e.description, RequiresIEEE: e.requiresIEEE})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch runs the handler for req.Command. The result is returned even
// on failure so callers can report its ID and timing.
func (r *Router) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidData)
	}
	if req.ID == "" {
		req.ID = newID()
	}

	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "toolkit.execute", trace.WithAttributes(
		attribute.String("toolkit.command", req.Command),
		attribute.String("toolkit.request_id", req.ID),
		attribute.String("toolkit.origin", req.Origin),
	))
	defer span.End()

	res := &Result{ID: req.ID, Command: req.Command, IEEE: req.IEEE, StartedAt: start}
	data, err := r.dispatch(ctx, req, res)
	res.Data = data
	res.Duration = time.Since(start)
	res.DurationMS = res.Duration.Milliseconds()

	if res.IEEE != "" {
		span.SetAttributes(attribute.String("toolkit.ieee", res.IEEE))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn("command failed", "id", req.ID, "command", req.Command, "ieee", res.IEEE,
			"origin", req.Origin, "duration", res.Duration, "err", err)
	} else {
		r.logger.Info("command executed", "id", req.ID, "command", req.Command, "ieee", res.IEEE,
			"origin", req.Origin, "duration", res.Duration)
	}

	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range observers {
		o.Observe(ctx, req, res, err)
	}
	return res, err
}

func (r *Router) dispatch(ctx context.Context, req *Request, res *Result) (interface{}, error) {
	e := entry{handler: r.defaultHandler}
	if req.Command != "" {
		r.mu.RLock()
		found, ok := r.handlers[req.Command]
		r.mu.RUnlock()
		switch {
		case ok:
			e = found
			res.Matched = true
		case r.strict:
			return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command)
		default:
			r.logger.Warn("unknown command, running default handler", "command", req.Command)
		}
	}

	inv := &Invocation{
		App:      r.app,
		Listener: r.listener,
		Command:  req.Command,
		Data:     req.Data,
		Request:  req,
		Logger:   r.logger.With("command", req.Command, "id", req.ID),
	}

	if ref := strings.TrimSpace(req.IEEE); ref != "" {
		if r.app == nil {
			return nil, fmt.Errorf("%w: %q: no network controller", ErrDeviceNotFound, ref)
		}
		ieee, err := r.app.ResolveIEEE(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrDeviceNotFound, ref, err)
		}
		inv.IEEE = ieee
		inv.HasIEEE = true
		res.IEEE = ieee.String()
	}

	if e.requiresIEEE && !inv.HasIEEE {
		return nil, fmt.Errorf("%w: %s", ErrMissingIEEE, req.Command)
	}

	return e.handler(ctx, inv)
}

func (r *Router) defaultHandler(ctx context.Context, inv *Invocation) (interface{}, error) {
	inv.Logger.Info("default handler", "ieee", inv.Request.IEEE, "data", inv.Data, "params", inv.Request.Params)
	return nil, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

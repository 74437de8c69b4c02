/*
Copyright 2024 The Crossplane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/tushardashpute/crossplane-demo/internal/store"
)

const (
	defaultTimeout     = 2 * time.Minute
	defaultBaseBackoff = 100 * time.Millisecond
	defaultMaxBackoff  = time.Minute
	backoffJitter      = 0.1
)

// A MapFunc maps a store event to requests for a controller of another kind.
// Map functions run on the store's event path and must not block.
type MapFunc func(e store.Event) []Request

type controller struct {
	kind  string
	r     Reconciler
	queue workqueue.RateLimitingInterface
}

type mapping struct {
	controlled string
	fn         MapFunc
}

// An Engine routes store events to reconcilers. Each controlled kind gets its
// own work queue. Requests for the same key coalesce while queued, and a key
// is never reconciled by two workers at once, so reconcilers observe their
// own writes.
type Engine struct {
	store       *store.Store
	controllers map[string]*controller
	maps        map[string][]mapping

	timeout time.Duration
	base    time.Duration
	cap     time.Duration

	log logging.Logger
}

// An Option configures an Engine.
type Option func(*Engine)

// WithLogger configures how the Engine should log.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithTimeout configures the deadline applied to each reconcile pass.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithBackoff configures the per-key retry backoff. Retries start at base and
// double, jittered, up to cap. The backoff resets once a key reconciles
// cleanly.
func WithBackoff(base, cap time.Duration) Option {
	return func(e *Engine) {
		e.base = base
		e.cap = cap
	}
}

// New returns an Engine that routes events from the supplied store.
func New(s *store.Store, o ...Option) *Engine {
	e := &Engine{
		store:       s,
		controllers: map[string]*controller{},
		maps:        map[string][]mapping{},
		timeout:     defaultTimeout,
		base:        defaultBaseBackoff,
		cap:         defaultMaxBackoff,
		log:         logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(e)
	}
	return e
}

// Control registers a reconciler for the supplied kind. Events for that kind
// enqueue the changed object's key. Must be called before Start.
func (e *Engine) Control(kind string, r Reconciler) {
	e.controllers[kind] = &controller{
		kind:  kind,
		r:     r,
		queue: workqueue.NewNamedRateLimitingQueue(e.limiter(), kind),
	}
}

// Map registers a function mapping events for the supplied kind to requests
// for the controller of the supplied controlled kind. Must be called before
// Start.
func (e *Engine) Map(kind, controlled string, fn MapFunc) {
	e.maps[kind] = append(e.maps[kind], mapping{controlled: controlled, fn: fn})
}

func (e *Engine) limiter() workqueue.RateLimiter {
	return &jitteredLimiter{inner: workqueue.NewItemExponentialFailureRateLimiter(e.base, e.cap)}
}

// A jitteredLimiter spreads a rate limiter's delays so keys that fail
// together don't retry in lockstep.
type jitteredLimiter struct {
	inner workqueue.RateLimiter
}

func (l *jitteredLimiter) When(item any) time.Duration {
	return wait.Jitter(l.inner.When(item), backoffJitter)
}

func (l *jitteredLimiter) Forget(item any)          { l.inner.Forget(item) }
func (l *jitteredLimiter) NumRequeues(item any) int { return l.inner.NumRequeues(item) }

// Start runs the engine until the supplied context is cancelled. Every stored
// object of a controlled kind gets an initial reconcile pass, then passes are
// driven by store events. Start returns once all workers have drained.
func (e *Engine) Start(ctx context.Context, workers int) error {
	e.store.Watch(e.route)

	for kind, c := range e.controllers {
		for _, o := range e.store.List(ctx, kind) {
			c.queue.Add(Request{NamespacedName: types.NamespacedName{Namespace: o.GetNamespace(), Name: o.GetName()}})
		}
	}

	go func() {
		<-ctx.Done()
		for _, c := range e.controllers {
			c.queue.ShutDown()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range e.controllers {
		c := c
		for i := 0; i < workers; i++ {
			g.Go(func() error {
				e.worker(ctx, c)
				return nil
			})
		}
	}
	return g.Wait()
}

// route fans a store event out to the interested queues. It runs on the
// writer's goroutine and only enqueues.
func (e *Engine) route(ev store.Event) {
	if c, ok := e.controllers[ev.Kind]; ok {
		c.queue.Add(Request{NamespacedName: ev.Key})
	}

	// A change to a resource composed by a controlled resource is a reason
	// to reconcile its controller.
	if ev.Object != nil {
		if ref := metav1.GetControllerOf(ev.Object); ref != nil {
			if c, ok := e.controllers[ref.Kind]; ok {
				c.queue.Add(Request{NamespacedName: types.NamespacedName{Name: ref.Name}})
			}
		}
	}

	for _, m := range e.maps[ev.Kind] {
		c, ok := e.controllers[m.controlled]
		if !ok {
			continue
		}
		for _, req := range m.fn(ev) {
			c.queue.Add(req)
		}
	}
}

func (e *Engine) worker(ctx context.Context, c *controller) {
	for {
		item, shutdown := c.queue.Get()
		if shutdown {
			return
		}
		e.process(ctx, c, item.(Request))
	}
}

func (e *Engine) process(ctx context.Context, c *controller, req Request) {
	defer c.queue.Done(req)

	log := e.log.WithValues("controller", c.kind, "request", req.String())

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := c.r.Reconcile(rctx, req)
	switch {
	case err != nil:
		log.Info("Reconcile failed, backing off", "error", err, "failures", c.queue.NumRequeues(req))
		c.queue.AddRateLimited(req)
	case res.RequeueAfter > 0:
		c.queue.Forget(req)
		c.queue.AddAfter(req, res.RequeueAfter)
	case res.Requeue:
		c.queue.AddRateLimited(req)
	default:
		c.queue.Forget(req)
	}
}

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

// Package engine runs reconcilers against the resource store. Each controlled
// kind gets a rate limited work queue; events for a resource coalesce to a
// single queued key, and each key is reconciled by at most one worker at a
// time.
package engine

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/types"
)

// A Request asks a reconciler to reconcile the resource with the supplied
// key. A request carries no payload beyond the key; reconcilers read the
// latest state from the store.
type Request struct {
	types.NamespacedName
}

// A Result indicates whether a reconcile pass should be rerun even though no
// new event arrived.
type Result struct {
	// Requeue the request, subject to rate limiting.
	Requeue bool

	// RequeueAfter requeues the request after the supplied duration.
	// Takes precedence over Requeue.
	RequeueAfter time.Duration
}

// A Reconciler reconciles the resource identified by a request. Reconcilers
// are level triggered: they converge on the latest stored state regardless
// of which events led to the request.
type Reconciler interface {
	Reconcile(ctx context.Context, req Request) (Result, error)
}

// A ReconcilerFn reconciles the resource identified by a request.
type ReconcilerFn func(ctx context.Context, req Request) (Result, error)

// Reconcile the resource identified by the supplied request.
func (fn ReconcilerFn) Reconcile(ctx context.Context, req Request) (Result, error) {
	return fn(ctx, req)
}

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

package composite

import (
	"context"
	"fmt"
	"strings"
	"time"

	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"

	xpv1 "github.com/crossplane/crossplane-runtime/apis/common/v1"
	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/event"
	"github.com/crossplane/crossplane-runtime/pkg/fieldpath"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/crossplane/crossplane-runtime/pkg/meta"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	"github.com/tushardashpute/crossplane-demo/internal/engine"
)

const (
	finalizer = "composite.apiextensions.crossplane.io"

	errGet             = "cannot get composite resource"
	errSelectComp      = "cannot select composition"
	errFetchComp       = "cannot fetch composition"
	errValidateComp    = "invalid composition"
	errCompose         = "cannot compose resources"
	errPublish         = "cannot publish connection details"
	errUpdateStatus    = "cannot update composite resource status"
	errAddFinalizer    = "cannot add composite resource finalizer"
	errRemoveFinalizer = "cannot remove composite resource finalizer"

	errFmtCompositionTypeMismatch = "composition %q is compatible with %q, not %q"
)

// Lifecycle phases of a composite resource, recorded in status.phase.
const (
	PhasePending   = "Pending"
	PhaseComposing = "Composing"
	PhaseSyncing   = "Syncing"
	PhaseReady     = "Ready"
	PhaseDegraded  = "Degraded"
	PhaseFailed    = "Failed"
)

// Event reasons.
const (
	reasonResolve event.Reason = "SelectComposition"
	reasonInit    event.Reason = "InitializeCompositeResource"
	reasonDelete  event.Reason = "DeleteCompositeResource"
	reasonPublish event.Reason = "PublishConnectionSecret"
)

// A ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithLogger specifies how the Reconciler should log messages.
func WithLogger(l logging.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.log = l
	}
}

// WithRecorder specifies how the Reconciler should record events.
func WithRecorder(er event.Recorder) ReconcilerOption {
	return func(r *Reconciler) {
		r.record = er
	}
}

// WithComposer specifies how the Reconciler should compose resources.
func WithComposer(c Composer) ReconcilerOption {
	return func(r *Reconciler) {
		r.composite = c
	}
}

// WithCompositionFetcher specifies how the Reconciler should fetch the
// composition a composite resource references.
func WithCompositionFetcher(f CompositionFetcher) ReconcilerOption {
	return func(r *Reconciler) {
		r.composition.CompositionFetcher = f
	}
}

// WithCompositionSelector specifies how the Reconciler should select a
// composition for a composite resource that does not reference one.
func WithCompositionSelector(s CompositionSelector) ReconcilerOption {
	return func(r *Reconciler) {
		r.composition.CompositionSelector = s
	}
}

// WithConnectionPublisher specifies how the Reconciler should publish
// connection details.
func WithConnectionPublisher(p ConnectionPublisher) ReconcilerOption {
	return func(r *Reconciler) {
		r.connection = p
	}
}

type compositionState struct {
	CompositionFetcher
	CompositionSelector
}

// A Reconciler reconciles composite resources of a single kind. It drives
// each composite through its lifecycle: select and fetch a composition, run
// its function pipeline, converge composed resources, derive readiness, and
// publish connection details.
type Reconciler struct {
	store Store
	gvk   schema.GroupVersionKind

	composition compositionState
	composite   Composer
	connection  ConnectionPublisher

	log    logging.Logger
	record event.Recorder
}

// NewReconciler returns a Reconciler for composite resources of the supplied
// kind, composed by running functions with the supplied runner.
func NewReconciler(s Store, of schema.GroupVersionKind, fr FunctionRunner, o ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store: s,
		gvk:   of,
		composition: compositionState{
			CompositionFetcher:  NewStoreCompositionFetcher(s),
			CompositionSelector: NewTypeCompositionSelector(s),
		},
		composite:  NewFunctionComposer(s, fr),
		connection: NewSecretConnectionPublisher(s),
		log:        logging.NewNopLogger(),
		record:     event.NewNopRecorder(),
	}

	for _, fn := range o {
		fn(r)
	}

	return r
}

// Reconcile a composite resource.
func (r *Reconciler) Reconcile(ctx context.Context, req engine.Request) (engine.Result, error) { //nolint:gocognit // See note on FunctionComposer.Compose.
	log := r.log.WithValues("request", req.String())

	u, err := r.store.Get(ctx, r.gvk.Kind, req.NamespacedName)
	if kerrors.IsNotFound(err) {
		// Nothing to do. Deletion has already completed.
		return engine.Result{}, nil
	}
	if err != nil {
		return engine.Result{}, errors.Wrap(err, errGet)
	}

	orig := u.DeepCopy()
	xr := composite.New(composite.WithGroupVersionKind(r.gvk))
	xr.Object = u.Object

	log = log.WithValues("uid", xr.GetUID(), "version", xr.GetResourceVersion())

	if meta.WasDeleted(xr) {
		return r.delete(ctx, log, xr, orig)
	}

	if !meta.FinalizerExists(xr, finalizer) {
		meta.AddFinalizer(xr, finalizer)
		setPhase(xr, PhasePending)
		out, err := r.store.Upsert(ctx, xr.GetUnstructured())
		if kerrors.IsConflict(err) {
			return engine.Result{Requeue: true}, nil
		}
		if err != nil {
			return engine.Result{}, errors.Wrap(err, errAddFinalizer)
		}
		xr.SetResourceVersion(out.GetResourceVersion())
	}

	if err := r.composition.SelectComposition(ctx, xr); err != nil {
		log.Debug(errSelectComp, "error", err)
		r.record.Event(xr, event.Warning(reasonResolve, err))
		return engine.Result{}, errors.Wrap(r.fail(ctx, xr, orig, err), errSelectComp)
	}

	comp, err := r.composition.Fetch(ctx, xr.GetCompositionReference().Name)
	if err != nil {
		log.Debug(errFetchComp, "error", err)
		r.record.Event(xr, event.Warning(reasonResolve, err))
		return engine.Result{}, errors.Wrap(r.fail(ctx, xr, orig, err), errFetchComp)
	}

	if errs := comp.Validate(); len(errs) > 0 {
		err := errors.Wrap(errs.ToAggregate(), errValidateComp)
		r.record.Event(xr, event.Warning(reasonResolve, err))
		return engine.Result{}, r.fail(ctx, xr, orig, err)
	}

	// A composition is only usable if it's compatible with this kind.
	if ref := comp.Spec.CompositeTypeRef.GroupVersionKind(); ref != r.gvk {
		err := errors.Errorf(errFmtCompositionTypeMismatch, comp.GetName(), ref.Kind, r.gvk.Kind)
		r.record.Event(xr, event.Warning(reasonResolve, err))
		return engine.Result{}, r.fail(ctx, xr, orig, err)
	}

	// A composite that already reached Syncing, Degraded or Ready keeps
	// its phase while it re-composes. Recording Composing on every pass
	// would write the composite twice per pass and re-trigger it forever.
	if p := phase(xr); p != PhaseReady && p != PhaseSyncing && p != PhaseDegraded {
		setPhase(xr, PhaseComposing)
	}

	res, err := r.composite.Compose(ctx, xr, CompositionRequest{Composition: comp})
	if err != nil {
		if kerrors.IsConflict(err) {
			// Our snapshot of the composite went stale mid-pass.
			// Start over with fresh state.
			log.Debug("Composite resource was concurrently updated", "error", err)
			return engine.Result{Requeue: true}, nil
		}

		log.Debug(errCompose, "error", err)
		r.record.Event(xr, event.Warning(reasonCompose, err))
		setPhase(xr, PhaseFailed)
		xr.SetConditions(xpv1.ReconcileError(errors.Wrap(err, errCompose)))
		_ = r.persist(ctx, xr, orig)
		return engine.Result{}, errors.Wrap(err, errCompose)
	}

	for _, e := range res.Events {
		log.Debug(e.Message)
		r.record.Event(xr, e)
	}

	unready := make([]string, 0, len(res.Composed))
	for _, cd := range res.Composed {
		if !cd.Ready || !cd.Synced {
			unready = append(unready, string(cd.ResourceName))
		}
	}

	xr.SetConditions(xpv1.ReconcileSuccess())

	if len(unready) > 0 {
		// The first unready pass is Syncing. Staying unready across
		// passes degrades the composite until its resources converge.
		next := PhaseSyncing
		if p := phase(xr); p == PhaseSyncing || p == PhaseDegraded {
			next = PhaseDegraded
		}
		setPhase(xr, next)
		xr.SetConditions(xpv1.Creating().WithMessage(fmt.Sprintf("Unready resources: %s", strings.Join(unready, ", "))))
		if err := r.persist(ctx, xr, orig); err != nil {
			return engine.Result{}, errors.Wrap(err, errUpdateStatus)
		}
		// Level triggered: keep converging until everything is ready.
		return engine.Result{Requeue: true}, nil
	}

	setPhase(xr, PhaseReady)
	xr.SetConditions(xpv1.Available())

	published, err := r.connection.PublishConnection(ctx, xr, res.ConnectionDetails)
	if err != nil {
		log.Debug(errPublish, "error", err)
		r.record.Event(xr, event.Warning(reasonPublish, err))
		return engine.Result{}, errors.Wrap(err, errPublish)
	}
	if published {
		xr.SetConnectionDetailsLastPublishedTime(&metav1.Time{Time: time.Now()})
		r.record.Event(xr, event.Normal(reasonPublish, "Successfully published connection details"))
	}

	if err := r.persist(ctx, xr, orig); err != nil {
		return engine.Result{}, errors.Wrap(err, errUpdateStatus)
	}

	log.Debug("Successfully reconciled composite resource", "phase", PhaseReady)
	return engine.Result{}, nil
}

// delete cascades deletion to all composed resources. The composite keeps its
// finalizer, and thus remains visible, until every composed resource is gone.
// A composed resource whose own deletion is blocked by a finalizer blocks the
// composite too.
func (r *Reconciler) delete(ctx context.Context, log logging.Logger, xr *composite.Unstructured, orig *unstructured.Unstructured) (engine.Result, error) {
	pending := 0

	for _, cd := range r.store.ListOwnedBy(ctx, xr.GetUID()) {
		pending++

		if meta.WasDeleted(cd) {
			// Deletion is already in progress, blocked by a
			// finalizer someone else must remove.
			continue
		}

		key := types.NamespacedName{Namespace: cd.GetNamespace(), Name: cd.GetName()}
		if err := r.store.Delete(ctx, cd.GetKind(), key); err != nil && !kerrors.IsNotFound(err) {
			r.record.Event(xr, event.Warning(reasonDelete, err))
			return engine.Result{}, errors.Wrap(err, errDeleteComposed)
		}
		if _, err := r.store.Get(ctx, cd.GetKind(), key); kerrors.IsNotFound(err) {
			pending--
		}
	}

	if pending > 0 {
		log.Debug("Waiting for composed resources to be deleted", "pending", pending)
		xr.SetConditions(xpv1.Deleting())
		_ = r.persist(ctx, xr, orig)
		return engine.Result{Requeue: true}, nil
	}

	meta.RemoveFinalizer(xr, finalizer)
	if _, err := r.store.Upsert(ctx, xr.GetUnstructured()); err != nil && !kerrors.IsNotFound(err) {
		if kerrors.IsConflict(err) {
			return engine.Result{Requeue: true}, nil
		}
		return engine.Result{}, errors.Wrap(err, errRemoveFinalizer)
	}

	log.Debug("Successfully deleted composite resource")
	return engine.Result{}, nil
}

// fail records a terminal failure on the composite. Terminal failures are not
// requeued; they persist until the composite or its composition changes.
func (r *Reconciler) fail(ctx context.Context, xr *composite.Unstructured, orig *unstructured.Unstructured, err error) error {
	setPhase(xr, PhaseFailed)
	xr.SetConditions(xpv1.ReconcileError(err))
	return errors.Wrap(r.persist(ctx, xr, orig), errUpdateStatus)
}

// persist writes the composite back to the store. Transition times of
// conditions that did not actually transition are restored first, so a pass
// that changed nothing results in no write and no new event. A conflict is
// not an error; the next pass converges from fresh state.
func (r *Reconciler) persist(ctx context.Context, xr *composite.Unstructured, orig *unstructured.Unstructured) error {
	preserveTransitionTimes(orig.Object, xr.Object)
	_, err := r.store.Upsert(ctx, xr.GetUnstructured())
	if kerrors.IsConflict(err) {
		return nil
	}
	return err
}

func preserveTransitionTimes(orig, updated map[string]any) {
	ov, _ := fieldpath.Pave(orig).GetValue("status.conditions")
	nv, _ := fieldpath.Pave(updated).GetValue("status.conditions")
	olist, _ := ov.([]any)
	nlist, _ := nv.([]any)

	for _, n := range nlist {
		nc, ok := n.(map[string]any)
		if !ok {
			continue
		}
		for _, o := range olist {
			oc, ok := o.(map[string]any)
			if !ok || oc["type"] != nc["type"] {
				continue
			}
			if oc["status"] == nc["status"] && oc["reason"] == nc["reason"] && oc["message"] == nc["message"] {
				nc["lastTransitionTime"] = oc["lastTransitionTime"]
			}
		}
	}
}

func setPhase(xr *composite.Unstructured, phase string) {
	_ = fieldpath.Pave(xr.Object).SetString("status.phase", phase)
}

func phase(xr *composite.Unstructured) string {
	p, _ := fieldpath.Pave(xr.Object).GetString("status.phase")
	return p
}

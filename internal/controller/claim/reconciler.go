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

// Package claim implements composite resource claims: the namespaced proxy
// through which a tenant requests a composite resource. The claim reconciler
// validates claims against their registered schema, binds each claim to a
// composite resource it creates on the claim's behalf, and propagates the
// composite's status and connection details back to the claim.
package claim

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"

	xpv1 "github.com/crossplane/crossplane-runtime/apis/common/v1"
	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/event"
	"github.com/crossplane/crossplane-runtime/pkg/fieldpath"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/crossplane/crossplane-runtime/pkg/meta"
	claimresource "github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/claim"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	"github.com/tushardashpute/crossplane-demo/internal/engine"
	"github.com/tushardashpute/crossplane-demo/internal/names"
)

const (
	finalizer = "claim.apiextensions.crossplane.io"

	errGetClaim        = "cannot get claim"
	errGetComposite    = "cannot get bound composite resource"
	errDeleteComposite = "cannot delete bound composite resource"
	errBindClaim       = "cannot bind claim to composite resource"
	errApplyComposite  = "cannot apply composite resource"
	errConfigure       = "cannot configure composite resource"
	errPropagate       = "cannot propagate status to claim"
	errPropagateCDs    = "cannot propagate connection details to claim"
	errUpdateClaim     = "cannot update claim"
	errAddFinalizer    = "cannot add claim finalizer"
	errRemoveFinalizer = "cannot remove claim finalizer"
	errGenerateXRName  = "cannot generate a name for composite resource"
)

// Event reasons.
const (
	reasonValidate  event.Reason = "ValidateClaim"
	reasonBind      event.Reason = "BindCompositeResource"
	reasonDelete    event.Reason = "DeleteCompositeResource"
	reasonPropagate event.Reason = "PropagateConnectionSecret"
)

// Condition reasons specific to claims.
const (
	ReasonInvalidSpec xpv1.ConditionReason = "InvalidSpec"
	ReasonWaiting     xpv1.ConditionReason = "Waiting"
)

// Waiting returns a condition indicating that the claim is bound, but its
// composite resource is not yet ready.
func Waiting() xpv1.Condition {
	return xpv1.Condition{
		Type:               xpv1.TypeReady,
		Status:             corev1.ConditionFalse,
		LastTransitionTime: metav1.Now(),
		Reason:             ReasonWaiting,
		Message:            "Claim is waiting for composite resource to become ready",
	}
}

// InvalidSpec returns a condition indicating that the claim was rejected by
// its schema. Nothing is provisioned for an invalid claim.
func InvalidSpec(errs field.ErrorList) xpv1.Condition {
	return xpv1.Condition{
		Type:               xpv1.TypeSynced,
		Status:             corev1.ConditionFalse,
		LastTransitionTime: metav1.Now(),
		Reason:             ReasonInvalidSpec,
		Message:            errs.ToAggregate().Error(),
	}
}

// A Store is the subset of resource store operations the claim reconciler
// needs.
type Store interface {
	Get(ctx context.Context, kind string, key types.NamespacedName) (*unstructured.Unstructured, error)
	Upsert(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Delete(ctx context.Context, kind string, key types.NamespacedName) error
}

// A SchemaValidator validates a resource document against the schema
// registered for its kind, returning the validated and defaulted document.
type SchemaValidator interface {
	Validate(gvk schema.GroupVersionKind, obj *unstructured.Unstructured) (*unstructured.Unstructured, field.ErrorList)
}

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

// WithCompositeConfigurator specifies how the Reconciler should configure the
// composite resource it creates for a claim.
func WithCompositeConfigurator(c CompositeConfigurator) ReconcilerOption {
	return func(r *Reconciler) {
		r.composite = c
	}
}

// WithClaimConfigurator specifies how the Reconciler should propagate a
// composite resource's status back to its claim.
func WithClaimConfigurator(c ClaimConfigurator) ReconcilerOption {
	return func(r *Reconciler) {
		r.claim = c
	}
}

// WithConnectionPropagator specifies how the Reconciler should propagate
// connection details from a composite resource to its claim.
func WithConnectionPropagator(p ConnectionPropagator) ReconcilerOption {
	return func(r *Reconciler) {
		r.connection = p
	}
}

// WithNameGenerator specifies how the Reconciler should name the composite
// resources it creates.
func WithNameGenerator(g names.NameGenerator) ReconcilerOption {
	return func(r *Reconciler) {
		r.names = g
	}
}

// A Reconciler reconciles claims of a single kind with the composite
// resources they are bound to.
type Reconciler struct {
	store    Store
	gvk      schema.GroupVersionKind
	xrGVK    schema.GroupVersionKind
	registry SchemaValidator

	composite  CompositeConfigurator
	claim      ClaimConfigurator
	connection ConnectionPropagator
	names      names.NameGenerator

	log    logging.Logger
	record event.Recorder
}

// NewReconciler returns a Reconciler that reconciles claims of the supplied
// kind with composite resources of the supplied kind, validating them with
// the supplied schema validator.
func NewReconciler(s Store, of schema.GroupVersionKind, with schema.GroupVersionKind, v SchemaValidator, o ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:      s,
		gvk:        of,
		xrGVK:      with,
		registry:   v,
		composite:  CompositeConfiguratorFn(ConfigureComposite),
		claim:      ClaimConfiguratorFn(ConfigureClaim),
		connection: NewSecretConnectionPropagator(s),
		names:      names.NewNameGenerator(s),
		log:        logging.NewNopLogger(),
		record:     event.NewNopRecorder(),
	}

	for _, fn := range o {
		fn(r)
	}

	return r
}

// Reconcile a claim with its bound composite resource.
func (r *Reconciler) Reconcile(ctx context.Context, req engine.Request) (engine.Result, error) { //nolint:gocognit // See note on FunctionComposer.Compose.
	log := r.log.WithValues("request", req.String())

	u, err := r.store.Get(ctx, r.gvk.Kind, req.NamespacedName)
	if kerrors.IsNotFound(err) {
		return engine.Result{}, nil
	}
	if err != nil {
		return engine.Result{}, errors.Wrap(err, errGetClaim)
	}

	orig := u.DeepCopy()
	cm := claimresource.New(claimresource.WithGroupVersionKind(r.gvk))
	cm.Object = u.Object

	log = log.WithValues("uid", cm.GetUID(), "version", cm.GetResourceVersion())

	if meta.WasDeleted(cm) {
		return r.delete(ctx, log, cm, orig)
	}

	if !meta.FinalizerExists(cm, finalizer) {
		meta.AddFinalizer(cm, finalizer)
		out, err := r.store.Upsert(ctx, cm.GetUnstructured())
		if kerrors.IsConflict(err) {
			return engine.Result{Requeue: true}, nil
		}
		if err != nil {
			return engine.Result{}, errors.Wrap(err, errAddFinalizer)
		}
		cm.SetResourceVersion(out.GetResourceVersion())
	}

	// An invalid claim provisions nothing. The rejection persists on the
	// claim until its spec changes.
	validated, verrs := r.registry.Validate(r.gvk, cm.GetUnstructured())
	if len(verrs) > 0 {
		log.Debug("Claim rejected by schema", "violations", verrs.ToAggregate().Error())
		r.record.Event(cm, event.Warning(reasonValidate, verrs.ToAggregate()))
		cm.SetConditions(InvalidSpec(verrs))
		return engine.Result{}, errors.Wrap(r.persist(ctx, cm, orig), errUpdateClaim)
	}

	// Defaults applied by validation configure the composite, but are not
	// written back to the claim. The claim's spec belongs to its author.
	vcm := claimresource.New(claimresource.WithGroupVersionKind(r.gvk))
	vcm.Object = validated.Object

	xr := composite.New(composite.WithGroupVersionKind(r.xrGVK))
	if ref := cm.GetResourceReference(); ref != nil && ref.Name != "" {
		got, err := r.store.Get(ctx, ref.Kind, types.NamespacedName{Name: ref.Name})
		if err != nil && !kerrors.IsNotFound(err) {
			return engine.Result{}, errors.Wrap(err, errGetComposite)
		}
		if err == nil {
			xr.Object = got.Object
		}
	}

	if xr.GetName() == "" {
		xr.SetGenerateName(fmt.Sprintf("%s-%s-", cm.GetNamespace(), cm.GetName()))
		if err := r.names.GenerateName(ctx, xr.GetUnstructured()); err != nil {
			return engine.Result{}, errors.Wrap(err, errGenerateXRName)
		}
	}

	if err := r.composite.Configure(ctx, vcm, xr); err != nil {
		r.record.Event(cm, event.Warning(reasonBind, err))
		return engine.Result{}, errors.Wrap(err, errConfigure)
	}
	xr.SetClaimReference(&claimresource.Reference{
		APIVersion: cm.GetAPIVersion(),
		Kind:       cm.GetKind(),
		Namespace:  cm.GetNamespace(),
		Name:       cm.GetName(),
	})

	// Record the binding on the claim before creating the composite. If
	// the composite were created first and recording the binding failed,
	// the next pass would create another one.
	if ref := cm.GetResourceReference(); ref == nil || ref.Name != xr.GetName() {
		cm.SetResourceReference(&corev1.ObjectReference{
			APIVersion: xr.GetAPIVersion(),
			Kind:       xr.GetKind(),
			Name:       xr.GetName(),
		})
		out, err := r.store.Upsert(ctx, cm.GetUnstructured())
		if kerrors.IsConflict(err) {
			return engine.Result{Requeue: true}, nil
		}
		if err != nil {
			return engine.Result{}, errors.Wrap(err, errBindClaim)
		}
		cm.SetResourceVersion(out.GetResourceVersion())
		r.record.Event(cm, event.Normal(reasonBind, fmt.Sprintf("Bound to composite resource %q", xr.GetName())))
	}

	if _, err := r.store.Upsert(ctx, xr.GetUnstructured()); err != nil {
		if kerrors.IsConflict(err) {
			return engine.Result{Requeue: true}, nil
		}
		r.record.Event(cm, event.Warning(reasonBind, err))
		return engine.Result{}, errors.Wrap(err, errApplyComposite)
	}

	if err := r.claim.Configure(ctx, xr, cm); err != nil {
		return engine.Result{}, errors.Wrap(err, errPropagate)
	}

	// The claim mirrors its composite's sync status, so a failing pipeline
	// stays visible to the claim's author.
	if c := xr.GetCondition(xpv1.TypeSynced); c.Status == corev1.ConditionFalse {
		cm.SetConditions(c)
	} else {
		cm.SetConditions(xpv1.ReconcileSuccess())
	}

	if xr.GetCondition(xpv1.TypeReady).Status != corev1.ConditionTrue {
		cm.SetConditions(Waiting())
		if err := r.persist(ctx, cm, orig); err != nil {
			return engine.Result{}, errors.Wrap(err, errUpdateClaim)
		}
		return engine.Result{Requeue: true}, nil
	}

	cm.SetConditions(xpv1.Available())

	propagated, err := r.connection.PropagateConnection(ctx, cm, xr)
	if err != nil {
		r.record.Event(cm, event.Warning(reasonPropagate, err))
		return engine.Result{}, errors.Wrap(err, errPropagateCDs)
	}
	if propagated {
		cm.SetConnectionDetailsLastPublishedTime(&metav1.Time{Time: metav1.Now().Time})
		r.record.Event(cm, event.Normal(reasonPropagate, "Successfully propagated connection details"))
	}

	if err := r.persist(ctx, cm, orig); err != nil {
		return engine.Result{}, errors.Wrap(err, errUpdateClaim)
	}

	log.Debug("Successfully reconciled claim")
	return engine.Result{}, nil
}

// delete cascades deletion to the bound composite resource. The claim keeps
// its finalizer until the composite, and thus everything the composite
// composed, is gone.
func (r *Reconciler) delete(ctx context.Context, log logging.Logger, cm *claimresource.Unstructured, orig *unstructured.Unstructured) (engine.Result, error) {
	if ref := cm.GetResourceReference(); ref != nil && ref.Name != "" {
		key := types.NamespacedName{Name: ref.Name}

		if err := r.store.Delete(ctx, ref.Kind, key); err != nil && !kerrors.IsNotFound(err) {
			r.record.Event(cm, event.Warning(reasonDelete, err))
			return engine.Result{}, errors.Wrap(err, errDeleteComposite)
		}

		if _, err := r.store.Get(ctx, ref.Kind, key); err == nil {
			// The composite is still draining its composed
			// resources.
			log.Debug("Waiting for composite resource to be deleted", "composite", ref.Name)
			cm.SetConditions(xpv1.Deleting())
			_ = r.persist(ctx, cm, orig)
			return engine.Result{Requeue: true}, nil
		}
	}

	meta.RemoveFinalizer(cm, finalizer)
	if _, err := r.store.Upsert(ctx, cm.GetUnstructured()); err != nil && !kerrors.IsNotFound(err) {
		if kerrors.IsConflict(err) {
			return engine.Result{Requeue: true}, nil
		}
		return engine.Result{}, errors.Wrap(err, errRemoveFinalizer)
	}

	log.Debug("Successfully deleted claim")
	return engine.Result{}, nil
}

// persist writes the claim back to the store, restoring the transition times
// of conditions that did not actually transition so an unchanged claim
// results in no write. Conflicts are left for the next pass.
func (r *Reconciler) persist(ctx context.Context, cm *claimresource.Unstructured, orig *unstructured.Unstructured) error {
	preserveTransitionTimes(orig.Object, cm.Object)
	_, err := r.store.Upsert(ctx, cm.GetUnstructured())
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

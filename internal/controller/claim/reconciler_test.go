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

package claim

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"

	xpv1 "github.com/crossplane/crossplane-runtime/apis/common/v1"
	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/fieldpath"
	claimresource "github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/claim"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	compositectrl "github.com/tushardashpute/crossplane-demo/internal/controller/composite"
	"github.com/tushardashpute/crossplane-demo/internal/engine"
	"github.com/tushardashpute/crossplane-demo/internal/store"
)

var (
	claimGVK = schema.GroupVersionKind{Group: "demo.crossplane.io", Version: "v1alpha1", Kind: "Database"}
	xrGVK    = schema.GroupVersionKind{Group: "demo.crossplane.io", Version: "v1alpha1", Kind: "XDatabase"}
)

type schemaValidatorFn func(gvk schema.GroupVersionKind, obj *unstructured.Unstructured) (*unstructured.Unstructured, field.ErrorList)

func (fn schemaValidatorFn) Validate(gvk schema.GroupVersionKind, obj *unstructured.Unstructured) (*unstructured.Unstructured, field.ErrorList) {
	return fn(gvk, obj)
}

// acceptAll admits any document unchanged, as a schema with no constraints
// would.
var acceptAll = schemaValidatorFn(func(_ schema.GroupVersionKind, obj *unstructured.Unstructured) (*unstructured.Unstructured, field.ErrorList) {
	return obj.DeepCopy(), nil
})

func newClaim(t *testing.T, s *store.Store) *claimresource.Unstructured {
	t.Helper()

	cm := claimresource.New(claimresource.WithGroupVersionKind(claimGVK))
	cm.SetNamespace("default")
	cm.SetName("prod")
	_ = fieldpath.Pave(cm.Object).SetValue("spec.parameters", map[string]any{"size": "medium"})
	cm.SetWriteConnectionSecretToReference(&xpv1.LocalSecretReference{Name: "prod-db-conn"})

	stored, err := s.Upsert(context.Background(), cm.GetUnstructured())
	if err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}
	cm.Object = stored.Object
	return cm
}

func claimKey() types.NamespacedName {
	return types.NamespacedName{Namespace: "default", Name: "prod"}
}

func boundXR(t *testing.T, s *store.Store) *unstructured.Unstructured {
	t.Helper()

	u, err := s.Get(context.Background(), claimGVK.Kind, claimKey())
	if err != nil {
		t.Fatalf("Get(claim): %v", err)
	}
	cm := claimresource.New(claimresource.WithGroupVersionKind(claimGVK))
	cm.Object = u.Object

	ref := cm.GetResourceReference()
	if ref == nil || ref.Name == "" {
		t.Fatal("claim has no composite resource reference")
	}
	xr, err := s.Get(context.Background(), ref.Kind, types.NamespacedName{Name: ref.Name})
	if err != nil {
		t.Fatalf("Get(composite): %v", err)
	}
	return xr
}

func TestClaimReconcileNotFound(t *testing.T) {
	r := NewReconciler(store.New(), claimGVK, xrGVK, acceptAll)

	got, err := r.Reconcile(context.Background(), engine.Request{NamespacedName: claimKey()})
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if got.Requeue {
		t.Error("Reconcile(...): want no requeue for an absent claim")
	}
}

func TestClaimReconcileInvalidSpecProvisionsNothing(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	reject := schemaValidatorFn(func(_ schema.GroupVersionKind, _ *unstructured.Unstructured) (*unstructured.Unstructured, field.ErrorList) {
		return nil, field.ErrorList{field.NotSupported(field.NewPath("spec", "parameters", "size"), "huge", []string{"small", "medium", "large"})}
	})

	newClaim(t, s)
	r := NewReconciler(s, claimGVK, xrGVK, reject)

	got, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()})
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if got.Requeue {
		t.Error("Reconcile(...): a rejected claim must not requeue")
	}

	if xrs := s.List(ctx, xrGVK.Kind); len(xrs) != 0 {
		t.Errorf("Reconcile(...): got %d composite resources for a rejected claim, want 0", len(xrs))
	}

	u, _ := s.Get(ctx, claimGVK.Kind, claimKey())
	cm := claimresource.New(claimresource.WithGroupVersionKind(claimGVK))
	cm.Object = u.Object
	if c := cm.GetCondition(xpv1.TypeSynced); c.Reason != ReasonInvalidSpec {
		t.Errorf("Reconcile(...): got synced condition reason %q, want %q", c.Reason, ReasonInvalidSpec)
	}
}

func TestClaimReconcileBindsAndWaits(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	newClaim(t, s)
	r := NewReconciler(s, claimGVK, xrGVK, acceptAll)

	got, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()})
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if !got.Requeue {
		t.Error("Reconcile(...): want a requeue while the composite is unready")
	}

	xru := boundXR(t, s)
	xr := composite.New(composite.WithGroupVersionKind(xrGVK))
	xr.Object = xru.Object

	// The composite carries the claim's parameters and points back at it.
	size, _ := fieldpath.Pave(xr.Object).GetString("spec.parameters.size")
	if size != "medium" {
		t.Errorf("Reconcile(...): got composite spec.parameters.size %q, want %q", size, "medium")
	}
	cref := xr.GetClaimReference()
	if cref == nil || cref.Namespace != "default" || cref.Name != "prod" {
		t.Errorf("Reconcile(...): got claim reference %+v, want default/prod", cref)
	}

	u, _ := s.Get(ctx, claimGVK.Kind, claimKey())
	cm := claimresource.New(claimresource.WithGroupVersionKind(claimGVK))
	cm.Object = u.Object
	if c := cm.GetCondition(xpv1.TypeReady); c.Reason != ReasonWaiting {
		t.Errorf("Reconcile(...): got ready condition reason %q, want %q", c.Reason, ReasonWaiting)
	}

	// Another pass must reuse the bound composite, not create a second one.
	if _, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()}); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if xrs := s.List(ctx, xrGVK.Kind); len(xrs) != 1 {
		t.Errorf("Reconcile(...): got %d composite resources, want 1", len(xrs))
	}
}

func TestClaimReconcileMirrorsCompositeSyncFailure(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	newClaim(t, s)
	r := NewReconciler(s, claimGVK, xrGVK, acceptAll)

	if _, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()}); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}

	// Mark the bound composite as failing to sync, as its own reconciler
	// would after a pipeline error.
	xru := boundXR(t, s)
	xr := composite.New(composite.WithGroupVersionKind(xrGVK))
	xr.Object = xru.Object
	xr.SetConditions(xpv1.ReconcileError(errors.New("cannot compose resources: boom")))
	if _, err := s.Upsert(ctx, xr.GetUnstructured()); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	if _, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()}); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}

	u, _ := s.Get(ctx, claimGVK.Kind, claimKey())
	cm := claimresource.New(claimresource.WithGroupVersionKind(claimGVK))
	cm.Object = u.Object
	c := cm.GetCondition(xpv1.TypeSynced)
	if c.Status != corev1.ConditionFalse {
		t.Errorf("Reconcile(...): got synced condition %q, want %q", c.Status, corev1.ConditionFalse)
	}
	if c.Reason != xpv1.ReasonReconcileError {
		t.Errorf("Reconcile(...): got synced condition reason %q, want %q", c.Reason, xpv1.ReasonReconcileError)
	}
}

func TestClaimReconcileReadyPropagatesConnection(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	newClaim(t, s)
	r := NewReconciler(s, claimGVK, xrGVK, acceptAll)

	if _, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()}); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}

	// Mark the bound composite ready, and give it a published connection
	// secret, as its own reconciler would.
	xru := boundXR(t, s)
	xr := composite.New(composite.WithGroupVersionKind(xrGVK))
	xr.Object = xru.Object
	xr.SetConditions(xpv1.Available())
	if _, err := s.Upsert(ctx, xr.GetUnstructured()); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	sref := xr.GetWriteConnectionSecretToReference()
	if sref == nil {
		t.Fatal("Reconcile(...): want the composite to be configured with a connection secret reference")
	}
	sec := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       compositectrl.SecretKind,
		"type":       compositectrl.SecretTypeConnection,
		"metadata":   map[string]any{"namespace": sref.Namespace, "name": sref.Name},
		"data":       map[string]any{"endpoint": "ZGIuZXhhbXBsZS5vcmc6NTQzMg=="},
	}}
	if _, err := s.Upsert(ctx, sec); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	got, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()})
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if got.Requeue {
		t.Error("Reconcile(...): want no requeue once the composite is ready")
	}

	u, _ := s.Get(ctx, claimGVK.Kind, claimKey())
	cm := claimresource.New(claimresource.WithGroupVersionKind(claimGVK))
	cm.Object = u.Object
	if c := cm.GetCondition(xpv1.TypeReady); c.Status != corev1.ConditionTrue {
		t.Errorf("Reconcile(...): got ready condition %q, want %q", c.Status, corev1.ConditionTrue)
	}

	prop, err := s.Get(ctx, compositectrl.SecretKind, types.NamespacedName{Namespace: "default", Name: "prod-db-conn"})
	if err != nil {
		t.Fatalf("Get(propagated secret): %v", err)
	}
	ep, _ := fieldpath.Pave(prop.Object).GetString("data.endpoint")
	if ep == "" {
		t.Error("Reconcile(...): want the propagated secret to carry the endpoint")
	}
}

func TestClaimReconcileDeleteCascades(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	newClaim(t, s)
	r := NewReconciler(s, claimGVK, xrGVK, acceptAll)

	if _, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()}); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}

	// Block the composite's deletion, as its own reconciler's finalizer
	// would.
	xru := boundXR(t, s)
	xru.SetFinalizers([]string{"composite.apiextensions.crossplane.io"})
	if _, err := s.Upsert(ctx, xru); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	if err := s.Delete(ctx, claimGVK.Kind, claimKey()); err != nil {
		t.Fatalf("Delete(...): %v", err)
	}

	got, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()})
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if !got.Requeue {
		t.Error("Reconcile(...): want a requeue while the composite is draining")
	}
	if _, err := s.Get(ctx, claimGVK.Kind, claimKey()); err != nil {
		t.Error("Reconcile(...): the claim must remain visible while the composite drains")
	}

	// Release the composite and let the cascade finish.
	blocked, _ := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xru.GetName()})
	blocked.SetFinalizers(nil)
	if _, err := s.Upsert(ctx, blocked); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	if _, err := r.Reconcile(ctx, engine.Request{NamespacedName: claimKey()}); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if _, err := s.Get(ctx, claimGVK.Kind, claimKey()); !kerrors.IsNotFound(err) {
		t.Errorf("Get(...): got %v, want not found after deletion completes", err)
	}
	if _, err := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xru.GetName()}); !kerrors.IsNotFound(err) {
		t.Errorf("Get(...): got %v, want the composite to be gone", err)
	}
}

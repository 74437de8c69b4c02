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
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	xpv1 "github.com/crossplane/crossplane-runtime/apis/common/v1"
	"github.com/crossplane/crossplane-runtime/pkg/fieldpath"
	"github.com/crossplane/crossplane-runtime/pkg/meta"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	v1 "github.com/tushardashpute/crossplane-demo/apis/v1"
	"github.com/tushardashpute/crossplane-demo/internal/engine"
	"github.com/tushardashpute/crossplane-demo/internal/fn"
	"github.com/tushardashpute/crossplane-demo/internal/store"
)

// produceWith returns a function that contributes a single RDS instance
// document of the supplied readiness, optionally with connection details.
func produceWith(ready fn.Ready, conn map[string][]byte) fn.FunctionFn {
	return func(_ context.Context, req *fn.RunFunctionRequest) (*fn.RunFunctionResponse, error) {
		s, err := structpb.NewStruct(instanceDoc())
		if err != nil {
			return nil, err
		}
		desired := req.Desired
		if desired == nil {
			desired = &fn.State{}
		}
		if desired.Resources == nil {
			desired.Resources = map[string]*fn.Resource{}
		}
		desired.Resources["rds-instance"] = &fn.Resource{Resource: s, Ready: ready, ConnectionDetails: conn}
		return &fn.RunFunctionResponse{Desired: desired, Context: req.Context}, nil
	}
}

func seedComposition(t *testing.T, s *store.Store, name string, of v1.TypeReference, step string) {
	t.Helper()

	u := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": v1.Group + "/" + v1.Version,
		"kind":       v1.CompositionKind,
		"metadata":   map[string]any{"name": name},
		"spec": map[string]any{
			"compositeTypeRef": map[string]any{
				"apiVersion": of.APIVersion,
				"kind":       of.Kind,
			},
			"pipeline": []any{
				map[string]any{
					"step":        step,
					"functionRef": map[string]any{"name": step},
				},
			},
		},
	}}
	if _, err := s.Upsert(context.Background(), u); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}
}

func phaseOf(t *testing.T, s *store.Store, kind, name string) string {
	t.Helper()

	u, err := s.Get(context.Background(), kind, types.NamespacedName{Name: name})
	if err != nil {
		t.Fatalf("Get(...): %v", err)
	}
	p, _ := fieldpath.Pave(u.Object).GetString("status.phase")
	return p
}

func TestReconcileNotFound(t *testing.T) {
	r := NewReconciler(store.New(), xrGVK, fn.NewRegistry())

	got, err := r.Reconcile(context.Background(), engine.Request{NamespacedName: types.NamespacedName{Name: "absent"}})
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if got.Requeue {
		t.Error("Reconcile(...): want no requeue for an absent resource")
	}
}

func TestReconcileSyncingUntilReady(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "produce"}, produceWith(fn.ReadyUnspecified, nil))
	seedComposition(t, s, "db", v1.TypeReferenceTo(xrGVK), "produce")

	xr := newXR(t, s)
	r := NewReconciler(s, xrGVK, fns)

	got, err := r.Reconcile(ctx, engine.Request{NamespacedName: types.NamespacedName{Name: xr.GetName()}})
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if !got.Requeue {
		t.Error("Reconcile(...): want a requeue while composed resources are unready")
	}
	if p := phaseOf(t, s, xrGVK.Kind, xr.GetName()); p != PhaseSyncing {
		t.Errorf("Reconcile(...): got phase %q, want %q", p, PhaseSyncing)
	}

	// The composed resource must exist despite being unready.
	u, _ := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xr.GetName()})
	if owned := s.ListOwnedBy(ctx, u.GetUID()); len(owned) != 1 {
		t.Errorf("Reconcile(...): got %d composed resources, want 1", len(owned))
	}
}

func TestReconcileStillUnreadyIsDegraded(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "produce"}, produceWith(fn.ReadyUnspecified, nil))
	seedComposition(t, s, "db", v1.TypeReferenceTo(xrGVK), "produce")

	xr := newXR(t, s)
	r := NewReconciler(s, xrGVK, fns)
	req := engine.Request{NamespacedName: types.NamespacedName{Name: xr.GetName()}}

	// The first unready pass is Syncing; staying unready degrades.
	for i := 0; i < 2; i++ {
		got, err := r.Reconcile(ctx, req)
		if err != nil {
			t.Fatalf("Reconcile(...): %v", err)
		}
		if !got.Requeue {
			t.Error("Reconcile(...): want a requeue while composed resources are unready")
		}
	}
	if p := phaseOf(t, s, xrGVK.Kind, xr.GetName()); p != PhaseDegraded {
		t.Errorf("Reconcile(...): got phase %q, want %q", p, PhaseDegraded)
	}
}

func TestReconcilePipelineErrorIsFailed(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	// The composition names a function nobody registered.
	seedComposition(t, s, "db", v1.TypeReferenceTo(xrGVK), "missing")

	xr := newXR(t, s)
	r := NewReconciler(s, xrGVK, fn.NewRegistry())

	_, err := r.Reconcile(ctx, engine.Request{NamespacedName: types.NamespacedName{Name: xr.GetName()}})
	if err == nil {
		t.Fatal("Reconcile(...): want an error so the pass is retried with backoff")
	}
	if p := phaseOf(t, s, xrGVK.Kind, xr.GetName()); p != PhaseFailed {
		t.Errorf("Reconcile(...): got phase %q, want %q", p, PhaseFailed)
	}

	u, _ := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xr.GetName()})
	if owned := s.ListOwnedBy(ctx, u.GetUID()); len(owned) != 0 {
		t.Errorf("Reconcile(...): got %d composed resources, want none after a pipeline error", len(owned))
	}
}

func TestReconcileReadyPublishesConnection(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "produce"}, produceWith(fn.ReadyTrue, map[string][]byte{
		"endpoint": []byte("db.example.org:5432"),
	}))
	seedComposition(t, s, "db", v1.TypeReferenceTo(xrGVK), "produce")

	xr := composite.New(composite.WithGroupVersionKind(xrGVK))
	xr.SetName("prod")
	xr.SetWriteConnectionSecretToReference(&xpv1.SecretReference{Namespace: "default", Name: "prod-conn"})
	if _, err := s.Upsert(ctx, xr.GetUnstructured()); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	r := NewReconciler(s, xrGVK, fns)
	req := engine.Request{NamespacedName: types.NamespacedName{Name: "prod"}}

	got, err := r.Reconcile(ctx, req)
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if got.Requeue {
		t.Error("Reconcile(...): want no requeue once everything is ready")
	}
	if p := phaseOf(t, s, xrGVK.Kind, "prod"); p != PhaseReady {
		t.Errorf("Reconcile(...): got phase %q, want %q", p, PhaseReady)
	}

	u, _ := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: "prod"})
	sxr := composite.New(composite.WithGroupVersionKind(xrGVK))
	sxr.Object = u.Object
	if c := sxr.GetCondition(xpv1.TypeReady); c.Status != "True" {
		t.Errorf("Reconcile(...): got ready condition %q, want %q", c.Status, "True")
	}
	if !meta.FinalizerExists(sxr, finalizer) {
		t.Error("Reconcile(...): want the lifecycle finalizer on the composite")
	}

	sec, err := s.Get(ctx, SecretKind, types.NamespacedName{Namespace: "default", Name: "prod-conn"})
	if err != nil {
		t.Fatalf("Get(connection secret): %v", err)
	}
	ep, _ := fieldpath.Pave(sec.Object).GetString("data.endpoint")
	if ep == "" {
		t.Error("Reconcile(...): want the connection secret to carry the endpoint")
	}
}

func TestReconcileIsStable(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "produce"}, produceWith(fn.ReadyTrue, nil))
	seedComposition(t, s, "db", v1.TypeReferenceTo(xrGVK), "produce")

	_ = newXR(t, s)
	r := NewReconciler(s, xrGVK, fns)
	req := engine.Request{NamespacedName: types.NamespacedName{Name: "prod"}}

	for i := 0; i < 2; i++ {
		if _, err := r.Reconcile(ctx, req); err != nil {
			t.Fatalf("Reconcile(...): %v", err)
		}
	}
	u, _ := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: "prod"})
	version := u.GetResourceVersion()

	// A pass over a converged composite must not write.
	if _, err := r.Reconcile(ctx, req); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	u, _ = s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: "prod"})
	if u.GetResourceVersion() != version {
		t.Errorf("Reconcile(...): a converged pass bumped the resource version from %q to %q", version, u.GetResourceVersion())
	}
}

func TestReconcileNoCompatibleCompositionIsTerminal(t *testing.T) {
	s := store.New()
	xr := newXR(t, s)
	r := NewReconciler(s, xrGVK, fn.NewRegistry())

	got, err := r.Reconcile(context.Background(), engine.Request{NamespacedName: types.NamespacedName{Name: xr.GetName()}})
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if got.Requeue {
		t.Error("Reconcile(...): a terminal failure must not requeue")
	}
	if p := phaseOf(t, s, xrGVK.Kind, xr.GetName()); p != PhaseFailed {
		t.Errorf("Reconcile(...): got phase %q, want %q", p, PhaseFailed)
	}
}

func TestReconcileCompositionTypeMismatchIsTerminal(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	other := v1.TypeReference{APIVersion: "demo.crossplane.io/v1alpha1", Kind: "XCache"}
	seedComposition(t, s, "cache", other, "produce")

	xr := composite.New(composite.WithGroupVersionKind(xrGVK))
	xr.SetName("prod")
	xr.SetCompositionReference(&corev1.ObjectReference{Name: "cache"})
	if _, err := s.Upsert(ctx, xr.GetUnstructured()); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	r := NewReconciler(s, xrGVK, fn.NewRegistry())
	if _, err := r.Reconcile(ctx, engine.Request{NamespacedName: types.NamespacedName{Name: "prod"}}); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if p := phaseOf(t, s, xrGVK.Kind, "prod"); p != PhaseFailed {
		t.Errorf("Reconcile(...): got phase %q, want %q", p, PhaseFailed)
	}
}

func TestReconcileDeleteCascades(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "produce"}, produceWith(fn.ReadyTrue, nil))
	seedComposition(t, s, "db", v1.TypeReferenceTo(xrGVK), "produce")

	xr := newXR(t, s)
	r := NewReconciler(s, xrGVK, fns)
	req := engine.Request{NamespacedName: types.NamespacedName{Name: xr.GetName()}}

	if _, err := r.Reconcile(ctx, req); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}

	u, _ := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xr.GetName()})
	owned := s.ListOwnedBy(ctx, u.GetUID())
	if len(owned) != 1 {
		t.Fatalf("Reconcile(...): got %d composed resources, want 1", len(owned))
	}

	// Block the composed resource's deletion with a finalizer.
	cd := owned[0]
	cd.SetFinalizers([]string{"external.example.org/in-use"})
	if _, err := s.Upsert(ctx, cd); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	if err := s.Delete(ctx, xrGVK.Kind, types.NamespacedName{Name: xr.GetName()}); err != nil {
		t.Fatalf("Delete(...): %v", err)
	}

	got, err := r.Reconcile(ctx, req)
	if err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if !got.Requeue {
		t.Error("Reconcile(...): want a requeue while composed deletion is blocked")
	}
	if _, err := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xr.GetName()}); err != nil {
		t.Error("Reconcile(...): the composite must remain visible while deletion is blocked")
	}

	// Release the composed resource and let the cascade finish.
	blocked, _ := s.Get(ctx, cd.GetKind(), types.NamespacedName{Name: cd.GetName()})
	blocked.SetFinalizers(nil)
	if _, err := s.Upsert(ctx, blocked); err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}

	if _, err := r.Reconcile(ctx, req); err != nil {
		t.Fatalf("Reconcile(...): %v", err)
	}
	if _, err := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xr.GetName()}); !kerrors.IsNotFound(err) {
		t.Errorf("Get(...): got %v, want not found after deletion completes", err)
	}
	if _, err := s.Get(ctx, cd.GetKind(), types.NamespacedName{Name: cd.GetName()}); !kerrors.IsNotFound(err) {
		t.Errorf("Get(...): got %v, want the composed resource to be gone", err)
	}
}

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
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"

	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	v1 "github.com/tushardashpute/crossplane-demo/apis/v1"
	"github.com/tushardashpute/crossplane-demo/internal/fn"
	"github.com/tushardashpute/crossplane-demo/internal/store"
)

var xrGVK = schema.GroupVersionKind{Group: "demo.crossplane.io", Version: "v1alpha1", Kind: "XDatabase"}

func newXR(t *testing.T, s *store.Store) *composite.Unstructured {
	t.Helper()

	xr := composite.New(composite.WithGroupVersionKind(xrGVK))
	xr.SetName("prod")
	stored, err := s.Upsert(context.Background(), xr.GetUnstructured())
	if err != nil {
		t.Fatalf("Upsert(...): %v", err)
	}
	xr.Object = stored.Object
	return xr
}

func pipelineOf(steps ...v1.PipelineStep) CompositionRequest {
	return CompositionRequest{Composition: &v1.Composition{
		ObjectMeta: metav1.ObjectMeta{Name: "test"},
		Spec: v1.CompositionSpec{
			CompositeTypeRef: v1.TypeReferenceTo(xrGVK),
			Pipeline:         steps,
		},
	}}
}

// produce returns a function that contributes the supplied named resource
// documents to the desired state.
func produce(resources map[string]map[string]any) fn.FunctionFn {
	return func(_ context.Context, req *fn.RunFunctionRequest) (*fn.RunFunctionResponse, error) {
		desired := req.Desired
		if desired == nil {
			desired = &fn.State{}
		}
		if desired.Resources == nil {
			desired.Resources = map[string]*fn.Resource{}
		}
		for name, doc := range resources {
			s, err := structpb.NewStruct(doc)
			if err != nil {
				return nil, err
			}
			desired.Resources[name] = &fn.Resource{Resource: s, Ready: fn.ReadyTrue}
		}
		return &fn.RunFunctionResponse{Desired: desired, Context: req.Context}, nil
	}
}

func instanceDoc() map[string]any {
	return map[string]any{
		"apiVersion": "rds.aws.crossplane.io/v1alpha1",
		"kind":       "RDSInstance",
		"spec": map[string]any{
			"forProvider": map[string]any{"engine": "postgres"},
		},
	}
}

func TestComposeCreatesDesiredResources(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "produce"}, produce(map[string]map[string]any{"rds-instance": instanceDoc()}))

	xr := newXR(t, s)
	c := NewFunctionComposer(s, fns)

	res, err := c.Compose(ctx, xr, pipelineOf(v1.PipelineStep{Step: "produce", FunctionRef: v1.FunctionReference{Name: "produce"}}))
	if err != nil {
		t.Fatalf("Compose(...): %v", err)
	}

	if len(res.Composed) != 1 || res.Composed[0].ResourceName != "rds-instance" || !res.Composed[0].Ready {
		t.Fatalf("Compose(...): got composed %+v, want one ready entry named %q", res.Composed, "rds-instance")
	}

	refs := xr.GetResourceReferences()
	if len(refs) != 1 {
		t.Fatalf("Compose(...): got %d resource refs, want 1", len(refs))
	}

	cd, err := s.Get(ctx, refs[0].Kind, types.NamespacedName{Name: refs[0].Name})
	if err != nil {
		t.Fatalf("Get(...): %v", err)
	}
	if got := GetCompositionResourceName(cd); got != "rds-instance" {
		t.Errorf("Compose(...): got composition resource name %q, want %q", got, "rds-instance")
	}
	if ref := metav1.GetControllerOf(cd); ref == nil || ref.UID != xr.GetUID() {
		t.Errorf("Compose(...): want the composed resource to be controlled by the composite")
	}

	// The persisted composite must carry the reference too.
	stored, _ := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xr.GetName()})
	sxr := composite.New(composite.WithGroupVersionKind(xrGVK))
	sxr.Object = stored.Object
	if len(sxr.GetResourceReferences()) != 1 {
		t.Errorf("Compose(...): want the resource reference to be persisted before creation")
	}
}

func TestComposeIsIdempotent(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "produce"}, produce(map[string]map[string]any{"rds-instance": instanceDoc()}))

	xr := newXR(t, s)
	c := NewFunctionComposer(s, fns)
	req := pipelineOf(v1.PipelineStep{Step: "produce", FunctionRef: v1.FunctionReference{Name: "produce"}})

	if _, err := c.Compose(ctx, xr, req); err != nil {
		t.Fatalf("Compose(...): %v", err)
	}
	ref := xr.GetResourceReferences()[0]
	before, _ := s.Get(ctx, ref.Kind, types.NamespacedName{Name: ref.Name})

	if _, err := c.Compose(ctx, xr, req); err != nil {
		t.Fatalf("Compose(...): %v", err)
	}
	after, _ := s.Get(ctx, ref.Kind, types.NamespacedName{Name: ref.Name})

	if before.GetResourceVersion() != after.GetResourceVersion() {
		t.Errorf("Compose(...): an unchanged desired state must not write; resource version went %q to %q", before.GetResourceVersion(), after.GetResourceVersion())
	}
}

func TestComposeFatalResultTouchesNothing(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "produce"}, produce(map[string]map[string]any{"rds-instance": instanceDoc()}))
	fns.Register(fn.Descriptor{Name: "explode"}, fn.FunctionFn(func(_ context.Context, req *fn.RunFunctionRequest) (*fn.RunFunctionResponse, error) {
		return &fn.RunFunctionResponse{
			Desired: req.Desired,
			Results: []fn.Result{{Severity: fn.SeverityFatal, Message: "boom"}},
		}, nil
	}))

	xr := newXR(t, s)
	version := xr.GetResourceVersion()
	c := NewFunctionComposer(s, fns)

	_, err := c.Compose(ctx, xr, pipelineOf(
		v1.PipelineStep{Step: "produce", FunctionRef: v1.FunctionReference{Name: "produce"}},
		v1.PipelineStep{Step: "explode", FunctionRef: v1.FunctionReference{Name: "explode"}},
	))
	if err == nil {
		t.Fatal("Compose(...): want an error for a fatal pipeline result")
	}

	// No composed resource may exist, and the composite must be untouched.
	if got := s.ListOwnedBy(ctx, xr.GetUID()); len(got) != 0 {
		t.Errorf("Compose(...): got %d composed resources after a fatal result, want 0", len(got))
	}
	stored, _ := s.Get(ctx, xrGVK.Kind, types.NamespacedName{Name: xr.GetName()})
	if stored.GetResourceVersion() != version {
		t.Errorf("Compose(...): composite was written despite a fatal result")
	}
}

func TestComposeGarbageCollectsUndesired(t *testing.T) {
	s := store.New()
	ctx := context.Background()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: "both"}, produce(map[string]map[string]any{
		"rds-instance": instanceDoc(),
		"replica":      instanceDoc(),
	}))
	fns.Register(fn.Descriptor{Name: "one"}, produce(map[string]map[string]any{
		"rds-instance": instanceDoc(),
	}))

	xr := newXR(t, s)
	c := NewFunctionComposer(s, fns)

	if _, err := c.Compose(ctx, xr, pipelineOf(v1.PipelineStep{Step: "both", FunctionRef: v1.FunctionReference{Name: "both"}})); err != nil {
		t.Fatalf("Compose(...): %v", err)
	}
	if got := len(s.ListOwnedBy(ctx, xr.GetUID())); got != 2 {
		t.Fatalf("Compose(...): got %d composed resources, want 2", got)
	}

	if _, err := c.Compose(ctx, xr, pipelineOf(v1.PipelineStep{Step: "one", FunctionRef: v1.FunctionReference{Name: "one"}})); err != nil {
		t.Fatalf("Compose(...): %v", err)
	}

	owned := s.ListOwnedBy(ctx, xr.GetUID())
	if len(owned) != 1 || GetCompositionResourceName(owned[0]) != "rds-instance" {
		t.Errorf("Compose(...): got %d composed resources, want only %q to survive", len(owned), "rds-instance")
	}
}

func TestComposeUnknownFunction(t *testing.T) {
	s := store.New()
	xr := newXR(t, s)
	c := NewFunctionComposer(s, fn.NewRegistry())

	_, err := c.Compose(context.Background(), xr, pipelineOf(v1.PipelineStep{Step: "nope", FunctionRef: v1.FunctionReference{Name: "no-such-function"}}))
	if !kerrors.IsNotFound(err) {
		t.Errorf("Compose(...): got error %v, want not found", err)
	}
}

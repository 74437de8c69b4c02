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

	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composed"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"
)

const (
	errGetComposed    = "cannot get composed resource"
	errDeleteComposed = "cannot delete composed resource"

	errFmtResourceName = "composed resource %q of kind %q has no composition resource name annotation"
)

// A Store is the subset of resource store operations the composition process
// needs. Objects returned by the store are deep copies; mutations are only
// visible once written back.
type Store interface {
	Get(ctx context.Context, kind string, key types.NamespacedName) (*unstructured.Unstructured, error)
	Upsert(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)
	Delete(ctx context.Context, kind string, key types.NamespacedName) error
	List(ctx context.Context, kind string) []*unstructured.Unstructured
	ListOwnedBy(ctx context.Context, owner types.UID) []*unstructured.Unstructured
}

// A ComposedResourceObserver observes existing composed resources.
type ComposedResourceObserver interface {
	ObserveComposedResources(ctx context.Context, xr *composite.Unstructured) (ComposedResourceStates, error)
}

// A ComposedResourceObserverFn observes existing composed resources.
type ComposedResourceObserverFn func(ctx context.Context, xr *composite.Unstructured) (ComposedResourceStates, error)

// ObserveComposedResources observes existing composed resources.
func (fn ComposedResourceObserverFn) ObserveComposedResources(ctx context.Context, xr *composite.Unstructured) (ComposedResourceStates, error) {
	return fn(ctx, xr)
}

// An ExistingComposedResourceObserver loads composed resources referenced by
// the composite's resource references from the resource store.
type ExistingComposedResourceObserver struct {
	store Store
}

// NewExistingComposedResourceObserver returns a ComposedResourceObserver that
// loads composed resources from the supplied store.
func NewExistingComposedResourceObserver(s Store) *ExistingComposedResourceObserver {
	return &ExistingComposedResourceObserver{store: s}
}

// ObserveComposedResources loads the state of all composed resources the
// supplied composite references. References to resources that no longer exist
// are skipped; the composition process will recreate them if they are still
// desired.
func (g *ExistingComposedResourceObserver) ObserveComposedResources(ctx context.Context, xr *composite.Unstructured) (ComposedResourceStates, error) {
	ors := ComposedResourceStates{}

	for _, ref := range xr.GetResourceReferences() {
		// We believe we created this resource, but it has not been named yet.
		if ref.Name == "" {
			continue
		}

		r, err := g.store.Get(ctx, ref.Kind, types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name})
		if kerrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, errGetComposed)
		}

		name := GetCompositionResourceName(r)
		if name == "" {
			return nil, errors.Errorf(errFmtResourceName, ref.Name, ref.Kind)
		}

		cd := composed.New()
		cd.Object = r.Object
		ors[name] = ComposedResourceState{Resource: cd}
	}

	return ors, nil
}

// A ComposedResourceGarbageCollector deletes observed composed resources that
// are no longer desired.
type ComposedResourceGarbageCollector interface {
	GarbageCollectComposedResources(ctx context.Context, owner metav1.Object, observed, desired ComposedResourceStates) error
}

// A ComposedResourceGarbageCollectorFn deletes observed composed resources
// that are no longer desired.
type ComposedResourceGarbageCollectorFn func(ctx context.Context, owner metav1.Object, observed, desired ComposedResourceStates) error

// GarbageCollectComposedResources deletes observed composed resources that
// are no longer desired.
func (fn ComposedResourceGarbageCollectorFn) GarbageCollectComposedResources(ctx context.Context, owner metav1.Object, observed, desired ComposedResourceStates) error {
	return fn(ctx, owner, observed, desired)
}

// A DeletingComposedResourceGarbageCollector deletes undesired composed
// resources from the resource store.
type DeletingComposedResourceGarbageCollector struct {
	store Store
}

// NewDeletingComposedResourceGarbageCollector returns a
// ComposedResourceGarbageCollector that deletes undesired composed resources
// from the supplied store.
func NewDeletingComposedResourceGarbageCollector(s Store) *DeletingComposedResourceGarbageCollector {
	return &DeletingComposedResourceGarbageCollector{store: s}
}

// GarbageCollectComposedResources deletes any composed resource that appears
// in the observed state but not in the desired state. A resource is only
// deleted if the supplied owner controls it. Resources that linger due to
// finalizers are left alone; deletion completes when the finalizer is
// removed.
func (d *DeletingComposedResourceGarbageCollector) GarbageCollectComposedResources(ctx context.Context, owner metav1.Object, observed, desired ComposedResourceStates) error {
	for name, or := range observed {
		if _, ok := desired[name]; ok {
			continue
		}

		// Don't delete a resource we don't control. This should not
		// happen unless someone rewrote its owner references.
		if c := metav1.GetControllerOf(or.Resource); c == nil || c.UID != owner.GetUID() {
			return errors.Errorf("refusing to delete composed resource %q that is not controlled by composite %q", or.Resource.GetName(), owner.GetName())
		}

		key := types.NamespacedName{Namespace: or.Resource.GetNamespace(), Name: or.Resource.GetName()}
		if err := d.store.Delete(ctx, or.Resource.GetKind(), key); err != nil && !kerrors.IsNotFound(err) {
			return errors.Wrap(err, errDeleteComposed)
		}
	}

	return nil
}

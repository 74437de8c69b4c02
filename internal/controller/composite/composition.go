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
	"encoding/json"
	"sort"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	v1 "github.com/tushardashpute/crossplane-demo/apis/v1"
)

const (
	errGetComposition       = "cannot get composition"
	errUnmarshalComposition = "cannot unmarshal composition document"

	errFmtNoCompatibleComposition = "no composition is compatible with composite resource kind %q"
)

// A CompositionFetcher fetches a composition by name.
type CompositionFetcher interface {
	Fetch(ctx context.Context, name string) (*v1.Composition, error)
}

// A CompositionFetcherFn fetches a composition by name.
type CompositionFetcherFn func(ctx context.Context, name string) (*v1.Composition, error)

// Fetch the named composition.
func (fn CompositionFetcherFn) Fetch(ctx context.Context, name string) (*v1.Composition, error) {
	return fn(ctx, name)
}

// A StoreCompositionFetcher fetches compositions stored as documents in the
// resource store.
type StoreCompositionFetcher struct {
	store Store
}

// NewStoreCompositionFetcher returns a CompositionFetcher that fetches
// compositions from the supplied store.
func NewStoreCompositionFetcher(s Store) *StoreCompositionFetcher {
	return &StoreCompositionFetcher{store: s}
}

// Fetch the named composition from the store.
func (f *StoreCompositionFetcher) Fetch(ctx context.Context, name string) (*v1.Composition, error) {
	u, err := f.store.Get(ctx, v1.CompositionKind, types.NamespacedName{Name: name})
	if err != nil {
		return nil, errors.Wrap(err, errGetComposition)
	}
	return AsComposition(u.Object)
}

// AsComposition converts a composition document to a Composition.
func AsComposition(doc map[string]any) (*v1.Composition, error) {
	j, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, errUnmarshalComposition)
	}
	comp := &v1.Composition{}
	return comp, errors.Wrap(json.Unmarshal(j, comp), errUnmarshalComposition)
}

// A CompositionSelector selects a composition for a composite resource that
// does not reference one, and records the selection on the composite.
type CompositionSelector interface {
	SelectComposition(ctx context.Context, xr *composite.Unstructured) error
}

// A CompositionSelectorFn selects a composition for a composite resource.
type CompositionSelectorFn func(ctx context.Context, xr *composite.Unstructured) error

// SelectComposition for the supplied composite resource.
func (fn CompositionSelectorFn) SelectComposition(ctx context.Context, xr *composite.Unstructured) error {
	return fn(ctx, xr)
}

// A TypeCompositionSelector selects the composition whose composite type
// reference matches the composite resource's kind. When several compositions
// match it picks the first by name, so selection is deterministic.
type TypeCompositionSelector struct {
	store Store
}

// NewTypeCompositionSelector returns a CompositionSelector that selects a
// composition compatible with the composite resource's type.
func NewTypeCompositionSelector(s Store) *TypeCompositionSelector {
	return &TypeCompositionSelector{store: s}
}

// SelectComposition records a compatible composition in the supplied
// composite's composition reference. Composites that already reference a
// composition are left alone.
func (s *TypeCompositionSelector) SelectComposition(ctx context.Context, xr *composite.Unstructured) error {
	if ref := xr.GetCompositionReference(); ref != nil && ref.Name != "" {
		return nil
	}

	gvk := xr.GroupVersionKind()

	compatible := []string{}
	for _, u := range s.store.List(ctx, v1.CompositionKind) {
		comp, err := AsComposition(u.Object)
		if err != nil {
			return err
		}
		if comp.Spec.CompositeTypeRef.GroupVersionKind() == gvk {
			compatible = append(compatible, comp.GetName())
		}
	}

	if len(compatible) == 0 {
		return errors.Errorf(errFmtNoCompatibleComposition, gvk.Kind)
	}

	sort.Strings(compatible)
	xr.SetCompositionReference(&corev1.ObjectReference{Name: compatible[0]})
	return nil
}

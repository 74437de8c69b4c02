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

package main

import (
	"context"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/yaml"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
	compositeresource "github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	"github.com/tushardashpute/crossplane-demo/internal/controller/composite"
	"github.com/tushardashpute/crossplane-demo/internal/fn"
	"github.com/tushardashpute/crossplane-demo/internal/store"
)

// The renderCmd runs a composite resource through a composition's function
// pipeline exactly once and prints the composite and composed resources it
// produces. Useful for developing compositions without running the engine.
type renderCmd struct {
	CompositeResource string `arg:"" type:"existingfile" help:"YAML file of the composite resource to render."`
	Composition       string `arg:"" type:"existingfile" help:"YAML file of the composition to render with."`

	ObservedResources string `optional:"" type:"path" help:"File or directory of observed composed resources."`
}

const (
	errLoadXR       = "cannot load composite resource"
	errLoadObserved = "cannot load observed composed resources"
	errRender       = "cannot render composite resource"
	errMarshalOut   = "cannot marshal rendered output"
)

// Run a single composition pass and print the result.
func (c *renderCmd) Run(_ logging.Logger) error {
	ctx := context.Background()

	xrDocs, err := LoadManifests(c.CompositeResource)
	if err != nil || len(xrDocs) == 0 {
		return errors.Wrap(err, errLoadXR)
	}

	compDocs, err := LoadManifests(c.Composition)
	if err != nil || len(compDocs) == 0 {
		return errors.Wrap(err, errInvalidComp)
	}
	comp, err := composite.AsComposition(compDocs[0].Object)
	if err != nil {
		return err
	}
	if errs := comp.Validate(); len(errs) > 0 {
		return errors.Wrap(errs.ToAggregate(), errInvalidComp)
	}

	s := store.New()
	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: fn.FunctionPatchAndTransform}, fn.NewPatchAndTransform())
	fns.Register(fn.Descriptor{Name: fn.FunctionAutoReady}, fn.NewAutoReady())

	xr := compositeresource.New(compositeresource.WithGroupVersionKind(xrDocs[0].GroupVersionKind()))
	xr.Object = xrDocs[0].Object
	xr.SetResourceVersion("")

	if c.ObservedResources != "" {
		observed, err := LoadManifests(c.ObservedResources)
		if err != nil {
			return errors.Wrap(err, errLoadObserved)
		}
		refs := xr.GetResourceReferences()
		for _, o := range observed {
			o.SetResourceVersion("")
			stored, err := s.Upsert(ctx, o)
			if err != nil {
				return errors.Wrap(err, errLoadObserved)
			}
			refs = append(refs, corev1Ref(stored))
		}
		xr.SetResourceReferences(refs)
	}

	stored, err := s.Upsert(ctx, xr.GetUnstructured())
	if err != nil {
		return errors.Wrap(err, errRender)
	}
	xr.Object = stored.Object

	composer := composite.NewFunctionComposer(s, fns)
	if _, err := composer.Compose(ctx, xr, composite.CompositionRequest{Composition: comp}); err != nil {
		return errors.Wrap(err, errRender)
	}

	out := []map[string]any{xr.Object}
	for _, ref := range xr.GetResourceReferences() {
		cd, err := s.Get(ctx, ref.Kind, types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name})
		if err != nil {
			return errors.Wrap(err, errRender)
		}
		out = append(out, cd.Object)
	}

	for _, doc := range out {
		y, err := yaml.Marshal(doc)
		if err != nil {
			return errors.Wrap(err, errMarshalOut)
		}
		fmt.Fprintf(os.Stdout, "---\n%s", y)
	}

	return nil
}

func corev1Ref(o *unstructured.Unstructured) corev1.ObjectReference {
	return corev1.ObjectReference{
		APIVersion: o.GetAPIVersion(),
		Kind:       o.GetKind(),
		Namespace:  o.GetNamespace(),
		Name:       o.GetName(),
	}
}

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
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/fieldpath"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	v1 "github.com/tushardashpute/crossplane-demo/apis/v1"
	"github.com/tushardashpute/crossplane-demo/internal/controller/claim"
	"github.com/tushardashpute/crossplane-demo/internal/controller/composite"
	"github.com/tushardashpute/crossplane-demo/internal/engine"
	"github.com/tushardashpute/crossplane-demo/internal/fn"
	"github.com/tushardashpute/crossplane-demo/internal/store"
	"github.com/tushardashpute/crossplane-demo/internal/xcrd"
)

// The startCmd starts the composition engine: it loads manifests, registers
// schemas, and reconciles until interrupted.
type startCmd struct {
	Manifests string        `arg:"" type:"path" help:"File or directory of YAML manifests to load."`
	Workers   int           `default:"4" help:"Reconcile workers per controlled kind."`
	Timeout   time.Duration `default:"2m" help:"Deadline applied to each reconcile pass."`
}

const (
	errLoadManifests = "cannot load manifests"
	errInvalidXRD    = "invalid composite resource definition"
	errInvalidComp   = "invalid composition"
	errSeedStore     = "cannot load document into store"
)

// Run the composition engine until interrupted.
func (c *startCmd) Run(log logging.Logger) error {
	docs, err := LoadManifests(c.Manifests)
	if err != nil {
		return errors.Wrap(err, errLoadManifests)
	}

	s := store.New(store.WithLogger(log))
	reg := xcrd.NewRegistry()

	fns := fn.NewRegistry()
	fns.Register(fn.Descriptor{Name: fn.FunctionPatchAndTransform}, fn.NewPatchAndTransform())
	fns.Register(fn.Descriptor{Name: fn.FunctionAutoReady}, fn.NewAutoReady())

	eng := engine.New(s, engine.WithLogger(log), engine.WithTimeout(c.Timeout))
	rec := engine.NewLogRecorder(log)

	xrds, rest, err := splitManifests(docs)
	if err != nil {
		return err
	}

	for _, xrd := range xrds {
		if errs := xrd.Validate(); len(errs) > 0 {
			return errors.Wrap(errs.ToAggregate(), errInvalidXRD)
		}

		for _, ver := range xrd.Spec.Versions {
			xrGVK := xrd.GroupVersionKind(ver.Name)
			reg.Register(xrGVK, ver.Schema)

			eng.Control(xrGVK.Kind, composite.NewReconciler(s, xrGVK, fns,
				composite.WithLogger(log.WithValues("controller", xrGVK.Kind)),
				composite.WithRecorder(rec),
			))

			// A composition change can retarget any composite of
			// this kind.
			eng.Map(v1.CompositionKind, xrGVK.Kind, func(store.Event) []engine.Request {
				reqs := []engine.Request{}
				for _, o := range s.List(context.Background(), xrGVK.Kind) {
					reqs = append(reqs, engine.Request{NamespacedName: types.NamespacedName{Name: o.GetName()}})
				}
				return reqs
			})

			claimGVK := xrd.ClaimGroupVersionKind(ver.Name)
			if claimGVK.Empty() {
				continue
			}
			reg.Register(claimGVK, ver.Schema)

			eng.Control(claimGVK.Kind, claim.NewReconciler(s, claimGVK, xrGVK, reg,
				claim.WithLogger(log.WithValues("controller", claimGVK.Kind)),
				claim.WithRecorder(rec),
			))

			// A composite becoming ready is a reason to reconcile
			// its claim.
			eng.Map(xrGVK.Kind, claimGVK.Kind, func(ev store.Event) []engine.Request {
				if ev.Object == nil {
					return nil
				}
				paved := fieldpath.Pave(ev.Object.Object)
				name, err := paved.GetString("spec.claimRef.name")
				if err != nil {
					return nil
				}
				ns, _ := paved.GetString("spec.claimRef.namespace")
				return []engine.Request{{NamespacedName: types.NamespacedName{Namespace: ns, Name: name}}}
			})
		}

		log.Info("Registered composite resource definition", "name", xrd.GetName())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed after wiring so the initial documents get reconciled.
	for _, doc := range rest {
		if doc.GetKind() == v1.CompositionKind {
			comp, err := composite.AsComposition(doc.Object)
			if err != nil {
				return errors.Wrap(err, errInvalidComp)
			}
			if errs := comp.Validate(); len(errs) > 0 {
				return errors.Wrap(errs.ToAggregate(), errInvalidComp)
			}
		}
		if _, err := s.Upsert(ctx, doc); err != nil {
			return errors.Wrap(err, errSeedStore)
		}
	}

	log.Info("Starting composition engine", "workers", c.Workers)
	return eng.Start(ctx, c.Workers)
}

func splitManifests(docs []*unstructured.Unstructured) ([]*v1.CompositeResourceDefinition, []*unstructured.Unstructured, error) {
	xrds := []*v1.CompositeResourceDefinition{}
	rest := []*unstructured.Unstructured{}

	for _, doc := range docs {
		if doc.GetKind() != v1.CompositeResourceDefinitionKind {
			rest = append(rest, doc)
			continue
		}
		xrd, err := AsXRD(doc.Object)
		if err != nil {
			return nil, nil, errors.Wrap(err, errInvalidXRD)
		}
		xrds = append(xrds, xrd)
	}

	return xrds, rest, nil
}

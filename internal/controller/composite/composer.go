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
	"sort"

	"dario.cat/mergo"
	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/types/known/structpb"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/event"
	"github.com/crossplane/crossplane-runtime/pkg/meta"
	"github.com/crossplane/crossplane-runtime/pkg/reconciler/managed"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composed"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	"github.com/tushardashpute/crossplane-demo/internal/fn"
	"github.com/tushardashpute/crossplane-demo/internal/names"
)

const (
	errObserveComposed     = "cannot observe existing composed resources"
	errGarbageCollectCDs   = "cannot garbage collect composed resources that are no longer desired"
	errUpdateResourceRefs  = "cannot update composite resource's references to composed resources"
	errObservedAsStruct    = "cannot encode observed composite resource"
	errGenerateName        = "cannot generate a name for composed resource"
	errApplyXR             = "cannot apply composite resource"
	errInterrupted         = "composition interrupted"

	errFmtUnmarshalStepInput  = "cannot unmarshal input of pipeline step %q"
	errFmtRunPipelineStep     = "cannot run pipeline step %q"
	errFmtFatalResult         = "pipeline step %q returned a fatal result: %s"
	errFmtObservedAsStruct    = "cannot encode observed composed resource %q"
	errFmtControllerMismatch  = "refusing to adopt composed resource %q"
)

// AnnotationKeyPipelineWarnings records warning results emitted by the
// function pipeline on the composite resource.
const AnnotationKeyPipelineWarnings = "composition.crossplane.io/pipeline-warnings"

// Event reasons.
const (
	reasonCompose event.Reason = "ComposeResources"
)

// A Composer composes (i.e. creates, updates, deletes, etc) resources given
// the supplied composite resource and composition.
type Composer interface {
	Compose(ctx context.Context, xr *composite.Unstructured, req CompositionRequest) (CompositionResult, error)
}

// A ComposerFn composes resources.
type ComposerFn func(ctx context.Context, xr *composite.Unstructured, req CompositionRequest) (CompositionResult, error)

// Compose resources.
func (fn ComposerFn) Compose(ctx context.Context, xr *composite.Unstructured, req CompositionRequest) (CompositionResult, error) {
	return fn(ctx, xr, req)
}

// A FunctionRunner runs a single named composition function.
type FunctionRunner interface {
	RunFunction(ctx context.Context, name string, req *fn.RunFunctionRequest) (*fn.RunFunctionResponse, error)
}

// A FunctionComposer composes resources by running a composition function
// pipeline. The pipeline is a fold: each step receives the observed state,
// the desired state accumulated so far, and the pipeline context, and
// returns new desired state and context for the next step.
type FunctionComposer struct {
	store     Store
	pipeline  FunctionRunner
	composite xrState
}

type xrState struct {
	names.NameGenerator
	ComposedResourceObserver
	ComposedResourceGarbageCollector
}

// A FunctionComposerOption configures a FunctionComposer.
type FunctionComposerOption func(*FunctionComposer)

// WithComposedResourceObserver configures how the FunctionComposer observes
// existing composed resources.
func WithComposedResourceObserver(o ComposedResourceObserver) FunctionComposerOption {
	return func(c *FunctionComposer) {
		c.composite.ComposedResourceObserver = o
	}
}

// WithComposedResourceGarbageCollector configures how the FunctionComposer
// deletes undesired composed resources.
func WithComposedResourceGarbageCollector(g ComposedResourceGarbageCollector) FunctionComposerOption {
	return func(c *FunctionComposer) {
		c.composite.ComposedResourceGarbageCollector = g
	}
}

// WithNameGenerator configures how the FunctionComposer names new composed
// resources.
func WithNameGenerator(g names.NameGenerator) FunctionComposerOption {
	return func(c *FunctionComposer) {
		c.composite.NameGenerator = g
	}
}

// NewFunctionComposer returns a Composer that runs a composition function
// pipeline against the supplied resource store.
func NewFunctionComposer(s Store, r FunctionRunner, o ...FunctionComposerOption) *FunctionComposer {
	c := &FunctionComposer{
		store:    s,
		pipeline: r,
		composite: xrState{
			NameGenerator:                    names.NewNameGenerator(s),
			ComposedResourceObserver:         NewExistingComposedResourceObserver(s),
			ComposedResourceGarbageCollector: NewDeletingComposedResourceGarbageCollector(s),
		},
	}

	for _, fn := range o {
		fn(c)
	}

	return c
}

// Compose runs the composition's function pipeline and converges the store
// with the desired state it produces. Nothing is written to the store until
// the whole pipeline has run successfully; a fatal result from any step
// aborts the run before any side effects.
func (c *FunctionComposer) Compose(ctx context.Context, xr *composite.Unstructured, req CompositionRequest) (CompositionResult, error) { //nolint:gocognit // Breaking this up doesn't seem worth yet more layers of abstraction.
	observed, err := c.composite.ObserveComposedResources(ctx, xr)
	if err != nil {
		return CompositionResult{}, errors.Wrap(err, errObserveComposed)
	}

	oxr, err := fn.AsStruct(xr.GetUnstructured())
	if err != nil {
		return CompositionResult{}, errors.Wrap(err, errObservedAsStruct)
	}

	o := &fn.State{Composite: &fn.Resource{Resource: oxr}, Resources: map[string]*fn.Resource{}}
	for name, or := range observed {
		s, err := fn.AsStruct(&or.Resource.Unstructured)
		if err != nil {
			return CompositionResult{}, errors.Wrapf(err, errFmtObservedAsStruct, name)
		}
		o.Resources[string(name)] = &fn.Resource{Resource: s, ConnectionDetails: or.ConnectionDetails}
	}

	// The desired state and context returned by one step are the inputs of
	// the next. The first step starts from scratch.
	d := &fn.State{}
	fctx := &structpb.Struct{Fields: map[string]*structpb.Value{}}

	events := []event.Event{}
	warnings := map[string]string{}

	for _, step := range req.Composition.Spec.Pipeline {
		// Stop between steps if the reconcile pass has been cancelled.
		if err := ctx.Err(); err != nil {
			return CompositionResult{}, errors.Wrap(err, errInterrupted)
		}

		in := &structpb.Struct{}
		if step.Input != nil {
			if err := in.UnmarshalJSON(step.Input.Raw); err != nil {
				return CompositionResult{}, errors.Wrapf(err, errFmtUnmarshalStepInput, step.Step)
			}
		}

		rsp, err := c.pipeline.RunFunction(ctx, step.FunctionRef.Name, &fn.RunFunctionRequest{
			Observed: o,
			Desired:  d,
			Context:  fctx,
			Input:    in,
		})
		if err != nil {
			return CompositionResult{}, errors.Wrapf(err, errFmtRunPipelineStep, step.Step)
		}

		d = rsp.Desired
		if rsp.Context != nil {
			fctx = rsp.Context
		}

		for _, rs := range rsp.Results {
			switch rs.Severity {
			case fn.SeverityFatal:
				return CompositionResult{}, errors.Errorf(errFmtFatalResult, step.Step, rs.Message)
			case fn.SeverityWarning:
				warnings[step.Step] = rs.Message
				events = append(events, event.Warning(reasonCompose, errors.Errorf("Pipeline step %q: %s", step.Step, rs.Message)))
			default:
				events = append(events, event.Normal(reasonCompose, fmt.Sprintf("Pipeline step %q: %s", step.Step, rs.Message)))
			}
		}
	}

	// Carry the desired composite state, if any, over to the composite we
	// were passed. Only status and connection details may change; the rest
	// of the composite belongs to whoever created it.
	if dxr := d.GetComposite(); dxr != nil && dxr.Resource != nil {
		doc := composite.New()
		fn.FromStruct(doc.GetUnstructured(), dxr.Resource)
		if status, ok := doc.Object["status"].(map[string]any); ok {
			// Functions own the status fields they set. Everything
			// else, conditions and phase included, stays put.
			existing, _ := xr.Object["status"].(map[string]any)
			if existing == nil {
				existing = map[string]any{}
			}
			_ = mergo.Merge(&existing, status, mergo.WithOverride)
			xr.Object["status"] = existing
		}
	}
	for step, msg := range warnings {
		meta.AddAnnotations(xr, map[string]string{AnnotationKeyPipelineWarnings + "/" + step: msg})
	}

	// Load the desired composed resources from the final desired state.
	desired := ComposedResourceStates{}
	for name, dr := range d.GetResources() {
		cd := composed.New()
		fn.FromStruct(cd.GetUnstructured(), dr.Resource)
		SetCompositionResourceName(cd, ResourceName(name))

		// A resource we observed keeps its name. A new one is named
		// after the composite that composes it.
		if or, ok := observed[ResourceName(name)]; ok {
			cd.SetName(or.Resource.GetName())
			cd.SetNamespace(or.Resource.GetNamespace())
		}
		if cd.GetName() == "" {
			cd.SetGenerateName(xr.GetName() + "-")
			if err := c.composite.GenerateName(ctx, cd.GetUnstructured()); err != nil {
				return CompositionResult{}, errors.Wrap(err, errGenerateName)
			}
		}

		or := meta.AsController(meta.TypedReferenceTo(xr, xr.GroupVersionKind()))
		if err := meta.AddControllerReference(cd, or); err != nil {
			return CompositionResult{}, errors.Wrapf(err, errFmtControllerMismatch, cd.GetName())
		}

		desired[ResourceName(name)] = ComposedResourceState{
			Resource:          cd,
			ConnectionDetails: dr.ConnectionDetails,
			Ready:             dr.Ready == fn.ReadyTrue,
		}
	}

	// Record references to all desired composed resources and persist them
	// before creating anything. If creating a composed resource succeeded
	// but persisting its reference failed we would leak it.
	UpdateResourceRefs(xr, desired)
	out, err := c.store.Upsert(ctx, xr.GetUnstructured())
	if err != nil {
		return CompositionResult{}, errors.Wrap(err, errApplyXR)
	}
	xr.SetResourceVersion(out.GetResourceVersion())
	xr.SetUID(out.GetUID())

	if err := c.composite.GarbageCollectComposedResources(ctx, xr, observed, desired); err != nil {
		return CompositionResult{}, errors.Wrap(err, errGarbageCollectCDs)
	}

	// Produce our array of resources in a stable order. Otherwise
	// conditions and events derived from it flap between runs.
	resources := make([]ComposedResource, 0, len(desired))
	for name := range desired {
		resources = append(resources, ComposedResource{ResourceName: name, Synced: true})
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].ResourceName < resources[j].ResourceName })

	conn := managed.ConnectionDetails{}
	for i := range resources {
		name := resources[i].ResourceName
		dr := desired[name]

		if err := c.apply(ctx, dr.Resource); err != nil {
			events = append(events, event.Warning(reasonCompose, errors.Wrapf(err, "cannot apply composed resource %q", dr.Resource.GetName())))
			resources[i].Synced = false
			continue
		}

		resources[i].Ready = dr.Ready
		for k, v := range dr.ConnectionDetails {
			conn[k] = v
		}
	}

	if dxr := d.GetComposite(); dxr != nil {
		for k, v := range dxr.ConnectionDetails {
			conn[k] = v
		}
	}

	return CompositionResult{Composed: resources, ConnectionDetails: conn, Events: events}, nil
}

// apply writes the desired composed resource to the store, creating it if it
// does not exist and updating it if its desired document differs from the
// stored one. An unchanged resource results in no write at all.
func (c *FunctionComposer) apply(ctx context.Context, cd *composed.Unstructured) error {
	key := types.NamespacedName{Namespace: cd.GetNamespace(), Name: cd.GetName()}

	current, err := c.store.Get(ctx, cd.GetKind(), key)
	if kerrors.IsNotFound(err) {
		cd.SetResourceVersion("")
		_, err := c.store.Upsert(ctx, &cd.Unstructured)
		return err
	}
	if err != nil {
		return err
	}

	updated := current.DeepCopy()
	if spec, ok := cd.Object["spec"]; ok {
		updated.Object["spec"] = spec
	}
	meta.AddAnnotations(updated, cd.GetAnnotations())
	meta.AddLabels(updated, cd.GetLabels())
	updated.SetOwnerReferences(cd.GetOwnerReferences())

	if cmp.Equal(current, updated) {
		return nil
	}

	_, err = c.store.Upsert(ctx, updated)
	return err
}

// UpdateResourceRefs updates the supplied composite's references to the
// supplied composed resources, in a deterministic order.
func UpdateResourceRefs(xr *composite.Unstructured, desired ComposedResourceStates) {
	refs := make([]corev1.ObjectReference, 0, len(desired))

	for _, dr := range desired {
		refs = append(refs, corev1.ObjectReference{
			APIVersion: dr.Resource.GetAPIVersion(),
			Kind:       dr.Resource.GetKind(),
			Namespace:  dr.Resource.GetNamespace(),
			Name:       dr.Resource.GetName(),
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Kind+refs[i].Name < refs[j].Kind+refs[j].Name
	})

	xr.SetResourceReferences(refs)
}

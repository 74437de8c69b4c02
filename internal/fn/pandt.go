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

package fn

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/apimachinery/pkg/util/json"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/fieldpath"

	v1 "github.com/tushardashpute/crossplane-demo/apis/v1"
)

// FunctionPatchAndTransform is the name the patch and transform function is
// conventionally registered under.
const FunctionPatchAndTransform = "function-patch-and-transform"

// Error strings.
const (
	errNoInput            = "no input provided"
	errUnmarshalInput     = "cannot unmarshal function input"
	errNoObservedXR       = "no observed composite resource"
	errPaveXR             = "cannot lookup field paths in observed composite resource"
	errStructFromResource = "cannot encode composed resource to Struct"
	errStructFromXR       = "cannot encode desired composite resource to Struct"

	errFmtUnmarshalBase = "cannot unmarshal base of resource %q"
	errFmtPatch         = "cannot apply patch %d of resource %q"
)

// PatchAndTransform is the built-in templating function. It renders composed
// resource documents from its input's base templates, copies composite spec
// fields into them, and copies observed composed resource fields back into
// the desired composite resource's status.
type PatchAndTransform struct{}

// NewPatchAndTransform returns the built-in patch and transform function.
func NewPatchAndTransform() *PatchAndTransform {
	return &PatchAndTransform{}
}

// RunFunction renders the input's composed resource templates.
func (f *PatchAndTransform) RunFunction(_ context.Context, req *RunFunctionRequest) (*RunFunctionResponse, error) { //nolint:gocognit // The render loop reads best as one unit.
	if req.Input == nil {
		return nil, errors.New(errNoInput)
	}

	b, err := req.Input.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, errUnmarshalInput)
	}
	in := &v1.PatchAndTransformInput{}
	if err := json.Unmarshal(b, in); err != nil {
		return nil, errors.Wrap(err, errUnmarshalInput)
	}

	oxr := req.Observed.GetComposite()
	if oxr == nil || oxr.Resource == nil {
		return nil, errors.New(errNoObservedXR)
	}
	xr := fieldpath.Pave(oxr.Resource.AsMap())

	desired := req.Desired
	if desired == nil {
		desired = &State{}
	}
	if desired.Resources == nil {
		desired.Resources = map[string]*Resource{}
	}

	// The desired XR document accumulates status patches. Start from any
	// contribution a previous step made.
	dxr := map[string]any{}
	if dc := desired.GetComposite(); dc != nil && dc.Resource != nil {
		dxr = dc.Resource.AsMap()
	}
	dxrPaved := fieldpath.Pave(dxr)

	for _, t := range in.Resources {
		base := map[string]any{}
		if err := json.Unmarshal(t.Base.Raw, &base); err != nil {
			return nil, errors.Wrapf(err, errFmtUnmarshalBase, t.Name)
		}
		paved := fieldpath.Pave(base)

		for i := range t.Patches {
			p := &t.Patches[i]
			if err := applyPatch(p, xr, dxrPaved, paved, req.Observed.GetResources()[t.Name]); err != nil {
				return nil, errors.Wrapf(err, errFmtPatch, i, t.Name)
			}
		}

		s, err := structpb.NewStruct(base)
		if err != nil {
			return nil, errors.Wrap(err, errStructFromResource)
		}

		dr := &Resource{Resource: s}
		if prior, ok := desired.Resources[t.Name]; ok {
			// Readiness decided by a previous step survives re-rendering.
			dr.Ready = prior.Ready
			dr.ConnectionDetails = prior.ConnectionDetails
		}
		desired.Resources[t.Name] = dr
	}

	if len(dxr) > 0 {
		s, err := structpb.NewStruct(dxr)
		if err != nil {
			return nil, errors.Wrap(err, errStructFromXR)
		}
		desired.Composite = &Resource{Resource: s}
	}

	return &RunFunctionResponse{Desired: desired, Context: req.Context}, nil
}

// applyPatch applies one patch. A patch whose source field is absent is
// skipped; the field may appear on a later reconciliation.
func applyPatch(p *v1.Patch, oxr, dxr, cd *fieldpath.Paved, ocd *Resource) error {
	switch p.GetType() {
	case v1.PatchTypeFromCompositeFieldPath:
		in, err := oxr.GetValue(p.FromFieldPath)
		if fieldpath.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errPaveXR)
		}
		out, err := resolveTransforms(p.Transforms, in)
		if err != nil {
			return err
		}
		return cd.SetValue(p.GetToFieldPath(), out)

	case v1.PatchTypeToCompositeFieldPath:
		if ocd == nil || ocd.Resource == nil {
			// Nothing observed for this resource yet.
			return nil
		}
		in, err := fieldpath.Pave(ocd.Resource.AsMap()).GetValue(p.FromFieldPath)
		if fieldpath.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err := resolveTransforms(p.Transforms, in)
		if err != nil {
			return err
		}
		return dxr.SetValue(p.GetToFieldPath(), out)
	}

	return errors.Errorf("unsupported patch type %q", p.GetType())
}

func resolveTransforms(ts []v1.Transform, in any) (any, error) {
	out := in
	for i := range ts {
		var err error
		out, err = ts[i].Resolve(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

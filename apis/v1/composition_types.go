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

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Package type metadata.
const (
	Group   = "apiextensions.crossplane.io"
	Version = "v1"

	// CompositionKind is the kind of Composition documents.
	CompositionKind = "Composition"

	// CompositeResourceDefinitionKind is the kind of definition documents.
	CompositeResourceDefinitionKind = "CompositeResourceDefinition"
)

// A Composition defines the pipeline of functions used to compose the managed
// resources of a particular kind of composite resource.
type Composition struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec CompositionSpec `json:"spec"`
}

// A CompositionSpec specifies the desired state of a Composition.
type CompositionSpec struct {
	// CompositeTypeRef specifies the type of composite resource that this
	// composition is compatible with.
	CompositeTypeRef TypeReference `json:"compositeTypeRef"`

	// Pipeline is the ordered list of function steps used to compose the
	// composite resource's managed resources.
	Pipeline []PipelineStep `json:"pipeline"`
}

// TypeReference is used to refer to a type of resource.
type TypeReference struct {
	// APIVersion of the type.
	APIVersion string `json:"apiVersion"`

	// Kind of the type.
	Kind string `json:"kind"`
}

// TypeReferenceTo returns a reference to the supplied GroupVersionKind.
func TypeReferenceTo(gvk schema.GroupVersionKind) TypeReference {
	return TypeReference{APIVersion: gvk.GroupVersion().String(), Kind: gvk.Kind}
}

// GroupVersionKind returns the GroupVersionKind of the type reference.
func (r TypeReference) GroupVersionKind() schema.GroupVersionKind {
	return schema.FromAPIVersionAndKind(r.APIVersion, r.Kind)
}

// A PipelineStep in a function pipeline.
type PipelineStep struct {
	// Step name. Unique within its pipeline.
	Step string `json:"step"`

	// FunctionRef is a reference to the function this step should execute.
	FunctionRef FunctionReference `json:"functionRef"`

	// Input is an optional, arbitrary input passed to this step.
	Input *runtime.RawExtension `json:"input,omitempty"`
}

// A FunctionReference references a function that may be used in a pipeline
// step. The engine only ever sees a function's structured input and output.
type FunctionReference struct {
	// Name of the referenced function.
	Name string `json:"name"`
}

// Validate the Composition. All violations are returned, not just the first.
func (c *Composition) Validate() field.ErrorList {
	errs := field.ErrorList{}
	spec := field.NewPath("spec")

	if c.Spec.CompositeTypeRef.APIVersion == "" {
		errs = append(errs, field.Required(spec.Child("compositeTypeRef", "apiVersion"), "must be specified"))
	}
	if c.Spec.CompositeTypeRef.Kind == "" {
		errs = append(errs, field.Required(spec.Child("compositeTypeRef", "kind"), "must be specified"))
	}

	if len(c.Spec.Pipeline) == 0 {
		errs = append(errs, field.Required(spec.Child("pipeline"), "pipeline must have at least one step"))
	}

	seen := map[string]bool{}
	for i, s := range c.Spec.Pipeline {
		if s.Step == "" {
			errs = append(errs, field.Required(spec.Child("pipeline").Index(i).Child("step"), "must be specified"))
		}
		if seen[s.Step] {
			errs = append(errs, field.Duplicate(spec.Child("pipeline").Index(i).Child("step"), s.Step))
		}
		seen[s.Step] = true
		if s.FunctionRef.Name == "" {
			errs = append(errs, field.Required(spec.Child("pipeline").Index(i).Child("functionRef", "name"), "must be specified"))
		}
	}

	return errs
}

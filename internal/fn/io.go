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

// Package fn defines the function invocation boundary of the composition
// engine: the structured request and response documents passed to each
// pipeline step, and the registry of available functions. This boundary is
// the only place the engine is polymorphic over step kinds.
package fn

import (
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// Error strings.
const (
	errStructFromUnstructured = "cannot create Struct"
)

// Ready indicates whether a composed resource should be considered ready.
type Ready int32

// Ready values. Unspecified readiness is left for a later step (typically an
// auto-ready function) or the reconciler to decide.
const (
	ReadyUnspecified Ready = iota
	ReadyTrue
	ReadyFalse
)

// Severity of a function result.
type Severity int32

// Result severities. A fatal result aborts the pipeline run.
const (
	SeverityFatal Severity = iota + 1
	SeverityWarning
	SeverityNormal
)

// A Result is a message produced by a function run.
type Result struct {
	Severity Severity
	Reason   string
	Message  string
}

// A Resource is a resource document plus its connection details and
// readiness, as passed across the function boundary.
type Resource struct {
	// Resource document, serialized as a Struct.
	Resource *structpb.Struct

	// ConnectionDetails of the resource, if any.
	ConnectionDetails map[string][]byte

	// Ready indicates whether the resource should be considered ready.
	// Meaningful on desired resources only.
	Ready Ready
}

// A State is the composite resource and its named composed resources, either
// as observed or as desired.
type State struct {
	// Composite resource.
	Composite *Resource

	// Resources is the named set of composed resources.
	Resources map[string]*Resource
}

// GetResources returns the state's resource map, which may be nil.
func (s *State) GetResources() map[string]*Resource {
	if s == nil {
		return nil
	}
	return s.Resources
}

// GetComposite returns the state's composite resource, which may be nil.
func (s *State) GetComposite() *Resource {
	if s == nil {
		return nil
	}
	return s.Composite
}

// A RunFunctionRequest asks a function to run. Observed state is a read-only
// snapshot; desired state and context are the accumulator threaded through
// the pipeline.
type RunFunctionRequest struct {
	// Observed state of the composite resource and any existing composed
	// resources, including provider status.
	Observed *State

	// Desired state accumulated by previous pipeline steps.
	Desired *State

	// Context threaded between pipeline steps. Never persisted.
	Context *structpb.Struct

	// Input is the step's arbitrary input document, if any.
	Input *structpb.Struct
}

// A RunFunctionResponse is a function's desired state contribution.
type RunFunctionResponse struct {
	// Desired state, to be passed to the next step.
	Desired *State

	// Context, to be passed to the next step.
	Context *structpb.Struct

	// Results of the function run.
	Results []Result
}

// AsStruct converts the supplied unstructured object to a Struct.
func AsStruct(u *unstructured.Unstructured) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(u.Object)
	return s, errors.Wrap(err, errStructFromUnstructured)
}

// FromStruct populates the supplied unstructured object with the content of
// the Struct.
func FromStruct(u *unstructured.Unstructured, s *structpb.Struct) {
	u.Object = s.AsMap()
}

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

// Package composite implements composite resources: the reconciler that
// converges a composite resource's managed resources with the desired state
// produced by its composition's function pipeline.
package composite

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/crossplane/crossplane-runtime/pkg/event"
	"github.com/crossplane/crossplane-runtime/pkg/meta"
	"github.com/crossplane/crossplane-runtime/pkg/reconciler/managed"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composed"

	v1 "github.com/tushardashpute/crossplane-demo/apis/v1"
)

// AnnotationKeyCompositionResourceName is the annotation that identifies
// which entry of the desired state a composed resource was created for. The
// entry name is stable across pipeline runs; the resource's own name may be
// generated.
const AnnotationKeyCompositionResourceName = "crossplane.io/composition-resource-name"

// SetCompositionResourceName sets the name of the desired state entry the
// supplied composed resource corresponds to.
func SetCompositionResourceName(o metav1.Object, n ResourceName) {
	meta.AddAnnotations(o, map[string]string{AnnotationKeyCompositionResourceName: string(n)})
}

// GetCompositionResourceName returns the name of the desired state entry the
// supplied composed resource corresponds to.
func GetCompositionResourceName(o metav1.Object) ResourceName {
	return ResourceName(o.GetAnnotations()[AnnotationKeyCompositionResourceName])
}

// A ResourceName uniquely identifies a composed resource within a
// composition's desired state. This is not the metadata.name of the actual
// composed resource instance; it is the name of an entry in the desired
// state mapping.
type ResourceName string

// A ComposedResource is an output of the composition process.
type ComposedResource struct {
	// ResourceName of the composed resource.
	ResourceName ResourceName

	// Ready indicates whether this composed resource is ready, per the
	// readiness reported by the function pipeline.
	Ready bool

	// Synced indicates whether the composition process was able to sync
	// the composed resource with its desired state.
	Synced bool
}

// ComposedResourceState represents a composed resource, either desired or
// observed.
type ComposedResourceState struct {
	Resource          *composed.Unstructured
	ConnectionDetails managed.ConnectionDetails
	Ready             bool
}

// ComposedResourceStates tracks the state of composed resources by their
// desired state entry name.
type ComposedResourceStates map[ResourceName]ComposedResourceState

// A CompositionRequest is a request to compose resources. It should be
// treated as immutable.
type CompositionRequest struct {
	Composition *v1.Composition
}

// A CompositionResult is the result of the composition process.
type CompositionResult struct {
	// Composed resource details.
	Composed []ComposedResource

	// Composite resource connection details.
	ConnectionDetails managed.ConnectionDetails

	// Events produced by the pipeline.
	Events []event.Event
}

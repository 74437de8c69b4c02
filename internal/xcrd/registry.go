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

// Package xcrd holds the schema registry for claim and composite resource
// types. Schemas are structural descriptions equivalent to an XRD's
// openAPIV3Schema; validation collects every violation and applies declared
// defaults.
package xcrd

import (
	"sync"

	extv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// A Registry maps resource types to their structural schemas. It is
// explicitly constructed and injected; there is no process-wide registry.
type Registry struct {
	mu      sync.RWMutex
	schemas map[schema.GroupVersionKind]*extv1.JSONSchemaProps
}

// NewRegistry returns an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: map[schema.GroupVersionKind]*extv1.JSONSchemaProps{}}
}

// Register the supplied schema for the supplied type. Registering a type
// twice replaces its schema.
func (r *Registry) Register(gvk schema.GroupVersionKind, s *extv1.JSONSchemaProps) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[gvk] = s.DeepCopy()
}

// Get returns the schema registered for the supplied type.
func (r *Registry) Get(gvk schema.GroupVersionKind) (*extv1.JSONSchemaProps, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.schemas[gvk]
	if !ok {
		return nil, kerrors.NewNotFound(schema.GroupResource{Group: gvk.Group, Resource: gvk.Kind}, gvk.String())
	}
	return s.DeepCopy(), nil
}

// Validate the supplied object against the schema registered for its type.
// Every violation is reported, not just the first. On success the returned
// object is a deep copy with declared defaults applied to absent optional
// fields; the supplied object is never mutated.
func (r *Registry) Validate(gvk schema.GroupVersionKind, obj *unstructured.Unstructured) (*unstructured.Unstructured, field.ErrorList) {
	s, err := r.Get(gvk)
	if err != nil {
		return nil, field.ErrorList{field.NotFound(field.NewPath("apiVersion"), gvk.String())}
	}

	out := obj.DeepCopy()
	errs := validateObject(nil, s, out.Object)
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

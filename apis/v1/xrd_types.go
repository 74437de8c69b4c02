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
	extv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// A CompositeResourceDefinition defines a kind of composite resource and,
// optionally, the kind of claim that may be used to request one. Both kinds
// share the supplied schema for their parameters.
type CompositeResourceDefinition struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec CompositeResourceDefinitionSpec `json:"spec"`
}

// CompositeResourceDefinitionSpec specifies the desired state of the
// definition.
type CompositeResourceDefinitionSpec struct {
	// Group of the defined composite resource (and claim, if any).
	Group string `json:"group"`

	// Names of the defined composite resource.
	Names extv1.CustomResourceDefinitionNames `json:"names"`

	// ClaimNames of the claim that may request the defined composite
	// resource. Claims are disabled when omitted.
	ClaimNames *extv1.CustomResourceDefinitionNames `json:"claimNames,omitempty"`

	// Versions of the defined composite resource.
	Versions []CompositeResourceDefinitionVersion `json:"versions"`
}

// A CompositeResourceDefinitionVersion describes one version of a composite
// resource, including the structural schema of its parameters.
type CompositeResourceDefinitionVersion struct {
	// Name of this version, e.g. v1.
	Name string `json:"name"`

	// Schema describes the structure of the composite resource's (and
	// claim's) spec and status.
	Schema *extv1.JSONSchemaProps `json:"schema,omitempty"`
}

// GroupVersionKind of the defined composite resource for the supplied
// version.
func (d *CompositeResourceDefinition) GroupVersionKind(version string) schema.GroupVersionKind {
	return schema.GroupVersionKind{Group: d.Spec.Group, Version: version, Kind: d.Spec.Names.Kind}
}

// ClaimGroupVersionKind of the defined claim for the supplied version. Returns
// an empty GroupVersionKind when claims are disabled.
func (d *CompositeResourceDefinition) ClaimGroupVersionKind(version string) schema.GroupVersionKind {
	if d.Spec.ClaimNames == nil {
		return schema.GroupVersionKind{}
	}
	return schema.GroupVersionKind{Group: d.Spec.Group, Version: version, Kind: d.Spec.ClaimNames.Kind}
}

// Validate the definition. All violations are returned, not just the first.
func (d *CompositeResourceDefinition) Validate() field.ErrorList {
	errs := field.ErrorList{}
	spec := field.NewPath("spec")

	if d.Spec.Group == "" {
		errs = append(errs, field.Required(spec.Child("group"), "must be specified"))
	}
	if d.Spec.Names.Kind == "" {
		errs = append(errs, field.Required(spec.Child("names", "kind"), "must be specified"))
	}
	if d.Spec.ClaimNames != nil && d.Spec.ClaimNames.Kind == d.Spec.Names.Kind {
		errs = append(errs, field.Invalid(spec.Child("claimNames", "kind"), d.Spec.ClaimNames.Kind, "must differ from composite resource kind"))
	}
	if len(d.Spec.Versions) == 0 {
		errs = append(errs, field.Required(spec.Child("versions"), "must have at least one version"))
	}
	for i, v := range d.Spec.Versions {
		if v.Name == "" {
			errs = append(errs, field.Required(spec.Child("versions").Index(i).Child("name"), "must be specified"))
		}
	}

	return errs
}

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

package claim

import (
	"context"

	xpv1 "github.com/crossplane/crossplane-runtime/apis/common/v1"
	"github.com/crossplane/crossplane-runtime/pkg/errors"
	claimresource "github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/claim"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	"dario.cat/mergo"
)

const (
	errMergeStatus = "cannot merge composite resource status into claim status"
)

// Claim spec fields that are machinery of the claim itself and must not
// propagate to the composite resource's spec.
var claimSpecMachinery = []string{"resourceRef", "writeConnectionSecretToRef"}

// Composite spec fields owned by the composition engine. They survive
// reconfiguration of the composite from its claim.
var compositeSpecMachinery = []string{"resourceRefs", "claimRef", "compositionRef", "writeConnectionSecretToRef"}

// Composite status fields that do not propagate back to the claim.
var compositeStatusMachinery = []string{"conditions"}

// A CompositeConfigurator configures the target composite resource of a
// claim, deriving the composite's spec from the claim's.
type CompositeConfigurator interface {
	Configure(ctx context.Context, cm *claimresource.Unstructured, xr *composite.Unstructured) error
}

// A CompositeConfiguratorFn configures the target composite resource of a
// claim.
type CompositeConfiguratorFn func(ctx context.Context, cm *claimresource.Unstructured, xr *composite.Unstructured) error

// Configure the target composite resource of a claim.
func (fn CompositeConfiguratorFn) Configure(ctx context.Context, cm *claimresource.Unstructured, xr *composite.Unstructured) error {
	return fn(ctx, cm, xr)
}

// ConfigureComposite derives the supplied composite resource's spec from the
// supplied claim's, leaving the composite's own machinery fields alone. The
// claim is expected to have been validated and defaulted already.
func ConfigureComposite(_ context.Context, cm *claimresource.Unstructured, xr *composite.Unstructured) error {
	spec := map[string]any{}
	if cs, ok := cm.Object["spec"].(map[string]any); ok {
		for k, v := range cs {
			spec[k] = v
		}
	}
	for _, k := range claimSpecMachinery {
		delete(spec, k)
	}

	if xs, ok := xr.Object["spec"].(map[string]any); ok {
		for _, k := range compositeSpecMachinery {
			if v, ok := xs[k]; ok {
				spec[k] = v
			}
		}
	}

	xr.Object["spec"] = spec

	// The composite's connection secret lives alongside the claim's,
	// named after the composite so the two don't collide.
	if cm.GetWriteConnectionSecretToReference() != nil && xr.GetWriteConnectionSecretToReference() == nil {
		xr.SetWriteConnectionSecretToReference(&xpv1.SecretReference{
			Namespace: cm.GetNamespace(),
			Name:      xr.GetName(),
		})
	}

	return nil
}

// A ClaimConfigurator configures a claim, propagating its composite
// resource's status back to it.
type ClaimConfigurator interface {
	Configure(ctx context.Context, xr *composite.Unstructured, cm *claimresource.Unstructured) error
}

// A ClaimConfiguratorFn configures a claim.
type ClaimConfiguratorFn func(ctx context.Context, xr *composite.Unstructured, cm *claimresource.Unstructured) error

// Configure the supplied claim.
func (fn ClaimConfiguratorFn) Configure(ctx context.Context, xr *composite.Unstructured, cm *claimresource.Unstructured) error {
	return fn(ctx, xr, cm)
}

// ConfigureClaim merges the supplied composite resource's status into the
// supplied claim's, skipping the composite's conditions. The claim's own
// conditions are derived by its reconciler, not copied.
func ConfigureClaim(_ context.Context, xr *composite.Unstructured, cm *claimresource.Unstructured) error {
	xs, ok := xr.Object["status"].(map[string]any)
	if !ok {
		return nil
	}

	status := map[string]any{}
	for k, v := range xs {
		status[k] = v
	}
	for _, k := range compositeStatusMachinery {
		delete(status, k)
	}

	existing, _ := cm.Object["status"].(map[string]any)
	if existing == nil {
		existing = map[string]any{}
	}
	if err := mergo.Merge(&existing, status, mergo.WithOverride); err != nil {
		return errors.Wrap(err, errMergeStatus)
	}

	cm.Object["status"] = existing
	return nil
}

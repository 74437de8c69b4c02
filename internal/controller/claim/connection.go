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

	"github.com/google/go-cmp/cmp"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/meta"
	claimresource "github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/claim"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"

	compositectrl "github.com/tushardashpute/crossplane-demo/internal/controller/composite"
)

const (
	errGetXRSecret   = "cannot get composite resource connection secret"
	errApplyCMSecret = "cannot apply claim connection secret"
)

// A ConnectionPropagator propagates connection details from a composite
// resource's connection secret to its claim's.
type ConnectionPropagator interface {
	// PropagateConnection details from the composite to the claim.
	// Returns true if the claim's secret was created or updated.
	PropagateConnection(ctx context.Context, cm *claimresource.Unstructured, xr *composite.Unstructured) (propagated bool, err error)
}

// A ConnectionPropagatorFn propagates connection details.
type ConnectionPropagatorFn func(ctx context.Context, cm *claimresource.Unstructured, xr *composite.Unstructured) (propagated bool, err error)

// PropagateConnection details from the composite to the claim.
func (fn ConnectionPropagatorFn) PropagateConnection(ctx context.Context, cm *claimresource.Unstructured, xr *composite.Unstructured) (bool, error) {
	return fn(ctx, cm, xr)
}

// A SecretConnectionPropagator copies the composite resource's connection
// secret to the secret the claim asks for. The copy is controlled by the
// claim, so deleting the claim cascades to it.
type SecretConnectionPropagator struct {
	store Store
}

// NewSecretConnectionPropagator returns a ConnectionPropagator that copies
// connection secrets between documents in the supplied store.
func NewSecretConnectionPropagator(s Store) *SecretConnectionPropagator {
	return &SecretConnectionPropagator{store: s}
}

// PropagateConnection details from the composite to the claim. Nothing is
// propagated until both resources ask for a connection secret and the
// composite's has been published. Propagation is idempotent.
func (p *SecretConnectionPropagator) PropagateConnection(ctx context.Context, cm *claimresource.Unstructured, xr *composite.Unstructured) (bool, error) {
	cref := cm.GetWriteConnectionSecretToReference()
	xref := xr.GetWriteConnectionSecretToReference()
	if cref == nil || xref == nil {
		return false, nil
	}

	from, err := p.store.Get(ctx, compositectrl.SecretKind, types.NamespacedName{Namespace: xref.Namespace, Name: xref.Name})
	if kerrors.IsNotFound(err) {
		// Not published yet.
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errGetXRSecret)
	}

	to := from.DeepCopy()
	to.SetResourceVersion("")
	to.SetUID("")
	to.SetCreationTimestamp(metav1.Time{})
	to.SetNamespace(cm.GetNamespace())
	to.SetName(cref.Name)
	to.SetOwnerReferences(nil)
	meta.AddOwnerReference(to, meta.AsController(meta.TypedReferenceTo(cm, cm.GroupVersionKind())))

	current, err := p.store.Get(ctx, compositectrl.SecretKind, types.NamespacedName{Namespace: to.GetNamespace(), Name: to.GetName()})
	if kerrors.IsNotFound(err) {
		_, err := p.store.Upsert(ctx, to)
		return true, errors.Wrap(err, errApplyCMSecret)
	}
	if err != nil {
		return false, errors.Wrap(err, errApplyCMSecret)
	}

	if cmp.Equal(current.Object["data"], to.Object["data"]) {
		return false, nil
	}

	to.SetResourceVersion(current.GetResourceVersion())
	_, err = p.store.Upsert(ctx, to)
	return true, errors.Wrap(err, errApplyCMSecret)
}

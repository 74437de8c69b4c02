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
	"encoding/base64"

	"github.com/google/go-cmp/cmp"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/meta"
	"github.com/crossplane/crossplane-runtime/pkg/reconciler/managed"
	"github.com/crossplane/crossplane-runtime/pkg/resource/unstructured/composite"
)

// SecretKind is the kind under which connection secrets are stored.
const SecretKind = "Secret"

// SecretTypeConnection is the type of connection secrets.
const SecretTypeConnection = "connection.crossplane.io/v1alpha1"

const (
	errGetSecret   = "cannot get connection secret"
	errApplySecret = "cannot apply connection secret"
)

// A ConnectionPublisher publishes connection details for a composite
// resource.
type ConnectionPublisher interface {
	// PublishConnection details for the supplied composite. Returns true
	// if the secret was created or updated.
	PublishConnection(ctx context.Context, xr *composite.Unstructured, c managed.ConnectionDetails) (published bool, err error)
}

// A ConnectionPublisherFn publishes connection details for a composite
// resource.
type ConnectionPublisherFn func(ctx context.Context, xr *composite.Unstructured, c managed.ConnectionDetails) (published bool, err error)

// PublishConnection details for the supplied composite.
func (fn ConnectionPublisherFn) PublishConnection(ctx context.Context, xr *composite.Unstructured, c managed.ConnectionDetails) (bool, error) {
	return fn(ctx, xr, c)
}

// A SecretConnectionPublisher publishes connection details as a secret
// document in the resource store. The secret is controlled by the composite,
// so deleting the composite cascades to the secret.
type SecretConnectionPublisher struct {
	store Store
}

// NewSecretConnectionPublisher returns a ConnectionPublisher that writes
// connection secrets to the supplied store.
func NewSecretConnectionPublisher(s Store) *SecretConnectionPublisher {
	return &SecretConnectionPublisher{store: s}
}

// PublishConnection writes the supplied connection details to the secret the
// composite asks for, if any. Publishing is idempotent; an unchanged secret
// results in no write.
func (p *SecretConnectionPublisher) PublishConnection(ctx context.Context, xr *composite.Unstructured, c managed.ConnectionDetails) (bool, error) {
	ref := xr.GetWriteConnectionSecretToReference()
	if ref == nil || len(c) == 0 {
		return false, nil
	}

	s := ConnectionSecretFor(xr, c)
	s.SetNamespace(ref.Namespace)
	s.SetName(ref.Name)

	current, err := p.store.Get(ctx, SecretKind, types.NamespacedName{Namespace: ref.Namespace, Name: ref.Name})
	if kerrors.IsNotFound(err) {
		_, err := p.store.Upsert(ctx, s)
		return true, errors.Wrap(err, errApplySecret)
	}
	if err != nil {
		return false, errors.Wrap(err, errGetSecret)
	}

	if cmp.Equal(current.Object["data"], s.Object["data"]) {
		return false, nil
	}

	s.SetResourceVersion(current.GetResourceVersion())
	_, err = p.store.Upsert(ctx, s)
	return true, errors.Wrap(err, errApplySecret)
}

// ConnectionSecretFor returns a connection secret document controlled by the
// supplied composite, containing the supplied details base64 encoded.
func ConnectionSecretFor(xr *composite.Unstructured, c managed.ConnectionDetails) *unstructured.Unstructured {
	data := map[string]any{}
	for k, v := range c {
		data[k] = base64.StdEncoding.EncodeToString(v)
	}

	s := &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "v1",
		"kind":       SecretKind,
		"type":       SecretTypeConnection,
		"data":       data,
	}}
	meta.AddOwnerReference(s, meta.AsController(meta.TypedReferenceTo(xr, xr.GroupVersionKind())))

	return s
}

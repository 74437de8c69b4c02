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

// Package names implements name generation for composed resources.
package names

import (
	"context"
	"fmt"
	"strings"

	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	utilrand "k8s.io/apimachinery/pkg/util/rand"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

const (
	errGenerateName = "cannot generate a name for a resource"

	maxNameLength          = 253
	randomSuffixLength     = 5
	maxGeneratedNameLength = maxNameLength - randomSuffixLength
)

// A StoreReader can get a stored object by kind and key.
type StoreReader interface {
	Get(ctx context.Context, kind string, key types.NamespacedName) (*unstructured.Unstructured, error)
}

// A NameGenerator finds a free name for a resource with a specified
// metadata.generateName value. The name is temporarily available, but might
// be taken by the time the resource is created.
type NameGenerator interface {
	GenerateName(ctx context.Context, cd *unstructured.Unstructured) error
}

// A NameGeneratorFn is a function that satisfies NameGenerator.
type NameGeneratorFn func(ctx context.Context, cd *unstructured.Unstructured) error

// GenerateName generates a name and verifies temporary availability.
func (fn NameGeneratorFn) GenerateName(ctx context.Context, cd *unstructured.Unstructured) error {
	return fn(ctx, cd)
}

type nameGenerator struct {
	reader StoreReader
}

// NewNameGenerator returns a NameGenerator that generates names using the
// same algorithm as the API server and verifies availability in the store.
func NewNameGenerator(r StoreReader) NameGenerator {
	return &nameGenerator{reader: r}
}

// GenerateName generates a name for the supplied object from its
// generateName prefix and sets it. Ten attempts are made before giving up,
// like the API server does.
func (r *nameGenerator) GenerateName(ctx context.Context, cd *unstructured.Unstructured) error {
	prefix := cd.GetGenerateName()
	if prefix == "" || cd.GetName() != "" {
		return nil
	}
	if len(prefix) > maxGeneratedNameLength {
		prefix = prefix[:maxGeneratedNameLength]
	}
	if !strings.HasSuffix(prefix, "-") {
		prefix += "-"
	}

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("%s%s", prefix, utilrand.String(randomSuffixLength))
		_, err := r.reader.Get(ctx, cd.GetKind(), types.NamespacedName{Namespace: cd.GetNamespace(), Name: name})
		if kerrors.IsNotFound(err) {
			cd.SetName(name)
			return nil
		}
		if err != nil {
			return err
		}
	}

	return errors.New(errGenerateName)
}

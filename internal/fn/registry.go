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
	"sync"

	kerrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// A Function runs one composition pipeline step. A function must be a pure
// transformation of its request; anything it wants to say about the world
// goes in its response.
type Function interface {
	RunFunction(ctx context.Context, req *RunFunctionRequest) (*RunFunctionResponse, error)
}

// A FunctionFn runs one composition pipeline step.
type FunctionFn func(ctx context.Context, req *RunFunctionRequest) (*RunFunctionResponse, error)

// RunFunction runs the pipeline step.
func (fn FunctionFn) RunFunction(ctx context.Context, req *RunFunctionRequest) (*RunFunctionResponse, error) {
	return fn(ctx, req)
}

// A Descriptor describes a registered function.
type Descriptor struct {
	// Name the function is registered under.
	Name string
}

// A Registry maps function names to implementations. It is explicitly
// constructed and injected; there is no process-wide registry.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Function
}

// NewRegistry returns an empty function registry.
func NewRegistry() *Registry {
	return &Registry{fns: map[string]Function{}}
}

// Register the supplied function under the descriptor's name.
func (r *Registry) Register(d Descriptor, f Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[d.Name] = f
}

// RunFunction runs the named function with the supplied request. Unknown
// names fail with a not found error, which the caller surfaces and retries
// since the function may be registered later.
func (r *Registry) RunFunction(ctx context.Context, name string, req *RunFunctionRequest) (*RunFunctionResponse, error) {
	r.mu.RLock()
	f, ok := r.fns[name]
	r.mu.RUnlock()

	if !ok {
		return nil, kerrors.NewNotFound(schema.GroupResource{Resource: "functions"}, name)
	}
	return f.RunFunction(ctx, req)
}

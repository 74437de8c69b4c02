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
)

// FunctionAutoReady is the name the auto-ready function is conventionally
// registered under.
const FunctionAutoReady = "function-auto-ready"

// AutoReady is the built-in readiness-marking function. A desired resource
// whose readiness no earlier step decided is marked ready when its observed
// copy has the status condition Ready=True. Resources without an observed
// copy are left not ready.
type AutoReady struct{}

// NewAutoReady returns the built-in auto-ready function.
func NewAutoReady() *AutoReady {
	return &AutoReady{}
}

// RunFunction marks desired resources ready based on their observed
// conditions.
func (f *AutoReady) RunFunction(_ context.Context, req *RunFunctionRequest) (*RunFunctionResponse, error) {
	desired := req.Desired
	if desired == nil {
		desired = &State{}
	}

	for name, dr := range desired.GetResources() {
		if dr.Ready != ReadyUnspecified {
			continue
		}
		or, ok := req.Observed.GetResources()[name]
		if !ok || or.Resource == nil {
			continue
		}
		if observedConditionTrue(or, "Ready") {
			dr.Ready = ReadyTrue
		}
	}

	return &RunFunctionResponse{Desired: desired, Context: req.Context}, nil
}

// observedConditionTrue reports whether the observed resource has a status
// condition of the supplied type with status True.
func observedConditionTrue(r *Resource, typ string) bool {
	status, ok := r.Resource.AsMap()["status"].(map[string]any)
	if !ok {
		return false
	}
	conditions, ok := status["conditions"].([]any)
	if !ok {
		return false
	}
	for _, c := range conditions {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		if m["type"] == typ && m["status"] == "True" {
			return true
		}
	}
	return false
}

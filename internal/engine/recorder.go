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

package engine

import (
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/crossplane/crossplane-runtime/pkg/event"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
)

// A LogRecorder records events to a structured log.
type LogRecorder struct {
	log logging.Logger
}

// NewLogRecorder returns a Recorder that logs events.
func NewLogRecorder(l logging.Logger) *LogRecorder {
	return &LogRecorder{log: l}
}

// Event records the supplied event against the supplied object.
func (r *LogRecorder) Event(obj runtime.Object, e event.Event) {
	log := r.log.WithValues("type", e.Type, "reason", e.Reason)
	if o, ok := obj.(interface{ GetName() string }); ok {
		log = log.WithValues("name", o.GetName())
	}
	log.Info(e.Message)
}

// WithAnnotations returns a Recorder that includes the supplied annotations
// with all recorded events.
func (r *LogRecorder) WithAnnotations(keysAndValues ...string) event.Recorder {
	return &LogRecorder{log: r.log.WithValues(toAny(keysAndValues)...)}
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i := range s {
		out[i] = s[i]
	}
	return out
}

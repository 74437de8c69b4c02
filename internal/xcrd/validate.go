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

package xcrd

import (
	"fmt"
	"reflect"

	extv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// validateObject validates the supplied object against the supplied
// structural schema, applying declared defaults for absent optional
// properties as it goes. It accumulates every violation rather than stopping
// at the first.
func validateObject(pp *field.Path, s *extv1.JSONSchemaProps, obj map[string]any) field.ErrorList {
	errs := field.ErrorList{}

	// Defaults apply before required fields are checked, so a required
	// property with a declared default is never a violation.
	for name, prop := range s.Properties {
		prop := prop
		v, ok := obj[name]
		if !ok {
			if prop.Default != nil {
				var d any
				if err := json.Unmarshal(prop.Default.Raw, &d); err != nil {
					errs = append(errs, field.InternalError(child(pp, name), err))
					continue
				}
				obj[name] = d
			}
			continue
		}
		errs = append(errs, validateValue(child(pp, name), &prop, v)...)
	}

	for _, name := range s.Required {
		if _, ok := obj[name]; !ok {
			errs = append(errs, field.Required(child(pp, name), "is required"))
		}
	}

	return errs
}

func validateValue(p *field.Path, s *extv1.JSONSchemaProps, v any) field.ErrorList {
	errs := field.ErrorList{}

	if ok, want := hasType(s.Type, v); !ok {
		errs = append(errs, field.Invalid(p, v, fmt.Sprintf("must be of type %s", want)))
		return errs
	}

	if len(s.Enum) > 0 && !inEnum(s.Enum, v) {
		errs = append(errs, field.NotSupported(p, v, enumValues(s.Enum)))
	}

	if n, ok := asNumber(v); ok {
		if s.Minimum != nil && n < *s.Minimum {
			errs = append(errs, field.Invalid(p, v, fmt.Sprintf("must be greater than or equal to %v", *s.Minimum)))
		}
		if s.Maximum != nil && n > *s.Maximum {
			errs = append(errs, field.Invalid(p, v, fmt.Sprintf("must be less than or equal to %v", *s.Maximum)))
		}
	}

	switch tv := v.(type) {
	case map[string]any:
		errs = append(errs, validateObject(p, s, tv)...)
	case []any:
		if s.Items != nil && s.Items.Schema != nil {
			for i, item := range tv {
				errs = append(errs, validateValue(p.Index(i), s.Items.Schema, item)...)
			}
		}
	}

	return errs
}

// hasType reports whether the supplied value is of the supplied schema type.
// An empty schema type matches anything.
func hasType(t string, v any) (bool, string) {
	switch t {
	case "":
		return true, ""
	case "string":
		_, ok := v.(string)
		return ok, t
	case "boolean":
		_, ok := v.(bool)
		return ok, t
	case "integer":
		switch n := v.(type) {
		case int64, int:
			return true, t
		case float64:
			return n == float64(int64(n)), t
		default:
			return false, t
		}
	case "number":
		_, ok := asNumber(v)
		return ok, t
	case "object":
		_, ok := v.(map[string]any)
		return ok, t
	case "array":
		_, ok := v.([]any)
		return ok, t
	default:
		return true, ""
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func inEnum(enum []extv1.JSON, v any) bool {
	for _, e := range enum {
		var ev any
		if err := json.Unmarshal(e.Raw, &ev); err != nil {
			continue
		}
		if reflect.DeepEqual(ev, v) {
			return true
		}
		// JSON numbers decode as float64; tolerate integer inputs.
		if en, ok := asNumber(ev); ok {
			if vn, vok := asNumber(v); vok && en == vn {
				return true
			}
		}
	}
	return false
}

func enumValues(enum []extv1.JSON) []string {
	out := make([]string, 0, len(enum))
	for _, e := range enum {
		var ev any
		if err := json.Unmarshal(e.Raw, &ev); err != nil {
			continue
		}
		out = append(out, fmt.Sprintf("%v", ev))
	}
	return out
}

func child(pp *field.Path, name string) *field.Path {
	if pp == nil {
		return field.NewPath(name)
	}
	return pp.Child(name)
}

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
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/json"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// Error strings.
const (
	errMathNoMultiplier   = "no multiplier specified for math transform"
	errMathInputNonNumber = "input is required to be a number for math transform"

	errFmtMapNotFound         = "key %s is not found in map"
	errFmtMapTypeNotSupported = "type %s is not supported for map transform"
	errFmtTypeNotSupported    = "transform type %s is not supported"
	errFmtConvertNotSupported = "conversion to %s is not supported"
	errFmtTransformFailed     = "%s transform could not resolve"

	errStringTransformNoFormat = "string transform requires a format string"
	errFmtStringConvertFailed  = "type %s is not supported for string convert"
)

// PatchAndTransformInput is the input document of the built-in patch and
// transform function. It carries the templates for the resources the function
// should produce and the patches that shape them.
type PatchAndTransformInput struct {
	APIVersion string `json:"apiVersion,omitempty"`
	Kind       string `json:"kind,omitempty"`

	// Resources to compose, in order.
	Resources []ComposedTemplate `json:"resources"`
}

// A ComposedTemplate names and templates one composed resource.
type ComposedTemplate struct {
	// Name identifies this entry of the desired state. Stable across
	// pipeline runs.
	Name string `json:"name"`

	// Base document of the composed resource.
	Base runtime.RawExtension `json:"base"`

	// Patches applied to (or from) the composed resource, in order.
	Patches []Patch `json:"patches,omitempty"`
}

// A PatchType selects the direction and mechanism of a patch.
type PatchType string

// Supported patch types.
const (
	// PatchTypeFromCompositeFieldPath copies a field of the composite
	// resource into a field of the composed resource. The default.
	PatchTypeFromCompositeFieldPath PatchType = "FromCompositeFieldPath"

	// PatchTypeToCompositeFieldPath copies a field of the observed composed
	// resource into a field of the composite resource's status.
	PatchTypeToCompositeFieldPath PatchType = "ToCompositeFieldPath"
)

// A Patch copies a value between the composite resource and a composed
// resource, optionally transforming it en route.
type Patch struct {
	// Type of the patch. FromCompositeFieldPath when omitted.
	Type PatchType `json:"type,omitempty"`

	// FromFieldPath is the field path of the source document.
	FromFieldPath string `json:"fromFieldPath"`

	// ToFieldPath is the field path of the destination document. Defaults
	// to FromFieldPath.
	ToFieldPath *string `json:"toFieldPath,omitempty"`

	// Transforms applied to the value, in order.
	Transforms []Transform `json:"transforms,omitempty"`
}

// GetType returns the patch's type, defaulting appropriately.
func (p *Patch) GetType() PatchType {
	if p.Type == "" {
		return PatchTypeFromCompositeFieldPath
	}
	return p.Type
}

// GetToFieldPath returns the destination field path, defaulting to the source.
func (p *Patch) GetToFieldPath() string {
	if p.ToFieldPath == nil {
		return p.FromFieldPath
	}
	return *p.ToFieldPath
}

// TransformType is the type of a transform.
type TransformType string

// Accepted TransformTypes.
const (
	TransformTypeMap     TransformType = "map"
	TransformTypeMath    TransformType = "math"
	TransformTypeString  TransformType = "string"
	TransformTypeConvert TransformType = "convert"
)

// A Transform produces an output value from an input value.
type Transform struct {
	// Type of the transform.
	Type TransformType `json:"type"`

	// Map is used when Type is map.
	Map *MapTransform `json:"map,omitempty"`

	// Math is used when Type is math.
	Math *MathTransform `json:"math,omitempty"`

	// String is used when Type is string.
	String *StringTransform `json:"string,omitempty"`

	// Convert is used when Type is convert.
	Convert *ConvertTransform `json:"convert,omitempty"`
}

// Transformer resolves an input value to an output value.
type Transformer interface {
	Resolve(input any) (any, error)
}

// Resolve the supplied input using this transform.
func (t *Transform) Resolve(input any) (any, error) {
	var transformer Transformer
	switch t.Type {
	case TransformTypeMap:
		if t.Map == nil {
			return nil, errors.Errorf(errFmtTypeNotSupported, string(t.Type))
		}
		transformer = t.Map
	case TransformTypeMath:
		if t.Math == nil {
			return nil, errors.Errorf(errFmtTypeNotSupported, string(t.Type))
		}
		transformer = t.Math
	case TransformTypeString:
		if t.String == nil {
			return nil, errors.Errorf(errFmtTypeNotSupported, string(t.Type))
		}
		transformer = t.String
	case TransformTypeConvert:
		if t.Convert == nil {
			return nil, errors.Errorf(errFmtTypeNotSupported, string(t.Type))
		}
		transformer = t.Convert
	default:
		return nil, errors.Errorf(errFmtTypeNotSupported, string(t.Type))
	}
	out, err := transformer.Resolve(input)
	return out, errors.Wrapf(err, errFmtTransformFailed, string(t.Type))
}

// MathTransform conducts mathematical operations on a numeric input.
type MathTransform struct {
	// Multiply the value.
	Multiply *int64 `json:"multiply,omitempty"`
}

// Resolve runs the math transform.
func (m *MathTransform) Resolve(input any) (any, error) {
	if m.Multiply == nil {
		return nil, errors.New(errMathNoMultiplier)
	}
	switch i := input.(type) {
	case int64:
		return *m.Multiply * i, nil
	case int:
		return *m.Multiply * int64(i), nil
	case float64:
		return float64(*m.Multiply) * i, nil
	default:
		return nil, errors.New(errMathInputNonNumber)
	}
}

// MapTransform returns a value for the input from the given map.
type MapTransform struct {
	// Pairs is the map that will be used for the transform.
	Pairs map[string]string `json:",inline"`
}

// The Kubernetes JSON decoder doesn't inline a map into a struct, so the
// marshalling is handled by the methods below.

// UnmarshalJSON into this MapTransform.
func (m *MapTransform) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &m.Pairs)
}

// MarshalJSON from this MapTransform.
func (m MapTransform) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Pairs)
}

// Resolve runs the map transform.
func (m *MapTransform) Resolve(input any) (any, error) {
	switch i := input.(type) {
	case string:
		val, ok := m.Pairs[i]
		if !ok {
			return nil, errors.Errorf(errFmtMapNotFound, i)
		}
		return val, nil
	default:
		return nil, errors.Errorf(errFmtMapTypeNotSupported, reflect.TypeOf(input).String())
	}
}

// StringTransformType transforms a string.
type StringTransformType string

// Accepted StringTransformTypes.
const (
	StringTransformTypeFormat     StringTransformType = "Format" // Default
	StringTransformTypeConvert    StringTransformType = "Convert"
	StringTransformTypeTrimPrefix StringTransformType = "TrimPrefix"
	StringTransformTypeTrimSuffix StringTransformType = "TrimSuffix"
)

// StringConversionType converts a string.
type StringConversionType string

// Accepted StringConversionTypes.
const (
	StringConversionTypeToUpper StringConversionType = "ToUpper"
	StringConversionTypeToLower StringConversionType = "ToLower"
)

// A StringTransform returns a string given the supplied input.
type StringTransform struct {
	// Type of the string transform. Format when omitted.
	Type StringTransformType `json:"type,omitempty"`

	// Format the input using a Go format string.
	Format *string `json:"fmt,omitempty"`

	// Convert the case of the input.
	Convert *StringConversionType `json:"convert,omitempty"`

	// Trim the prefix or suffix from the input.
	Trim *string `json:"trim,omitempty"`
}

// Resolve runs the string transform.
func (s *StringTransform) Resolve(input any) (any, error) {
	t := s.Type
	if t == "" {
		t = StringTransformTypeFormat
	}
	switch t {
	case StringTransformTypeFormat:
		if s.Format == nil {
			return nil, errors.New(errStringTransformNoFormat)
		}
		return fmt.Sprintf(*s.Format, input), nil
	case StringTransformTypeConvert:
		if s.Convert == nil {
			return nil, errors.Errorf(errFmtStringConvertFailed, t)
		}
		str := fmt.Sprintf("%v", input)
		switch *s.Convert {
		case StringConversionTypeToUpper:
			return strings.ToUpper(str), nil
		case StringConversionTypeToLower:
			return strings.ToLower(str), nil
		default:
			return nil, errors.Errorf(errFmtStringConvertFailed, *s.Convert)
		}
	case StringTransformTypeTrimPrefix, StringTransformTypeTrimSuffix:
		str := fmt.Sprintf("%v", input)
		if s.Trim == nil {
			return str, nil
		}
		if t == StringTransformTypeTrimPrefix {
			return strings.TrimPrefix(str, *s.Trim), nil
		}
		return strings.TrimSuffix(str, *s.Trim), nil
	default:
		return nil, errors.Errorf(errFmtTypeNotSupported, string(t))
	}
}

// ConvertTransformType is the target type of a convert transform.
type ConvertTransformType string

// Accepted ConvertTransformTypes.
const (
	ConvertTransformTypeString ConvertTransformType = "string"
	ConvertTransformTypeInt    ConvertTransformType = "int64"
	ConvertTransformTypeFloat  ConvertTransformType = "float64"
	ConvertTransformTypeBool   ConvertTransformType = "bool"
)

// A ConvertTransform converts the input into another type.
type ConvertTransform struct {
	// ToType is the type the input should be converted to.
	ToType ConvertTransformType `json:"toType"`
}

// Resolve runs the convert transform.
func (c *ConvertTransform) Resolve(input any) (any, error) {
	str := fmt.Sprintf("%v", input)
	switch c.ToType {
	case ConvertTransformTypeString:
		return str, nil
	case ConvertTransformTypeInt:
		switch i := input.(type) {
		case int64:
			return i, nil
		case float64:
			return int64(i), nil
		default:
			v, err := strconv.ParseInt(str, 10, 64)
			return v, errors.Wrapf(err, errFmtTransformFailed, string(TransformTypeConvert))
		}
	case ConvertTransformTypeFloat:
		switch i := input.(type) {
		case float64:
			return i, nil
		case int64:
			return float64(i), nil
		default:
			v, err := strconv.ParseFloat(str, 64)
			return v, errors.Wrapf(err, errFmtTransformFailed, string(TransformTypeConvert))
		}
	case ConvertTransformTypeBool:
		v, err := strconv.ParseBool(str)
		return v, errors.Wrapf(err, errFmtTransformFailed, string(TransformTypeConvert))
	default:
		return nil, errors.Errorf(errFmtConvertNotSupported, string(c.ToType))
	}
}

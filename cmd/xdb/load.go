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

package main

import (
	"bufio"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	v1 "github.com/tushardashpute/crossplane-demo/apis/v1"
)

const (
	errFmtReadManifest = "cannot read manifest %q"
)

// LoadManifests loads every YAML document found at the supplied path, which
// may be a file or a directory. Empty documents are skipped.
func LoadManifests(path string) ([]*unstructured.Unstructured, error) {
	var out []*unstructured.Unstructured

	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := strings.ToLower(filepath.Ext(p)); ext != ".yaml" && ext != ".yml" {
			return nil
		}

		f, err := os.Open(p) //nolint:gosec // Loading manifests the user asked us to load.
		if err != nil {
			return errors.Wrapf(err, errFmtReadManifest, p)
		}
		defer f.Close() //nolint:errcheck // Only open for reading.

		docs, err := decodeAll(f)
		if err != nil {
			return errors.Wrapf(err, errFmtReadManifest, p)
		}
		out = append(out, docs...)
		return nil
	})

	return out, err
}

func decodeAll(r io.Reader) ([]*unstructured.Unstructured, error) {
	var out []*unstructured.Unstructured

	d := utilyaml.NewYAMLOrJSONDecoder(bufio.NewReader(r), 4096)
	for {
		obj := map[string]any{}
		err := d.Decode(&obj)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(obj) == 0 {
			continue
		}
		out = append(out, &unstructured.Unstructured{Object: obj})
	}
}

// AsXRD converts a definition document to a CompositeResourceDefinition.
func AsXRD(doc map[string]any) (*v1.CompositeResourceDefinition, error) {
	j, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	xrd := &v1.CompositeResourceDefinition{}
	return xrd, json.Unmarshal(j, xrd)
}

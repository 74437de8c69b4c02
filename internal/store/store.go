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

// Package store implements the in-memory resource store backing the
// composition engine. All shared mutable state lives here; every mutation
// goes through Upsert or Delete, both of which enforce optimistic
// concurrency via resource versions.
package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/api/equality"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/uuid"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
)

// Error strings.
const (
	errMissingKind = "object has no kind"
	errMissingName = "object has no name"
)

// An EventType describes a change to a stored object.
type EventType string

// Event types.
const (
	EventUpserted EventType = "Upserted"
	EventDeleted  EventType = "Deleted"
)

// An Event describes a change to a stored object. Deleted events carry the
// last stored state of the object, so watchers can still route by owner
// references after it is gone.
type Event struct {
	Type   EventType
	Kind   string
	Key    types.NamespacedName
	Object *unstructured.Unstructured
}

// A WatchFunc is notified of every store event. It must not block; watchers
// typically just enqueue a key on a workqueue.
type WatchFunc func(Event)

// A Store is an in-memory, versioned store of unstructured resource
// documents, keyed by kind and namespaced name. Reads and writes return deep
// copies; nothing outside the store can mutate stored state in place.
type Store struct {
	mu      sync.RWMutex
	objects map[string]map[types.NamespacedName]*unstructured.Unstructured

	wmu      sync.RWMutex
	watchers []WatchFunc

	log logging.Logger
}

// An Option configures a Store.
type Option func(*Store)

// WithLogger configures how the Store should log.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// New returns an empty Store.
func New(o ...Option) *Store {
	s := &Store{
		objects: map[string]map[types.NamespacedName]*unstructured.Unstructured{},
		log:     logging.NewNopLogger(),
	}
	for _, fn := range o {
		fn(s)
	}
	return s
}

// Watch registers a function to be notified of every subsequent store event.
func (s *Store) Watch(fn WatchFunc) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.watchers = append(s.watchers, fn)
}

func groupResource(kind string) schema.GroupResource {
	return schema.GroupResource{Resource: strings.ToLower(kind) + "s"}
}

// Get returns a deep copy of the stored object of the supplied kind and key.
func (s *Store) Get(_ context.Context, kind string, key types.NamespacedName) (*unstructured.Unstructured, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.objects[kind][key]
	if !ok {
		return nil, kerrors.NewNotFound(groupResource(kind), key.String())
	}
	return o.DeepCopy(), nil
}

// Upsert writes the supplied object. A create must not carry a resource
// version. An update must carry the stored resource version; a mismatch
// fails with a conflict, signalling that something else wrote between the
// caller's read and this write. System metadata (UID, creation timestamp) is
// managed by the store. An update that changes nothing is not a write: no
// version bump, no event. Clearing the last finalizer of a deleted object
// completes its deletion.
func (s *Store) Upsert(_ context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	kind := obj.GetKind()
	if kind == "" {
		return nil, errors.New(errMissingKind)
	}
	if obj.GetName() == "" {
		return nil, errors.New(errMissingName)
	}
	key := types.NamespacedName{Namespace: obj.GetNamespace(), Name: obj.GetName()}

	stored, changed, deleted, err := s.upsert(kind, key, obj)
	if err != nil {
		return nil, err
	}

	if deleted {
		// Clearing the last finalizer completed a pending deletion.
		s.notify(Event{Type: EventDeleted, Kind: kind, Key: key, Object: stored.DeepCopy()})
		return nil, nil
	}

	if changed {
		s.notify(Event{Type: EventUpserted, Kind: kind, Key: key, Object: stored.DeepCopy()})
	}
	return stored.DeepCopy(), nil
}

func (s *Store) upsert(kind string, key types.NamespacedName, obj *unstructured.Unstructured) (stored *unstructured.Unstructured, changed, deleted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.objects[kind][key]
	if !ok {
		if obj.GetResourceVersion() != "" {
			return nil, false, false, kerrors.NewConflict(groupResource(kind), key.String(), errors.New("object has been deleted"))
		}

		stored := obj.DeepCopy()
		stored.SetUID(uuid.NewUUID())
		stored.SetResourceVersion("1")
		stored.SetCreationTimestamp(metav1.Now())

		if s.objects[kind] == nil {
			s.objects[kind] = map[types.NamespacedName]*unstructured.Unstructured{}
		}
		s.objects[kind][key] = stored
		return stored, true, false, nil
	}

	if rv := obj.GetResourceVersion(); rv != "" && rv != existing.GetResourceVersion() {
		return nil, false, false, kerrors.NewConflict(groupResource(kind), key.String(), errors.New("the object has been modified"))
	}

	stored = obj.DeepCopy()
	stored.SetUID(existing.GetUID())
	stored.SetCreationTimestamp(existing.GetCreationTimestamp())
	if ts := existing.GetDeletionTimestamp(); ts != nil {
		stored.SetDeletionTimestamp(ts)
	}

	if stored.GetDeletionTimestamp() != nil && len(stored.GetFinalizers()) == 0 {
		delete(s.objects[kind], key)
		return stored, true, true, nil
	}

	stored.SetResourceVersion(existing.GetResourceVersion())
	if equality.Semantic.DeepEqual(stored, existing) {
		return existing, false, false, nil
	}

	v, _ := strconv.ParseInt(existing.GetResourceVersion(), 10, 64)
	stored.SetResourceVersion(strconv.FormatInt(v+1, 10))
	s.objects[kind][key] = stored
	return stored, true, false, nil
}

// Delete removes the stored object of the supplied kind and key. An object
// with finalizers is only marked for deletion; it remains readable with a
// deletion timestamp until its finalizers clear.
func (s *Store) Delete(_ context.Context, kind string, key types.NamespacedName) error {
	stored, deleted, err := s.delete(kind, key)
	if err != nil {
		return err
	}

	if deleted {
		s.notify(Event{Type: EventDeleted, Kind: kind, Key: key, Object: stored.DeepCopy()})
		return nil
	}

	s.notify(Event{Type: EventUpserted, Kind: kind, Key: key, Object: stored.DeepCopy()})
	return nil
}

func (s *Store) delete(kind string, key types.NamespacedName) (stored *unstructured.Unstructured, deleted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.objects[kind][key]
	if !ok {
		return nil, false, kerrors.NewNotFound(groupResource(kind), key.String())
	}

	if len(existing.GetFinalizers()) > 0 {
		if existing.GetDeletionTimestamp() != nil {
			// Already marked; waiting on finalizers.
			return existing, false, nil
		}
		stored := existing.DeepCopy()
		now := metav1.NewTime(time.Now())
		stored.SetDeletionTimestamp(&now)
		v, _ := strconv.ParseInt(existing.GetResourceVersion(), 10, 64)
		stored.SetResourceVersion(strconv.FormatInt(v+1, 10))
		s.objects[kind][key] = stored
		return stored, false, nil
	}

	delete(s.objects[kind], key)
	return existing, true, nil
}

// List returns deep copies of all stored objects of the supplied kind.
func (s *Store) List(_ context.Context, kind string) []*unstructured.Unstructured {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*unstructured.Unstructured, 0, len(s.objects[kind]))
	for _, o := range s.objects[kind] {
		out = append(out, o.DeepCopy())
	}
	return out
}

// ListOwnedBy returns deep copies of all stored objects, of any kind, that
// have a controller owner reference to the supplied UID.
func (s *Store) ListOwnedBy(_ context.Context, owner types.UID) []*unstructured.Unstructured {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*unstructured.Unstructured
	for _, objs := range s.objects {
		for _, o := range objs {
			if c := metav1.GetControllerOf(o); c != nil && c.UID == owner {
				out = append(out, o.DeepCopy())
			}
		}
	}
	return out
}

func (s *Store) notify(e Event) {
	s.wmu.RLock()
	watchers := make([]WatchFunc, len(s.watchers))
	copy(watchers, s.watchers)
	s.wmu.RUnlock()

	for _, fn := range watchers {
		fn(e)
	}
}

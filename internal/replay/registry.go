// Copyright 2025 The keel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package replay

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

var (
	contextType    = reflect.TypeOf((*Context)(nil)).Elem()
	stdContextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
)

// Registry maps workflow and activity type names to registered functions.
//
// A workflow function has the shape func(Context, args...) (results..., error).
// An activity function has the shape func(context.Context, args...)
// (results..., error). Both are invoked by reflection with inputs converted
// through the configured serde.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]any
	activities map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]any),
		activities: make(map[string]any),
	}
}

func (r *Registry) RegisterWorkflow(name string, fn any) error {
	if err := validateFn(name, fn, contextType); err != nil {
		return fmt.Errorf("invalid workflow %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

func (r *Registry) RegisterActivity(name string, fn any) error {
	if err := validateFn(name, fn, stdContextType); err != nil {
		return fmt.Errorf("invalid activity %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activities[name]; ok {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = fn
	return nil
}

func (r *Registry) Workflow(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

func (r *Registry) Activity(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	return fn, ok
}

func validateFn(name string, fn any, firstParam reflect.Type) error {
	if fn == nil {
		return fmt.Errorf("nil function")
	}
	t := reflect.TypeOf(fn)
	if t.Kind() != reflect.Func {
		return fmt.Errorf("expected a function, got %s", t.Kind())
	}
	if t.NumIn() == 0 || !t.In(0).Implements(firstParam) {
		return fmt.Errorf("first parameter must be %s", firstParam)
	}
	if t.NumOut() == 0 || !t.Out(t.NumOut()-1).Implements(errorType) {
		return fmt.Errorf("last return value must be error")
	}
	return nil
}

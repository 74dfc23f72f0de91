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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterWorkflow(t *testing.T) {
	reg := NewRegistry()

	wf := func(ctx Context, n int) (int, error) { return n, nil }
	require.NoError(t, reg.RegisterWorkflow("Double", wf))

	_, ok := reg.Workflow("Double")
	assert.True(t, ok)
	_, ok = reg.Workflow("Missing")
	assert.False(t, ok)

	assert.Error(t, reg.RegisterWorkflow("Double", wf), "duplicate name")
}

func TestRegisterWorkflowInvalidShapes(t *testing.T) {
	reg := NewRegistry()

	tests := []struct {
		name string
		fn   any
	}{
		{"nil", nil},
		{"not a function", 42},
		{"no parameters", func() error { return nil }},
		{"wrong first parameter", func(n int) error { return nil }},
		{"std context instead of workflow context", func(ctx context.Context) error { return nil }},
		{"no error return", func(ctx Context) int { return 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, reg.RegisterWorkflow("Bad", tt.fn))
		})
	}
}

func TestRegisterActivity(t *testing.T) {
	reg := NewRegistry()

	fn := func(ctx context.Context, s string) (string, error) { return s, nil }
	require.NoError(t, reg.RegisterActivity("Echo", fn))

	_, ok := reg.Activity("Echo")
	assert.True(t, ok)

	assert.Error(t, reg.RegisterActivity("Echo", fn), "duplicate name")
	assert.Error(t, reg.RegisterActivity("Bad", func(s string) error { return nil }))
	assert.Error(t, reg.RegisterActivity("Bad", func(ctx context.Context) {}))
}

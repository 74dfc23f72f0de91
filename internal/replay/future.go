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
	"fmt"

	"github.com/keelflow/keel/api/serde"
)

// Future is the pending result of a scheduled activity. Get blocks the
// workflow until the result is in history; on replay an already recorded
// result returns immediately.
type Future interface {
	// Get decodes the activity result into valuePtr (pass nil to discard).
	// Returns the activity's terminal failure as an error.
	Get(valuePtr any) error
}

var _ Future = (*blockingFuture)(nil)

type blockingFuture struct {
	resolved  bool
	value     []any
	err       error
	converter *serde.TypeConverter

	// state is consulted by unresolved futures so a visible cancel resolves
	// them instead of suspending forever.
	state *runState
}

func (f *blockingFuture) Get(valuePtr any) error {
	if !f.resolved {
		if f.state != nil && f.state.cancelVisible() {
			return cancelledFailure()
		}
		panic(errorBlockingFuture{})
	}
	if f.err != nil {
		return f.err
	}
	if valuePtr == nil || len(f.value) == 0 || f.value[0] == nil {
		return nil
	}
	if err := f.converter.ConvertInto(f.value[0], valuePtr); err != nil {
		return fmt.Errorf("failed to decode activity result: %w", err)
	}
	return nil
}

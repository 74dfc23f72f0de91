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

package taskqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelflow/keel/api"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(nil)

	tasks := []api.Task{
		&api.WorkflowTask{RunID: "run-1", WorkflowType: "Order"},
		&api.ActivityTask{
			RunID:        "run-1",
			WorkflowID:   "wf-1",
			ActivityID:   "activity:2",
			ActivityType: "ChargePayment",
			Attempt:      2,
			RetryPolicy:  &api.RetryPolicy{MaximumAttempts: 5},
		},
		&api.TimerTask{RunID: "run-1", WorkflowType: "Order", TimerID: "timer:1"},
	}

	for _, task := range tasks {
		data, err := codec.Encode(task)
		require.NoError(t, err)

		out, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, task, out)
	}
}

func TestCodecDecodeUnknownKind(t *testing.T) {
	codec := NewCodec(nil)

	data, err := codec.serde.SerializeBinary(taskEnvelope{Kind: "cron", Payload: []byte("{}")})
	require.NoError(t, err)

	_, err = codec.Decode(data)
	assert.ErrorContains(t, err, "unknown task kind")
}

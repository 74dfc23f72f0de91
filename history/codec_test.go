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

package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelflow/keel/api"
)

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec(nil)

	in := api.Event{
		ID:   7,
		Time: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Attrs: &api.ActivityFailed{
			ActivityID: "activity:1",
			Attempts:   3,
			Failure: api.Failure{
				Kind:    api.FailureKindApplication,
				ErrType: "PaymentDeclined",
				Message: "card declined",
				Cause:   &api.Failure{Kind: api.FailureKindTimeout, Message: "gateway timeout"},
			},
		},
	}

	data, err := codec.Encode(in)
	require.NoError(t, err)

	out, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, in.Time.Equal(out.Time))
	assert.Equal(t, in.Attrs, out.Attrs)
}

func TestCodecDecodeGarbage(t *testing.T) {
	codec := NewCodec(nil)
	_, err := codec.Decode([]byte("not an envelope"))
	assert.Error(t, err)
}

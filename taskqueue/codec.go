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
	"fmt"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

const (
	taskKindWorkflow = "workflow"
	taskKindActivity = "activity"
	taskKindTimer    = "timer"
)

// taskEnvelope is the stored form of a task for durable queue backends.
type taskEnvelope struct {
	Kind    string `json:"kind" msgpack:"kind"`
	Payload []byte `json:"payload" msgpack:"payload"`
}

// Codec encodes tasks for durable queue backends.
type Codec struct {
	serde serde.BinarySerde
}

func NewCodec(s serde.BinarySerde) *Codec {
	if s == nil {
		s = &serde.MsgpackSerde{}
	}
	return &Codec{serde: s}
}

func (c *Codec) Encode(task api.Task) ([]byte, error) {
	var kind string
	switch task.(type) {
	case *api.WorkflowTask:
		kind = taskKindWorkflow
	case *api.ActivityTask:
		kind = taskKindActivity
	case *api.TimerTask:
		kind = taskKindTimer
	default:
		return nil, fmt.Errorf("unknown task type: %T", task)
	}
	payload, err := c.serde.SerializeBinary(task)
	if err != nil {
		return nil, fmt.Errorf("encode %s task: %w", kind, err)
	}
	return c.serde.SerializeBinary(taskEnvelope{Kind: kind, Payload: payload})
}

func (c *Codec) Decode(data []byte) (api.Task, error) {
	var env taskEnvelope
	if err := c.serde.DeserializeBinary(data, &env); err != nil {
		return nil, fmt.Errorf("decode task envelope: %w", err)
	}
	switch env.Kind {
	case taskKindWorkflow:
		task := new(api.WorkflowTask)
		if err := c.serde.DeserializeBinary(env.Payload, task); err != nil {
			return nil, fmt.Errorf("decode workflow task: %w", err)
		}
		return task, nil
	case taskKindActivity:
		task := new(api.ActivityTask)
		if err := c.serde.DeserializeBinary(env.Payload, task); err != nil {
			return nil, fmt.Errorf("decode activity task: %w", err)
		}
		return task, nil
	case taskKindTimer:
		task := new(api.TimerTask)
		if err := c.serde.DeserializeBinary(env.Payload, task); err != nil {
			return nil, fmt.Errorf("decode timer task: %w", err)
		}
		return task, nil
	default:
		return nil, fmt.Errorf("unknown task kind: %q", env.Kind)
	}
}

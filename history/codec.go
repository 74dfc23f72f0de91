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
	"fmt"
	"time"

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

// envelope is the stored form of an event: the tagged attribute payload is
// encoded separately so the envelope can be decoded without knowing the
// attribute type up front.
type envelope struct {
	ID         int64  `json:"id" msgpack:"id"`
	TimeUnixNs int64  `json:"time_unix_ns" msgpack:"time_unix_ns"`
	Name       string `json:"name" msgpack:"name"`
	Attrs      []byte `json:"attrs" msgpack:"attrs"`
}

// Codec encodes events for the durable backends using the configured serde.
type Codec struct {
	serde serde.BinarySerde
}

func NewCodec(s serde.BinarySerde) *Codec {
	if s == nil {
		s = &serde.MsgpackSerde{}
	}
	return &Codec{serde: s}
}

func (c *Codec) Encode(e api.Event) ([]byte, error) {
	attrs, err := c.serde.SerializeBinary(e.Attrs)
	if err != nil {
		return nil, fmt.Errorf("encode event %d attrs: %w", e.ID, err)
	}
	return c.serde.SerializeBinary(envelope{
		ID:         e.ID,
		TimeUnixNs: e.Time.UnixNano(),
		Name:       e.Attrs.EventName(),
		Attrs:      attrs,
	})
}

func (c *Codec) Decode(data []byte) (api.Event, error) {
	var env envelope
	if err := c.serde.DeserializeBinary(data, &env); err != nil {
		return api.Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	attrs, err := api.NewEventAttributes(env.Name)
	if err != nil {
		return api.Event{}, err
	}
	if err := c.serde.DeserializeBinary(env.Attrs, attrs); err != nil {
		return api.Event{}, fmt.Errorf("decode %s attrs: %w", env.Name, err)
	}
	return api.Event{
		ID:    env.ID,
		Time:  time.Unix(0, env.TimeUnixNs).UTC(),
		Attrs: attrs,
	}, nil
}

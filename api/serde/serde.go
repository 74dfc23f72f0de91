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

// Package serde defines the payload encoding boundary. Everything that
// crosses a durable boundary (history events, task payloads, activity inputs
// and results) goes through a BinarySerde, so the engine never assumes a
// specific wire format.
package serde

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// BinarySerde serializes values to and from a binary representation.
type BinarySerde interface {
	SerializeBinary(value any) ([]byte, error)
	DeserializeBinary(data []byte, valuePtr any) error
}

var _ BinarySerde = (*MsgpackSerde)(nil)
var _ BinarySerde = (*JSONSerde)(nil)

// MsgpackSerde is the default serde. MessagePack is denser than JSON and
// preserves more type information (notably int vs float).
type MsgpackSerde struct{}

func (*MsgpackSerde) SerializeBinary(value any) ([]byte, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("msgpack serialization failed: %w", err)
	}
	return data, nil
}

func (*MsgpackSerde) DeserializeBinary(data []byte, valuePtr any) error {
	if err := msgpack.Unmarshal(data, valuePtr); err != nil {
		return fmt.Errorf("msgpack deserialization failed: %w", err)
	}
	return nil
}

// JSONSerde is a human-readable alternative, useful when inspecting stored
// histories by hand.
type JSONSerde struct{}

func (*JSONSerde) SerializeBinary(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json serialization failed: %w", err)
	}
	return data, nil
}

func (*JSONSerde) DeserializeBinary(data []byte, valuePtr any) error {
	if err := json.Unmarshal(data, valuePtr); err != nil {
		return fmt.Errorf("json deserialization failed: %w", err)
	}
	return nil
}

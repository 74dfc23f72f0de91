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

	"github.com/keelflow/keel/api"
	"github.com/keelflow/keel/api/serde"
)

// SignalChannel is the receive side of a named signal. Signals with the same
// name are consumed in arrival order; each is delivered exactly once per run.
type SignalChannel interface {
	// Receive blocks until a signal is available, then decodes its payload
	// into valuePtr (pass nil to discard).
	Receive(valuePtr any) error

	// ReceiveAsync decodes a pending signal if one is available and reports
	// whether it did. Never blocks.
	ReceiveAsync(valuePtr any) (bool, error)
}

var _ SignalChannel = (*signalChannel)(nil)

type signalChannel struct {
	name      string
	state     *runState
	converter *serde.TypeConverter
}

func (ch *signalChannel) Receive(valuePtr any) error {
	if e, ok := ch.state.nextVisibleSignal(ch.name); ok {
		return ch.decode(e, valuePtr)
	}
	if ch.state.cancelVisible() {
		return cancelledFailure()
	}
	panic(errorBlockingFuture{})
}

func (ch *signalChannel) ReceiveAsync(valuePtr any) (bool, error) {
	e, ok := ch.state.nextVisibleSignal(ch.name)
	if !ok {
		return false, nil
	}
	return true, ch.decode(e, valuePtr)
}

func (ch *signalChannel) decode(e api.Event, valuePtr any) error {
	signal := e.Attrs.(*api.SignalReceived)
	if valuePtr == nil || len(signal.Payload) == 0 || signal.Payload[0] == nil {
		return nil
	}
	if err := ch.converter.ConvertInto(signal.Payload[0], valuePtr); err != nil {
		return fmt.Errorf("failed to decode signal %q payload: %w", ch.name, err)
	}
	return nil
}

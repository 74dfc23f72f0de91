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
	"slices"
	"time"

	"github.com/keelflow/keel/api"
)

// runState is the mutable cursor state of one workflow invocation. It is
// rebuilt from history at the start of every invocation and discarded
// afterwards; nothing in it survives between workflow tasks.
type runState struct {
	runID  string
	info   WorkflowInfo
	events []api.Event

	// schedIdx holds the history indices of scheduling events
	// (ActivityScheduled, TimerStarted) in order. schedCursor counts how many
	// the re-execution has matched so far.
	schedIdx    []int
	schedCursor int

	// Resolution events are looked up out of order; an activity scheduled
	// early may resolve late and vice versa.
	activityResults map[string]api.Event
	timersFired     map[string]api.Event

	// Signal visibility is positional: a recorded signal may only be observed
	// once re-execution has passed the point where it arrived, otherwise a
	// replay would see signals the original execution could not have seen.
	signalIdx      map[string][]int
	signalConsumed map[string]int

	// cancelIdx is the history index of WorkflowCancelRequested, or -1.
	cancelIdx int

	// now is the timestamp of the latest applied history event.
	now time.Time

	nextActivitySeq int
	nextTimerSeq    int
	nextIDSeq       uint64

	commands []api.Command

	// readOnly is set while a query handler runs; command emission in that
	// window rejects the query.
	readOnly bool

	queryHandlers map[string]any
}

// WorkflowInfo identifies the execution a workflow function runs under.
type WorkflowInfo struct {
	WorkflowID         string
	RunID              string
	WorkflowType       string
	TaskQueue          string
	ContinuedFromRunID string
}

func newRunState(runID string, events []api.Event) (*runState, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("run %s has no history", runID)
	}
	started, ok := events[0].Attrs.(*api.WorkflowStarted)
	if !ok {
		return nil, fmt.Errorf("run %s history does not begin with a start event", runID)
	}

	s := &runState{
		runID:  runID,
		events: events,
		info: WorkflowInfo{
			WorkflowID:         started.WorkflowID,
			RunID:              runID,
			WorkflowType:       started.WorkflowType,
			TaskQueue:          started.TaskQueue,
			ContinuedFromRunID: started.ContinuedFromRunID,
		},
		activityResults: make(map[string]api.Event),
		timersFired:     make(map[string]api.Event),
		signalIdx:       make(map[string][]int),
		signalConsumed:  make(map[string]int),
		cancelIdx:       -1,
		now:             events[0].Time,
		queryHandlers:   make(map[string]any),
	}

	for i, e := range events {
		switch attrs := e.Attrs.(type) {
		case *api.ActivityScheduled, *api.TimerStarted:
			s.schedIdx = append(s.schedIdx, i)
		case *api.ActivityCompleted:
			s.activityResults[attrs.ActivityID] = e
		case *api.ActivityFailed:
			s.activityResults[attrs.ActivityID] = e
		case *api.TimerFired:
			s.timersFired[attrs.TimerID] = e
		case *api.SignalReceived:
			s.signalIdx[attrs.Name] = append(s.signalIdx[attrs.Name], i)
		case *api.WorkflowCancelRequested:
			if s.cancelIdx < 0 {
				s.cancelIdx = i
			}
		}
	}
	return s, nil
}

func (s *runState) started() *api.WorkflowStarted {
	return s.events[0].Attrs.(*api.WorkflowStarted)
}

// horizon is the history index re-execution has reached: everything before
// the next unmatched scheduling event. Once all scheduling events are
// matched, the whole history is visible.
func (s *runState) horizon() int {
	if s.schedCursor < len(s.schedIdx) {
		return s.schedIdx[s.schedCursor]
	}
	return len(s.events)
}

// cancelVisible reports whether the cancel request has been reached.
func (s *runState) cancelVisible() bool {
	return s.cancelIdx >= 0 && s.cancelIdx < s.horizon()
}

// advanceTime moves workflow time forward to the given event's timestamp.
// Time never moves backwards even if events resolve out of order.
func (s *runState) advanceTime(e api.Event) {
	if e.Time.After(s.now) {
		s.now = e.Time
	}
}

// nextScheduled consumes the next recorded scheduling event, or returns false
// when re-execution has gone past recorded history.
func (s *runState) nextScheduled() (api.Event, bool) {
	if s.schedCursor >= len(s.schedIdx) {
		return api.Event{}, false
	}
	e := s.events[s.schedIdx[s.schedCursor]]
	s.schedCursor++
	s.advanceTime(e)
	return e, true
}

// nextVisibleSignal consumes the oldest unconsumed visible signal with the
// given name, if any.
func (s *runState) nextVisibleSignal(name string) (api.Event, bool) {
	idxs := s.signalIdx[name]
	next := s.signalConsumed[name]
	if next >= len(idxs) || idxs[next] >= s.horizon() {
		return api.Event{}, false
	}
	s.signalConsumed[name] = next + 1
	e := s.events[idxs[next]]
	s.advanceTime(e)
	return e, true
}

// pendingSignals returns every recorded signal the run never consumed, in
// history order. Used to carry signals over to a ContinueAsNew successor.
func (s *runState) pendingSignals() []*api.SignalReceived {
	var idxs []int
	for name, all := range s.signalIdx {
		if consumed := s.signalConsumed[name]; consumed < len(all) {
			idxs = append(idxs, all[consumed:]...)
		}
	}
	slices.Sort(idxs)
	out := make([]*api.SignalReceived, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.events[i].Attrs.(*api.SignalReceived))
	}
	return out
}

func (s *runState) emit(cmd api.Command) {
	if s.readOnly {
		panic(errorQueryRejected{})
	}
	s.commands = append(s.commands, cmd)
}

// nonDeterminism raises a fatal replay divergence at the given event.
func (s *runState) nonDeterminism(e api.Event, expected, got string) {
	panic(&api.NonDeterminismError{
		RunID:    s.runID,
		EventID:  e.ID,
		Expected: expected,
		Got:      got,
	})
}

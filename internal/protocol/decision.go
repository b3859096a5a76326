package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/signalsfoundry/sagin-testbed/core"
)

var (
	// ErrMalformedDecision reports a well-formed payload of the wrong shape.
	ErrMalformedDecision = errors.New("malformed decision payload")
	// ErrIncompleteDecision reports bytes that are not valid JSON, which
	// usually means the agent has not finished writing them.
	ErrIncompleteDecision = errors.New("incomplete decision payload")
	// ErrTickMismatch reports a decision tagged for a different tick.
	ErrTickMismatch = errors.New("decision tick mismatch")
)

// Assignment binds one job to one resource.
type Assignment struct {
	JobID      int64 `json:"job_id"`
	ResourceID int64 `json:"resource_id"`
}

// Decision is the agent's answer for one tick.
type Decision struct {
	// Tick is the tick the agent answered, valid only when HasTick is set.
	Tick    int64
	HasTick bool

	Assignments []Assignment
	LinkPatches []core.PatchRecord

	// Malformed counts entries dropped while decoding because they did not
	// have the expected shape.
	Malformed int
}

// Empty reports whether d carries nothing to apply.
func (d Decision) Empty() bool {
	return len(d.Assignments) == 0 && len(d.LinkPatches) == 0
}

// CheckTick returns ErrTickMismatch when d is tagged for another tick.
// Untagged decisions match any tick.
func (d Decision) CheckTick(tick int64) error {
	if d.HasTick && d.Tick != tick {
		return fmt.Errorf("%w: got %d, want %d", ErrTickMismatch, d.Tick, tick)
	}
	return nil
}

// DecodeDecision parses a JSON decision. Invalid JSON yields
// ErrIncompleteDecision; a top level that is not an object, or a tick that
// is not an integer, yields ErrMalformedDecision. Unknown fields are
// ignored and malformed entries are dropped and counted.
func DecodeDecision(data []byte) (Decision, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrIncompleteDecision, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Decision{}, fmt.Errorf("%w: trailing data after decision", ErrIncompleteDecision)
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("%w: top level is %T, want object", ErrMalformedDecision, raw)
	}
	return DecisionFromMap(m)
}

// DecisionFromMap decodes an already parsed payload, for example the
// AsMap form of a protobuf Struct. A tick that is present but not an
// integer fails the whole decision with ErrMalformedDecision.
func DecisionFromMap(m map[string]any) (Decision, error) {
	var d Decision
	if raw, ok := first(m, "tick", "k"); ok {
		tick, ok := toInt64(raw)
		if !ok {
			return Decision{}, fmt.Errorf("%w: tick %v is not an integer", ErrMalformedDecision, raw)
		}
		d.Tick, d.HasTick = tick, true
	}

	if raw, ok := first(m, "assignments", "assign"); ok {
		list, ok := raw.([]any)
		if !ok {
			d.Malformed++
		}
		for _, item := range list {
			a, ok := decodeAssignment(item)
			if !ok {
				d.Malformed++
				continue
			}
			d.Assignments = append(d.Assignments, a)
		}
	}

	if raw, ok := first(m, "link_patches", "link_patch"); ok {
		list, ok := raw.([]any)
		if !ok {
			d.Malformed++
		}
		for _, item := range list {
			rec, ok := item.(map[string]any)
			if !ok {
				d.Malformed++
				continue
			}
			d.LinkPatches = append(d.LinkPatches, core.PatchRecord(rec))
		}
	}
	return d, nil
}

func decodeAssignment(item any) (Assignment, bool) {
	e, ok := item.(map[string]any)
	if !ok {
		return Assignment{}, false
	}
	rawJob, okJob := first(e, "job_id", "cloudlet_id", "id")
	rawRes, okRes := first(e, "resource_id", "vm_id")
	if !okJob || !okRes {
		return Assignment{}, false
	}
	job, okJob := toInt64(rawJob)
	res, okRes := toInt64(rawRes)
	if !okJob || !okRes {
		return Assignment{}, false
	}
	return Assignment{JobID: job, ResourceID: res}, true
}

// toInt64 accepts integral numbers and numeric strings. Fractions and
// values outside the int64 range are rejected rather than truncated.
func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, true
		}
	}
	f, ok := core.ToFloat(raw)
	if !ok || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func first(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// Map renders d in the canonical wire shape.
func (d Decision) Map() map[string]any {
	out := make(map[string]any, 3)
	if d.HasTick {
		out["tick"] = d.Tick
	}
	assignments := make([]any, 0, len(d.Assignments))
	for _, a := range d.Assignments {
		assignments = append(assignments, map[string]any{"job_id": a.JobID, "resource_id": a.ResourceID})
	}
	out["assignments"] = assignments
	patches := make([]any, 0, len(d.LinkPatches))
	for _, p := range d.LinkPatches {
		patches = append(patches, map[string]any(p))
	}
	out["link_patches"] = patches
	return out
}

// EncodeDecision renders d as JSON, for agents and tests.
func EncodeDecision(d Decision) ([]byte, error) {
	return json.Marshal(d.Map())
}

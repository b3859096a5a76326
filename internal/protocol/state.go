// Package protocol defines the payloads exchanged with the external
// scheduling agent once per tick: the exported State and the Decision the
// agent answers with.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/sagin-testbed/model"
	"google.golang.org/protobuf/types/known/structpb"
)

// State is the per-tick export record.
type State struct {
	RunID     string         `json:"run_id,omitempty"`
	Tick      int64          `json:"tick"`
	Time      float64        `json:"time"`
	Resources []ResourceView `json:"resources"`
	Jobs      []JobView      `json:"jobs"`

	CumulativeNetworkEnergyJoules float64 `json:"cumulative_network_energy_joules"`
}

// ResourceView is one resource as the agent sees it.
type ResourceView struct {
	ID        int64   `json:"id"`
	Node      string  `json:"node"`
	MIPS      float64 `json:"mips"`
	PEs       int     `json:"pes"`
	RAMMB     int64   `json:"ram_mb"`
	BWMbps    int64   `json:"bw_mbps"`
	StorageMB int64   `json:"storage_mb"`

	// Utilization is always a fraction in [0,1].
	Utilization         float64 `json:"utilization"`
	ComputeEnergyJoules float64 `json:"compute_energy_joules"`
}

// JobView is one waiting or running job. ResourceID is model.Unbound for
// jobs the agent still has to place.
type JobView struct {
	ID          int64       `json:"id"`
	LengthMI    int64       `json:"length_mi"`
	InputBytes  int64       `json:"input_bytes"`
	OutputBytes int64       `json:"output_bytes"`
	ResourceID  int64       `json:"resource_id"`
	SourceNode  string      `json:"source_node"`
	Phase       model.Phase `json:"phase"`
}

// EncodeState renders s as indented JSON.
func EncodeState(s *State) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("encode state: nil state")
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state tick %d: %w", s.Tick, err)
	}
	return data, nil
}

// DecodeState parses a JSON state export.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}

// StateToStruct converts s to a protobuf Struct with the same field names
// as the JSON encoding.
func StateToStruct(s *State) (*structpb.Struct, error) {
	data, err := EncodeState(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("state to struct: %w", err)
	}
	return structpb.NewStruct(m)
}

// StateFromStruct is the inverse of StateToStruct.
func StateFromStruct(pb *structpb.Struct) (*State, error) {
	if pb == nil {
		return nil, fmt.Errorf("state from struct: nil struct")
	}
	data, err := json.Marshal(pb.AsMap())
	if err != nil {
		return nil, fmt.Errorf("state from struct: %w", err)
	}
	return DecodeState(data)
}

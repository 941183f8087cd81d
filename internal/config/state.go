package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// NodeState is persisted between runs so the node keeps its identity
type NodeState struct {
	NodeID       string    `json:"node_id"`
	FirstStarted time.Time `json:"first_started"`
	LastStarted  time.Time `json:"last_started"`
}

const DefaultStateFile = "/var/lib/routemesh/state.json"

func LoadNodeState(stateFile string) (*NodeState, error) {
	if stateFile == "" {
		stateFile = DefaultStateFile
	}

	data, err := os.ReadFile(stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			// First run, return empty state
			return &NodeState{}, nil
		}
		return nil, fmt.Errorf("failed to read node state: %w", err)
	}

	var state NodeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse node state: %w", err)
	}

	return &state, nil
}

func (s *NodeState) Save(stateFile string) error {
	if stateFile == "" {
		stateFile = DefaultStateFile
	}

	// Ensure directory exists
	dir := filepath.Dir(stateFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal node state: %w", err)
	}

	if err := os.WriteFile(stateFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write node state: %w", err)
	}

	return nil
}

// ResolveNodeID returns the configured id, else the persisted id, else a
// new uuid which is persisted. A state file that cannot be read or written
// is not fatal: the id is still returned along with the error.
func ResolveNodeID(cfg NodeConfig, now time.Time) (string, error) {
	if cfg.ID != "" {
		return cfg.ID, nil
	}

	state, err := LoadNodeState(cfg.StateFile)
	if err != nil {
		state = &NodeState{}
	}
	if state.NodeID == "" {
		state.NodeID = uuid.NewString()
		state.FirstStarted = now
	}
	state.LastStarted = now
	if saveErr := state.Save(cfg.StateFile); saveErr != nil {
		return state.NodeID, saveErr
	}
	return state.NodeID, err
}

// ResolveHostname returns the configured hostname or the OS hostname
func ResolveHostname(cfg NodeConfig) string {
	if cfg.Hostname != "" {
		return cfg.Hostname
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

package commands

import (
	"encoding/json"
	"fmt"
)

// Envelope is the durable form of a command
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var registry = map[Type]func() Command{
	TypePutDocument:           func() Command { return &PutDocument{} },
	TypeDeleteDocument:        func() Command { return &DeleteDocument{} },
	TypePatchDocument:         func() Command { return &PatchDocument{} },
	TypePutFromReplication:    func() Command { return &PutFromReplication{} },
	TypeResolveConflict:       func() Command { return &ResolveConflict{} },
	TypeEnforceRevisions:      func() Command { return &EnforceRevisions{} },
	TypeDeleteRevisionsBefore: func() Command { return &DeleteRevisionsBefore{} },
	TypeConfigureRevisions:    func() Command { return &ConfigureRevisions{} },
	TypeHiLoNext:              func() Command { return &HiLoNext{} },
	TypeHiLoReturn:            func() Command { return &HiLoReturn{} },
	TypePurgeTombstones:       func() Command { return &PurgeTombstones{} },
}

// Encode wraps cmd in an envelope
func Encode(cmd Command) (Envelope, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return Envelope{Type: cmd.CommandType(), Payload: payload}, nil
}

// Decode rebuilds the command held by env
func Decode(env Envelope) (Command, error) {
	factory, ok := registry[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}
	cmd := factory()
	if err := json.Unmarshal(env.Payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return cmd, nil
}

// Marshal renders cmd as a JSON envelope
func Marshal(cmd Command) ([]byte, error) {
	env, err := Encode(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Unmarshal parses a JSON envelope
func Unmarshal(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return Decode(env)
}

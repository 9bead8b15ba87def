package protocol

import (
	"encoding/json"
	"strconv"
)

func formatStepID(stepIndex int) string {
	return strconv.Itoa(stepIndex)
}

// wireEnvelope is the shape every inbound frame must decode into, read
// first to discover which concrete payload to validate against.
type wireEnvelope struct {
	MessageType *int `json:"message_type"`
}

// initWire mirrors InitPayload field-for-field on the wire.
type initWire struct {
	RepoState       map[string]any `json:"repo_state"`
	ComplexPatchset *bool          `json:"complex_patchset"`
	CacheID         *string        `json:"cache_id"`
	SchemaID        *string        `json:"schema_id"`
	TotalSteps      *int           `json:"total_steps"`
}

// stepCompleteWire mirrors StepCompletePayload; step_id travels as a
// decimal string per spec.
type stepCompleteWire struct {
	SchemaID    *string `json:"schema_id"`
	StepID      *string `json:"step_id"`
	StepSuccess *bool   `json:"step_success"`
}

// Decode parses a single inbound text frame into a tagged Inbound
// message, validating the payload shape for the declared message_type.
// Unknown message_type values and malformed payloads both return a
// *DecodeError; the caller (the router) is responsible for logging and
// dropping rather than propagating the failure to other endpoints.
func Decode(raw []byte) (Inbound, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, NewDecodeError("malformed json", err)
	}
	if env.MessageType == nil {
		return Inbound{}, NewDecodeError("missing message_type", nil)
	}

	switch MessageType(*env.MessageType) {
	case MessageTypeInit:
		var w initWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return Inbound{}, NewDecodeError("malformed INIT payload", err)
		}
		if w.ComplexPatchset == nil || w.CacheID == nil || w.SchemaID == nil || w.TotalSteps == nil {
			return Inbound{}, NewDecodeError("INIT missing required field", nil)
		}
		if *w.TotalSteps < 1 {
			return Inbound{}, NewDecodeError("INIT total_steps must be >= 1", nil)
		}
		repoState := w.RepoState
		if repoState == nil {
			repoState = map[string]any{}
		}
		return Inbound{
			Type: MessageTypeInit,
			Init: &InitPayload{
				RepoState:       repoState,
				ComplexPatchset: *w.ComplexPatchset,
				CacheID:         *w.CacheID,
				SchemaID:        *w.SchemaID,
				TotalSteps:      *w.TotalSteps,
			},
		}, nil

	case MessageTypeStepComplete:
		var w stepCompleteWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return Inbound{}, NewDecodeError("malformed STEP_COMPLETE payload", err)
		}
		if w.SchemaID == nil || w.StepID == nil || w.StepSuccess == nil {
			return Inbound{}, NewDecodeError("STEP_COMPLETE missing required field", nil)
		}
		stepIdx, err := strconv.Atoi(*w.StepID)
		if err != nil {
			return Inbound{}, NewDecodeError("STEP_COMPLETE step_id must be a decimal string", err)
		}
		return Inbound{
			Type: MessageTypeStepComplete,
			StepComplete: &StepCompletePayload{
				SchemaID:    *w.SchemaID,
				StepID:      stepIdx,
				StepSuccess: *w.StepSuccess,
			},
		}, nil

	default:
		return Inbound{}, NewDecodeError("unknown message_type", nil)
	}
}

// MarshalJSON serializes an outbound message with a numeric message_type
// and step_id travelling as a decimal string, omitting step_id entirely
// for message types that don't carry one (SCHEMA_COMPLETE).
func (m OutboundMessage) MarshalJSON() ([]byte, error) {
	if m.StepID == "" {
		return json.Marshal(struct {
			MessageType int    `json:"message_type"`
			SchemaID    string `json:"schema_id"`
		}{m.MessageType, m.SchemaID})
	}
	return json.Marshal(struct {
		MessageType int    `json:"message_type"`
		SchemaID    string `json:"schema_id"`
		StepID      string `json:"step_id"`
	}{m.MessageType, m.SchemaID, m.StepID})
}

// Encode serializes an outbound message to a single JSON text frame.
func Encode(m OutboundMessage) ([]byte, error) {
	return json.Marshal(m)
}

// Package protocol defines the Task Director wire protocol: the closed
// set of JSON message types exchanged with connected workers, and their
// encode/decode rules.
//
// Wire format: one JSON object per text frame, UTF-8, with a numeric
// message_type field. step_id always travels as a decimal string; the
// int/string boundary is converted here and nowhere else (director and
// instance state use plain ints).
package protocol

// MessageType is the closed set of message_type values on the wire.
type MessageType int

const (
	MessageTypeInit             MessageType = 1
	MessageTypeBuildInstruction MessageType = 2
	MessageTypeStepComplete     MessageType = 3
	MessageTypeSchemaComplete   MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeInit:
		return "INIT"
	case MessageTypeBuildInstruction:
		return "BUILD_INSTRUCTION"
	case MessageTypeStepComplete:
		return "STEP_COMPLETE"
	case MessageTypeSchemaComplete:
		return "SCHEMA_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// InitPayload is the client->server INIT message body.
type InitPayload struct {
	RepoState       map[string]any
	ComplexPatchset bool
	CacheID         string
	SchemaID        string
	TotalSteps      int
}

// StepCompletePayload is the client->server STEP_COMPLETE message body.
type StepCompletePayload struct {
	SchemaID    string
	StepID      int
	StepSuccess bool
}

// Inbound is the tagged union of messages the router may decode from a
// client frame. Only InitPayload and StepCompletePayload are legal
// inbound kinds; BUILD_INSTRUCTION and SCHEMA_COMPLETE are outbound-only.
type Inbound struct {
	Type         MessageType
	Init         *InitPayload
	StepComplete *StepCompletePayload
}

// BuildInstruction builds the server->client BUILD_INSTRUCTION message
// for the given schema and step index.
func BuildInstruction(schemaID string, stepIndex int) OutboundMessage {
	return OutboundMessage{
		MessageType: int(MessageTypeBuildInstruction),
		SchemaID:    schemaID,
		StepID:      formatStepID(stepIndex),
	}
}

// SchemaComplete builds the server->client SCHEMA_COMPLETE message.
func SchemaComplete(schemaID string) OutboundMessage {
	return OutboundMessage{
		MessageType: int(MessageTypeSchemaComplete),
		SchemaID:    schemaID,
	}
}

// OutboundMessage is the envelope serialized to a client. StepID is
// omitted from SCHEMA_COMPLETE because MarshalJSON encodes an empty
// StepID with a wire-level struct that has no step_id field.
type OutboundMessage struct {
	MessageType int
	SchemaID    string
	StepID      string // empty for SCHEMA_COMPLETE
}

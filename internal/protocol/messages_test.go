package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "INIT", MessageTypeInit.String())
	assert.Equal(t, "BUILD_INSTRUCTION", MessageTypeBuildInstruction.String())
	assert.Equal(t, "STEP_COMPLETE", MessageTypeStepComplete.String())
	assert.Equal(t, "SCHEMA_COMPLETE", MessageTypeSchemaComplete.String())
	assert.Equal(t, "UNKNOWN", MessageType(99).String())
}

func TestBuildInstructionFormatsStepIDAsDecimalString(t *testing.T) {
	msg := BuildInstruction("schema-a", 0)
	assert.Equal(t, int(MessageTypeBuildInstruction), msg.MessageType)
	assert.Equal(t, "schema-a", msg.SchemaID)
	assert.Equal(t, "0", msg.StepID)
}

func TestSchemaCompleteLeavesStepIDEmpty(t *testing.T) {
	msg := SchemaComplete("schema-a")
	assert.Equal(t, int(MessageTypeSchemaComplete), msg.MessageType)
	assert.Empty(t, msg.StepID)
}

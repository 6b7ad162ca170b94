package portal

import (
	"testing"

	"gotest.tools/v3/assert"
)

func validMessage() Message {
	return Message{
		Command:     []string{"echo", "hi"},
		Stdin:       "/tmp/x/stdin",
		Stdout:      "/tmp/x/stdout",
		Stderr:      "/tmp/x/stderr",
		Pid:         "/tmp/x/pid",
		Exit:        "/tmp/x/exit",
		Log:         "/tmp/x/log",
		Environment: "/tmp/x/environment",
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := validMessage()
	payload, err := msg.Marshal()
	assert.NilError(t, err)

	got, err := ParseMessage(payload)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, msg)
}

func TestMessageValidateEmptyCommand(t *testing.T) {
	msg := validMessage()
	msg.Command = nil
	assert.ErrorContains(t, msg.Validate(), "command")
}

func TestMessageValidateMissingField(t *testing.T) {
	msg := validMessage()
	msg.Exit = ""
	assert.ErrorContains(t, msg.Validate(), "exit")
}

func TestParseMessageRejectsMalformedJSON(t *testing.T) {
	_, err := ParseMessage([]byte("{not json"))
	assert.ErrorContains(t, err, "parsing portal message")
}

func TestParseMessageRejectsInvalidSchema(t *testing.T) {
	_, err := ParseMessage([]byte(`{"command":["echo"]}`))
	assert.ErrorContains(t, err, "invalid portal message")
}

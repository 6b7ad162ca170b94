// Package portal implements the host/guest IPC bridge described in
// spec.md §4.7: two long-lived daemons (one per namespace side) that
// accept process-execution requests over a FIFO and fork workers to
// satisfy them, and a short-lived dispatcher that sends one request and
// relays the resulting process's stdio back to its own.
package portal

import (
	"encoding/json"
	"fmt"
)

// Message is the normative schema of one portal request (§4.7). All
// fields are required; any missing or mistyped field is a validation
// failure and the message is dropped.
type Message struct {
	Command     []string `json:"command"`
	Stdin       string   `json:"stdin"`
	Stdout      string   `json:"stdout"`
	Stderr      string   `json:"stderr"`
	Pid         string   `json:"pid"`
	Exit        string   `json:"exit"`
	Log         string   `json:"log"`
	Environment string   `json:"environment"`
}

// Validate reports the first schema violation found, or nil if msg is
// well-formed.
func (m Message) Validate() error {
	if len(m.Command) == 0 {
		return fmt.Errorf("field %q is missing or empty", "command")
	}
	fields := map[string]string{
		"stdin": m.Stdin, "stdout": m.Stdout, "stderr": m.Stderr,
		"pid": m.Pid, "exit": m.Exit, "log": m.Log, "environment": m.Environment,
	}
	for name, v := range fields {
		if v == "" {
			return fmt.Errorf("field %q is missing", name)
		}
	}
	return nil
}

// ParseMessage unmarshals and validates a single request.
func ParseMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("parsing portal message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, fmt.Errorf("invalid portal message: %w", err)
	}
	return m, nil
}

// Marshal serializes msg for transmission over the daemon's request FIFO.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

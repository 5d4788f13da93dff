package comm

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies the role of a message in a collective protocol.
type Kind string

const (
	// Reduction
	KindData Kind = "DATA"
	KindAck  Kind = "ACK"

	// Both collectives
	KindStop      Kind = "STOP"
	KindHeartbeat Kind = "HEARTBEAT"

	// Scheduling
	KindWorkRequest Kind = "WORK_REQUEST"
	KindWorkAssign  Kind = "WORK_ASSIGN"
	KindResult      Kind = "RESULT"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindData, KindAck, KindStop, KindHeartbeat, KindWorkRequest, KindWorkAssign, KindResult:
		return true
	}
	return false
}

// Message is a single point-to-point message. Source and Run are filled in
// by the sending Comm.
type Message struct {
	Run    string `json:"run"`
	Source int    `json:"source"`
	Kind   Kind   `json:"kind"`

	// Contributions maps an original contributor rank to that rank's own
	// value. Set on DATA.
	Contributions map[int]float64 `json:"contributions,omitempty"`

	// TaskID is set on WORK_ASSIGN and RESULT.
	TaskID int `json:"task_id,omitempty"`

	// Payload carries task input on WORK_ASSIGN and output on RESULT.
	Payload []byte `json:"payload,omitempty"`

	// Error carries an executor failure on RESULT.
	Error string `json:"error,omitempty"`
}

// Contributors returns the contributor ranks of a DATA message in ascending order.
func (m Message) Contributors() []int {
	out := make([]int, 0, len(m.Contributions))
	for r := range m.Contributions {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// Marshal serializes the message to JSON.
func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal deserializes and validates a message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if !m.Kind.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.Source < 0 {
		return Message{}, fmt.Errorf("%w: source %d", ErrInvalidRank, m.Source)
	}
	return m, nil
}

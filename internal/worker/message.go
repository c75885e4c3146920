package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedOutput = errors.New("failed to parse output")
	ErrUnknownKind     = errors.New("unknown worker kind")
	ErrClosed          = errors.New("supervisor closed")
	ErrNoOutput        = errors.New("worker produced no output")
)

// Monitor event discriminators, carried in the "type" field.
const (
	TypeStatus    = "status"
	TypeCheck     = "check"
	TypeAvailable = "available"
	TypeDropTime  = "drop_time"
	TypeError     = "error"
	TypeWarning   = "warning"
)

// Message is one decoded stdout line. A line which is not a JSON object
// yields a synthesized error message with Err wrapping ErrMalformedOutput.
type Message struct {
	Seq    int
	Raw    string
	Fields map[string]any
	Err    error
}

func parseLine(seq int, line string) Message {
	m := Message{Seq: seq, Raw: line}
	err := json.Unmarshal([]byte(line), &m.Fields)
	if err == nil && m.Fields == nil {
		err = errors.New("not a JSON object")
	}
	if err != nil {
		m.Err = fmt.Errorf("%w: %w", ErrMalformedOutput, err)
		m.Fields = map[string]any{
			"type":  TypeError,
			"error": ErrMalformedOutput.Error(),
			"raw":   line,
		}
	}
	return m
}

// Type returns the monitor event discriminator.
func (m Message) Type() string {
	return m.String("type")
}

func (m Message) Has(key string) bool {
	_, ok := m.Fields[key]
	return ok
}

func (m Message) String(key string) string {
	s, _ := m.Fields[key].(string)
	return s
}

func (m Message) Bool(key string) bool {
	b, _ := m.Fields[key].(bool)
	return b
}

// Progress reports whether a claim or authenticate message is an
// intermediate status update rather than the final result.
func (m Message) Progress() bool {
	return m.Has("status")
}

type ExitReason string

const (
	ExitNormal     ExitReason = "exited"
	ExitSuperseded ExitReason = "superseded"
	ExitStopped    ExitReason = "stopped"
	ExitTimeout    ExitReason = "timeout"
)

// Exit describes how a worker process ended.
type Exit struct {
	Code    int
	Reason  ExitReason
	Err     error
	Started time.Time
	Stopped time.Time
}

// Clean reports a zero exit code which was not forced by the supervisor.
func (e Exit) Clean() bool {
	return e.Code == 0 && e.Reason == ExitNormal
}

// Event is delivered on Handle.Events: a Message per stdout line followed
// by exactly one Exit.
type Event struct {
	Message *Message
	Exit    *Exit
}

// ExitError reports a worker that ended without producing its result.
type ExitError struct {
	Kind   Kind
	Code   int
	Reason ExitReason
}

func (e *ExitError) Error() string {
	if e.Reason != "" && e.Reason != ExitNormal {
		return fmt.Sprintf("%s process %s (code %d)", e.Kind, e.Reason, e.Code)
	}
	return fmt.Sprintf("%s process exited with code %d", e.Kind, e.Code)
}

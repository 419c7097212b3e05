package domain

import (
	"fmt"
	"strings"
	"time"
)

// Version is the envelope format version stamped on every message.
const Version = "1.0"

// Message is the typed envelope exchanged between pipeline stages. Values
// are immutable by convention: no method mutates a Message in place, and
// every transformation (conversion, compression, annotation) produces a new
// value. Construction snapshots the content and metadata maps, so callers
// may reuse their input maps freely.
type Message struct {
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver,omitempty"`
	DataType  DataType       `json:"data_type"`
	Content   map[string]any `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
	Version   string         `json:"version"`
}

// SchemaError reports that message content did not satisfy the minimal
// schema of its declared data type. Callers typically recover by retrying
// with TypeTextSummary (see FallbackMessage).
type SchemaError struct {
	DataType DataType
	Missing  []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("content for %s requires at least one of: %s",
		e.DataType, strings.Join(e.Missing, ", "))
}

// NewMessage builds a validated envelope. The content map must contain at
// least one of the declared type's required keys; a violation returns a
// *SchemaError. Unknown data types are rejected with ErrUnknownDataType.
func NewMessage(sender string, dt DataType, content, metadata map[string]any) (Message, error) {
	if !dt.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownDataType, string(dt))
	}
	if err := validateContent(dt, content); err != nil {
		return Message{}, err
	}
	return Message{
		Sender:    sender,
		DataType:  dt,
		Content:   CloneContent(content),
		Metadata:  CloneContent(metadata),
		Timestamp: time.Now(),
		Version:   Version,
	}, nil
}

// FallbackMessage builds a text_summary envelope that never fails
// validation. It is the recovery path for schema mismatches: the original
// content is carried unchanged and the metadata records why the intended
// type was abandoned.
func FallbackMessage(sender string, intended DataType, content, metadata map[string]any, cause error) Message {
	meta := CloneContent(metadata)
	meta["intended_type"] = string(intended)
	if cause != nil {
		meta["schema_error"] = cause.Error()
	}
	return Message{
		Sender:    sender,
		DataType:  TypeTextSummary,
		Content:   CloneContent(content),
		Metadata:  meta,
		Timestamp: time.Now(),
		Version:   Version,
	}
}

func validateContent(dt DataType, content map[string]any) error {
	alts := requiredAlternatives[dt]
	if len(alts) == 0 {
		return nil
	}
	for _, key := range alts {
		if _, ok := content[key]; ok {
			return nil
		}
	}
	return &SchemaError{DataType: dt, Missing: alts}
}

// Clone returns a deep copy. The copy shares nothing with the original, so
// holders of the original can never observe changes made to the clone.
func (m Message) Clone() Message {
	out := m
	out.Content = CloneContent(m.Content)
	out.Metadata = CloneContent(m.Metadata)
	return out
}

// WithMetadata returns a copy of the message with one metadata entry added.
// The content of the copy is shared structurally with a deep clone, keeping
// the original untouched.
func (m Message) WithMetadata(key string, value any) Message {
	out := m.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, 1)
	}
	out.Metadata[key] = value
	return out
}

// WithReceiver returns a copy addressed to the given agent.
func (m Message) WithReceiver(receiver string) Message {
	out := m.Clone()
	out.Receiver = receiver
	return out
}

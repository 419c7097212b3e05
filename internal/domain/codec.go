package domain

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Wire markers for messages embedded in stage context text.
const (
	wirePrefix = "<AGENT_MESSAGE>"
	wireSuffix = "</AGENT_MESSAGE>"
)

// wireMessage is the JSON shape carried between the wire markers. Timestamps
// travel as strings because upstream producers emit ISO-8601 with or without
// a zone offset.
type wireMessage struct {
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver,omitempty"`
	DataType  string         `json:"data_type"`
	Content   map[string]any `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	Timestamp string         `json:"timestamp"`
	Version   string         `json:"version"`
}

// EncodeString renders the message as <AGENT_MESSAGE>{json}</AGENT_MESSAGE>
// for embedding in stage context text.
func (m Message) EncodeString() (string, error) {
	wm := wireMessage{
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		DataType:  string(m.DataType),
		Content:   m.Content,
		Metadata:  m.Metadata,
		Timestamp: m.Timestamp.Format(time.RFC3339Nano),
		Version:   m.Version,
	}
	if wm.Content == nil {
		wm.Content = map[string]any{}
	}
	if wm.Metadata == nil {
		wm.Metadata = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wm); err != nil {
		return "", err
	}
	return wirePrefix + string(bytes.TrimRight(buf.Bytes(), "\n")) + wireSuffix, nil
}

// DecodeString parses a wire-tagged message back into an envelope. It never
// fails: untagged input becomes a text_summary carrying the raw text, and a
// tagged but malformed payload becomes a text_summary with a parse_error
// marker, so a stage emitting garbage degrades instead of halting the run.
func DecodeString(s string) Message {
	if !strings.Contains(s, wirePrefix) {
		return Message{
			Sender:    "unknown",
			DataType:  TypeTextSummary,
			Content:   map[string]any{"raw_output": s},
			Metadata:  map[string]any{},
			Timestamp: time.Now(),
			Version:   Version,
		}
	}

	jsonStr := strings.ReplaceAll(s, wirePrefix, "")
	jsonStr = strings.ReplaceAll(jsonStr, wireSuffix, "")

	var wm wireMessage
	if err := json.Unmarshal([]byte(jsonStr), &wm); err != nil {
		return decodeFailure(s)
	}
	if wm.DataType == "" {
		wm.DataType = string(TypeTextSummary)
	}
	dt, err := ParseDataType(wm.DataType)
	if err != nil {
		return decodeFailure(s)
	}
	if err := validateContent(dt, wm.Content); err != nil {
		return decodeFailure(s)
	}
	if wm.Sender == "" {
		wm.Sender = "unknown"
	}
	if wm.Version == "" {
		wm.Version = Version
	}
	if wm.Content == nil {
		wm.Content = map[string]any{}
	}
	if wm.Metadata == nil {
		wm.Metadata = map[string]any{}
	}
	return Message{
		Sender:    wm.Sender,
		Receiver:  wm.Receiver,
		DataType:  dt,
		Content:   wm.Content,
		Metadata:  wm.Metadata,
		Timestamp: parseWireTime(wm.Timestamp),
		Version:   wm.Version,
	}
}

func decodeFailure(raw string) Message {
	return Message{
		Sender:    "unknown",
		DataType:  TypeTextSummary,
		Content:   map[string]any{"raw_output": raw, "parse_error": true},
		Metadata:  map[string]any{},
		Timestamp: time.Now(),
		Version:   Version,
	}
}

// parseWireTime accepts RFC 3339 and zone-less ISO-8601 variants.
func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Now()
}

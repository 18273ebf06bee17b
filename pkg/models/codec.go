package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Encode serializes a task into its canonical persisted form.
// Nil slices and maps are written as empty values and invalid UTF-8 is
// replaced with U+FFFD, so that a record read back and encoded again
// produces identical bytes.
func Encode(t *Task) ([]byte, error) {
	c := *t
	c.ID = ValidText(c.ID)
	c.Description = ValidText(c.Description)
	c.CapabilityTag = ValidText(c.CapabilityTag)
	c.ParentID = ValidText(c.ParentID)
	c.ClaimedBy = ValidText(c.ClaimedBy)
	c.CreatedBy = ValidText(c.CreatedBy)

	c.Dependencies = make([]string, len(t.Dependencies))
	for i, d := range t.Dependencies {
		c.Dependencies[i] = ValidText(d)
	}
	c.Metadata = make(map[string]any, len(t.Metadata))
	for k, v := range t.Metadata {
		c.Metadata[ValidText(k)] = validValue(v)
	}
	if len(c.Result) == 0 {
		c.Result = nil
	}

	data, err := json.MarshalIndent(&c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return append(data, '\n'), nil
}

// Decode parses a persisted task. Numbers inside metadata are kept as
// json.Number to preserve their textual form. The result payload is
// returned compact, as handlers wrote it.
func Decode(data []byte) (*Task, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var t Task
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.Dependencies == nil {
		t.Dependencies = []string{}
	}
	if t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	if bytes.Equal(t.Result, []byte("null")) {
		t.Result = nil
	}
	if len(t.Result) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, t.Result); err != nil {
			return nil, fmt.Errorf("decode task %s result: %w", t.ID, err)
		}
		t.Result = buf.Bytes()
	}
	return &t, nil
}

// ValidText replaces invalid UTF-8 sequences in s with U+FFFD.
func ValidText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// validValue returns a copy of a metadata value with every string made
// valid UTF-8.
func validValue(v any) any {
	switch v := v.(type) {
	case string:
		return ValidText(v)
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = ValidText(s)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = validValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[ValidText(k)] = validValue(e)
		}
		return out
	default:
		return v
	}
}

package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// timestampLayouts are tried in order when reading a stored time. Zone-less
// forms come from documents and rows written by the earlier Python service
// (datetime.isoformat()) and from MySQL TIMESTAMP columns; they are read
// as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp reads an RFC 3339 time, or a zone-less ISO 8601 or MySQL
// DATETIME value as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// timestamp decodes any layout ParseTimestamp accepts. JSON null leaves the
// zero time.
type timestamp time.Time

func (t *timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = timestamp(v)
	return nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		Timestamp timestamp `json:"timestamp"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Timestamp = time.Time(aux.Timestamp)
	return nil
}

func (c *Chunk) UnmarshalJSON(data []byte) error {
	type plain Chunk
	aux := struct {
		*plain
		CreatedAt timestamp `json:"created_at"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.CreatedAt = time.Time(aux.CreatedAt)
	return nil
}

func (s *Session) UnmarshalJSON(data []byte) error {
	type plain Session
	aux := struct {
		*plain
		CreatedAt    timestamp `json:"created_at"`
		LastActivity timestamp `json:"last_activity"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	s.CreatedAt = time.Time(aux.CreatedAt)
	s.LastActivity = time.Time(aux.LastActivity)
	return nil
}

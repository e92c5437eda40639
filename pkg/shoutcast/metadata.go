package shoutcast

import (
	"bytes"
	"strings"
)

// Metadata is the parsed content of one ICY metadata block.
type Metadata struct {
	// StreamTitle is the title of the track currently playing
	StreamTitle string
}

// NewMetadata parses a raw metadata block of the form
// "StreamTitle='...';StreamUrl='...';" padded with NUL bytes.
func NewMetadata(raw []byte) *Metadata {
	m := &Metadata{}

	s := string(bytes.TrimRight(raw, "\x00"))
	for _, field := range strings.Split(s, ";") {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, "'")
		value = strings.TrimSuffix(value, "'")
		if key == "StreamTitle" {
			m.StreamTitle = value
		}
	}

	return m
}

// Equals reports whether two metadata blocks carry the same title.
func (m *Metadata) Equals(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.StreamTitle == other.StreamTitle
}

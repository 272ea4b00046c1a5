// Package email defines the core email data model used throughout the relay.
package email

import (
	"strings"
	"time"
)

// DefaultCharset is the charset every decoded body carries.
const DefaultCharset = "utf-8"

// Message represents a parsed email message ready for delivery.
type Message struct {
	// From is the envelope sender (MAIL FROM), or the From header when the
	// envelope sender was empty.
	From string
	// To holds the envelope recipients in RCPT TO order.
	To []string
	Cc []string

	Subject string
	Body    string
	IsHTML  bool

	// Charset is always DefaultCharset once the decoder is done with a message.
	Charset          string
	TransferEncoding string

	MessageID   string
	Headers     Header
	Attachments []Attachment

	// Raw is the original byte stream as received during DATA.
	Raw        []byte
	ReceivedAt time.Time
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Size        int
	ContentID   string
	Inline      bool
}

// HeaderField is a single header as it appeared on the wire, after unfolding.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields with case-insensitive lookup.
// Repeated names are kept in arrival order.
type Header struct {
	fields []HeaderField
}

// Add appends a field, preserving the name as received.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Get returns the first value for name, or "" if absent.
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name in arrival order.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether at least one field named name exists.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Fields returns a copy of all fields in arrival order.
func (h *Header) Fields() []HeaderField {
	out := make([]HeaderField, len(h.fields))
	copy(out, h.fields)
	return out
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/shineum/smtp-relay/internal/email"
)

var (
	charsetParam      = paramPattern("charset")
	boundaryParam     = paramPattern("boundary")
	nameParam         = paramPattern("name")
	filenameParam     = paramPattern("filename")
	filenameStarParam = paramPattern(`filename\*`)
)

// paramPattern builds a case-insensitive matcher for a header parameter.
// The leading anchor keeps "name" from matching inside "filename".
func paramPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)(?:^|;)\s*` + name + `\s*=\s*("(?:[^"\\]|\\.)*"|[^;\s]+)`)
}

// splitMessage separates the header block from the body at the first blank
// line. The body is returned untouched. ok is false when no blank line exists,
// in which case the whole input is the header block.
func splitMessage(raw []byte) (header, body []byte, ok bool) {
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return nil, raw[2:], true
	}
	if bytes.HasPrefix(raw, []byte("\n")) {
		return nil, raw[1:], true
	}

	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:], true
	case lf >= 0:
		return raw[:lf], raw[lf+2:], true
	default:
		return raw, nil, false
	}
}

// parseHeaderBlock unfolds continuation lines and returns the fields in
// arrival order.
func parseHeaderBlock(block []byte) (email.Header, error) {
	var h email.Header
	if bytes.IndexByte(block, 0) >= 0 {
		return h, fmt.Errorf("%w: NUL byte in header", ErrMalformedHeader)
	}

	var name, value string
	flush := func() {
		if name != "" {
			h.Add(name, strings.TrimSpace(value))
		}
	}

	for i, line := range strings.Split(string(block), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if name == "" {
				return h, fmt.Errorf("%w: continuation without field on line %d", ErrMalformedHeader, i+1)
			}
			value += line
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return h, fmt.Errorf("%w: line %d has no field name", ErrMalformedHeader, i+1)
		}
		fieldName := strings.TrimRight(line[:colon], " \t")
		if !validFieldName(fieldName) {
			return h, fmt.Errorf("%w: invalid field name %q", ErrMalformedHeader, fieldName)
		}

		flush()
		name = fieldName
		value = line[colon+1:]
	}
	flush()

	return h, nil
}

// validFieldName reports whether s consists of printable US-ASCII without
// spaces or colons.
func validFieldName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c > '~' || c == ':' {
			return false
		}
	}
	return true
}

// mediaType returns the lowercased type/subtype of a Content-Type or
// Content-Disposition value.
func mediaType(value string) string {
	if i := strings.IndexByte(value, ';'); i >= 0 {
		value = value[:i]
	}
	return strings.ToLower(strings.TrimSpace(value))
}

// param extracts a parameter value, unquoting it if needed.
func param(re *regexp.Regexp, value string) string {
	m := re.FindStringSubmatch(value)
	if m == nil {
		return ""
	}
	v := m[1]
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
		var b strings.Builder
		for i := 0; i < len(v); i++ {
			if v[i] == '\\' && i+1 < len(v) {
				i++
			}
			b.WriteByte(v[i])
		}
		v = b.String()
	}
	return v
}

// extractAddress returns the address inside angle brackets if present,
// otherwise the trimmed token.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)
	if open := strings.LastIndexByte(s, '<'); open >= 0 {
		if end := strings.IndexByte(s[open:], '>'); end > 0 {
			return strings.TrimSpace(s[open+1 : open+end])
		}
	}
	return strings.Trim(s, "\"' ")
}

// splitAddressList splits a comma separated address list while respecting
// quoted display names and angle brackets.
func splitAddressList(s string) []string {
	var (
		out     []string
		current strings.Builder
		quoted  bool
		angle   bool
	)
	push := func() {
		if addr := extractAddress(current.String()); addr != "" {
			out = append(out, addr)
		}
		current.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && quoted && i+1 < len(s):
			current.WriteByte(c)
			i++
			c = s[i]
		case c == '"':
			quoted = !quoted
		case c == '<' && !quoted:
			angle = true
		case c == '>' && !quoted:
			angle = false
		case c == ',' && !quoted && !angle:
			push()
			continue
		}
		current.WriteByte(c)
	}
	push()

	return out
}

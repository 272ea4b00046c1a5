package parser

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/shineum/smtp-relay/internal/email"
)

// maxDepth bounds multipart nesting.
const maxDepth = 16

// entity is one MIME entity: the top-level message or a body part.
type entity struct {
	header email.Header
	body   []byte
}

// collector accumulates body candidates and attachments while walking a tree.
type collector struct {
	text        string
	html        string
	hasText     bool
	hasHTML     bool
	attachments []email.Attachment
}

// splitParts returns the raw parts delimited by boundary. The preamble and
// epilogue are discarded. A missing close delimiter ends the last part at the
// end of the body. ok is false when no delimiter line was found.
func splitParts(body []byte, boundary string) (parts [][]byte, ok bool) {
	delim := []byte("--" + boundary)

	start := -1
	pos := 0
	for pos <= len(body) {
		end := bytes.IndexByte(body[pos:], '\n')
		var line []byte
		next := len(body) + 1
		if end >= 0 {
			line = body[pos : pos+end]
			next = pos + end + 1
		} else {
			line = body[pos:]
		}
		trimmed := bytes.TrimRight(line, " \t\r")

		if bytes.HasPrefix(trimmed, delim) {
			rest := trimmed[len(delim):]
			closing := bytes.Equal(rest, []byte("--"))
			if closing || len(rest) == 0 {
				ok = true
				if start >= 0 {
					parts = append(parts, trimLineBreak(body[start:pos]))
				}
				if closing {
					return parts, ok
				}
				start = next
				if start > len(body) {
					start = len(body)
				}
			}
		}

		if end < 0 {
			break
		}
		pos = next
	}

	if start >= 0 && start < len(body) {
		parts = append(parts, body[start:])
	}
	return parts, ok
}

// trimLineBreak removes the line break that belongs to the next delimiter.
func trimLineBreak(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	return bytes.TrimSuffix(b, []byte("\n"))
}

// walk visits an entity and every nested part below it.
func (d *Decoder) walk(e entity, depth int, c *collector) {
	contentType := e.header.Get("Content-Type")
	mt := mediaType(contentType)
	if mt == "" {
		mt = "text/plain"
	}

	if strings.HasPrefix(mt, "multipart/") {
		if depth >= maxDepth {
			d.log.Warn("multipart nesting too deep, skipping", "depth", depth)
			return
		}
		boundary := param(boundaryParam, contentType)
		if boundary == "" {
			d.log.Warn("nested multipart missing boundary, skipping", "content_type", mt)
			return
		}
		parts, _ := splitParts(e.body, boundary)
		for _, raw := range parts {
			child, err := parseEntity(raw)
			if err != nil {
				d.log.Warn("skipping malformed MIME part", "error", err)
				continue
			}
			d.walk(child, depth+1, c)
		}
		return
	}

	disposition := mediaType(e.header.Get("Content-Disposition"))
	filename := partFilename(e.header)
	encoding := e.header.Get("Content-Transfer-Encoding")

	if disposition != "attachment" && filename == "" {
		switch {
		case mt == "text/html" && !c.hasHTML:
			c.html = d.decodeText(e.body, encoding, param(charsetParam, contentType))
			c.hasHTML = true
			return
		case mt == "text/plain" && !c.hasText:
			c.text = d.decodeText(e.body, encoding, param(charsetParam, contentType))
			c.hasText = true
			return
		case mt == "text/plain" || mt == "text/html":
			// The body slot is taken; keep the part as an attachment.
			d.log.Debug("additional body part kept as attachment", "content_type", mt)
		}
	}

	content, result := decodeTransfer(e.body, encoding)
	if result == keptOriginal {
		d.log.Warn("attachment transfer decoding failed, keeping encoded content",
			"filename", filename,
			"encoding", encoding,
		)
	}
	if filename == "" {
		filename = fallbackFilename(mt)
	}
	contentID := strings.Trim(strings.TrimSpace(e.header.Get("Content-ID")), "<>")

	c.attachments = append(c.attachments, email.Attachment{
		Filename:    filename,
		ContentType: mt,
		Content:     content,
		Size:        len(content),
		ContentID:   contentID,
		Inline:      contentID != "" && disposition != "attachment",
	})
}

// parseEntity splits a raw part into its header and body.
func parseEntity(raw []byte) (entity, error) {
	block, body, found := splitMessage(raw)
	if !found {
		// A part made only of headers has an empty body.
		body = nil
	}
	h, err := parseHeaderBlock(block)
	if err != nil {
		return entity{}, err
	}
	return entity{header: h, body: body}, nil
}

// partFilename looks for a filename in Content-Disposition (RFC 2231 form
// first) and then in the Content-Type name parameter.
func partFilename(h email.Header) string {
	disposition := h.Get("Content-Disposition")
	if v := param(filenameStarParam, disposition); v != "" {
		if name := decodeExtendedValue(v); name != "" {
			return name
		}
	}
	if v := param(filenameParam, disposition); v != "" {
		return decodeWords(v)
	}
	if v := param(nameParam, h.Get("Content-Type")); v != "" {
		return decodeWords(v)
	}
	return ""
}

// decodeExtendedValue decodes an RFC 2231 value of the form
// charset'language'percent-encoded-text.
func decodeExtendedValue(v string) string {
	parts := strings.SplitN(v, "'", 3)
	if len(parts) != 3 {
		return ""
	}
	unescaped, err := url.PathUnescape(parts[2])
	if err != nil {
		return ""
	}
	s, _ := toUTF8([]byte(unescaped), parts[0])
	return s
}

// fallbackFilename names an attachment after its media subtype.
func fallbackFilename(mt string) string {
	if _, sub, ok := strings.Cut(mt, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

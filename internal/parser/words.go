package parser

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var encodedWord = regexp.MustCompile(`=\?([^?\s]+)\?([bBqQ])\?([^?\s]*)\?=`)

// headerText turns a raw header value into valid UTF-8. Raw 8-bit text is
// read under charset (the message charset) before encoded words are decoded.
func headerText(value, charset string) string {
	if !utf8.ValidString(value) {
		value, _ = toUTF8([]byte(value), charset)
	}
	return validUTF8([]byte(decodeWords(value)))
}

// decodeWords decodes every RFC 2047 encoded word in a header value.
// Whitespace between two successfully decoded words is dropped. A word that
// fails to decode keeps its original text.
func decodeWords(value string) string {
	matches := encodedWord.FindAllStringSubmatchIndex(value, -1)
	if matches == nil {
		return value
	}

	var (
		b           strings.Builder
		last        int
		prevDecoded bool
	)
	for _, m := range matches {
		gap := value[last:m[0]]
		text, ok := decodeWord(value[m[2]:m[3]], value[m[4]:m[5]], value[m[6]:m[7]])

		if !(ok && prevDecoded && strings.TrimSpace(gap) == "") {
			b.WriteString(gap)
		}
		if ok {
			b.WriteString(text)
		} else {
			b.WriteString(value[m[0]:m[1]])
		}

		prevDecoded = ok
		last = m[1]
	}
	b.WriteString(value[last:])

	return b.String()
}

// decodeWord decodes the payload of a single encoded word.
func decodeWord(charset, enc, text string) (string, bool) {
	var raw []byte
	switch strings.ToUpper(enc) {
	case "B":
		out, ok := decodeBase64([]byte(text))
		if !ok {
			return "", false
		}
		raw = out
	case "Q":
		out, ok := decodeQ(text)
		if !ok {
			return "", false
		}
		raw = out
	default:
		return "", false
	}

	s, result := toUTF8(raw, charset)
	if result == keptOriginal {
		return "", false
	}
	return s, true
}

// decodeQ decodes the "Q" encoding: underscores are spaces and =XX escapes are
// bytes. Malformed escapes fail the word.
func decodeQ(text string) ([]byte, bool) {
	out := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		switch c := text[i]; c {
		case '_':
			out = append(out, ' ')
		case '=':
			if i+2 >= len(text) || !isHex(text[i+1]) || !isHex(text[i+2]) {
				return nil, false
			}
			out = append(out, unhex(text[i+1])<<4|unhex(text[i+2]))
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out, true
}


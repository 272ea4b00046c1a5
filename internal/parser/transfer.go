package parser

import (
	"encoding/base64"
	"strings"
)

// Transfer encodings recognised by the decoder.
const (
	encodingBase64          = "base64"
	encodingQuotedPrintable = "quoted-printable"
	encoding7Bit            = "7bit"
	encoding8Bit            = "8bit"
	encodingBinary          = "binary"
)

// decodeResult says whether a decode step produced new bytes or kept the input.
type decodeResult int

const (
	decoded decodeResult = iota
	keptOriginal
)

// decodeTransfer undoes a Content-Transfer-Encoding. On failure the original
// bytes are returned together with keptOriginal.
func decodeTransfer(body []byte, encoding string) ([]byte, decodeResult) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case encodingBase64:
		out, ok := decodeBase64(body)
		if !ok {
			return body, keptOriginal
		}
		return out, decoded
	case encodingQuotedPrintable:
		return decodeQuotedPrintable(body), decoded
	default:
		// 7bit, 8bit, binary and unknown tokens pass through.
		return body, decoded
	}
}

// decodeBase64 strips all whitespace and decodes padded, then unpadded input.
func decodeBase64(body []byte) ([]byte, bool) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, string(body))

	out, err := base64.StdEncoding.DecodeString(cleaned)
	if err == nil {
		return out, true
	}
	out, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
	if err == nil {
		return out, true
	}
	return nil, false
}

// decodeQuotedPrintable replaces =XX escapes and removes soft line breaks.
// Escapes that are not valid hex are kept literally.
func decodeQuotedPrintable(body []byte) []byte {
	out := make([]byte, 0, len(body))
	n := len(body)

	for i := 0; i < n; i++ {
		c := body[i]
		if c != '=' {
			out = append(out, c)
			continue
		}

		// Soft line break, tolerating transport padding before the terminator.
		j := i + 1
		for j < n && (body[j] == ' ' || body[j] == '\t') {
			j++
		}
		if j == n {
			i = j
			continue
		}
		if body[j] == '\n' {
			i = j
			continue
		}
		if body[j] == '\r' && j+1 < n && body[j+1] == '\n' {
			i = j + 1
			continue
		}

		if i+2 < n && isHex(body[i+1]) && isHex(body[i+2]) {
			out = append(out, unhex(body[i+1])<<4|unhex(body[i+2]))
			i += 2
			continue
		}
		out = append(out, c)
	}

	return out
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

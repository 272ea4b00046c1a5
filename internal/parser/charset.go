package parser

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
)

// normalizeCharset lowercases a charset label and strips quotes and RFC 2231
// language suffixes.
func normalizeCharset(label string) string {
	label = strings.ToLower(strings.Trim(strings.TrimSpace(label), `"'`))
	if i := strings.IndexByte(label, '*'); i >= 0 {
		label = label[:i]
	}
	return label
}

// lookupCharset resolves a label through the WHATWG index first and the IANA
// registry second. nil means the charset is not supported.
func lookupCharset(label string) encoding.Encoding {
	if enc, err := htmlindex.Get(label); err == nil {
		return enc
	}
	if enc, err := ianaindex.IANA.Encoding(label); err == nil && enc != nil {
		return enc
	}
	return nil
}

func isUTF8Label(label string) bool {
	switch label {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// toUTF8 reinterprets data under the declared charset and returns valid UTF-8.
// Unknown charsets fall back to treating data as UTF-8 and report keptOriginal.
func toUTF8(data []byte, charset string) (string, decodeResult) {
	label := normalizeCharset(charset)
	if isUTF8Label(label) {
		return validUTF8(data), decoded
	}

	enc := lookupCharset(label)
	if enc == nil {
		return validUTF8(data), keptOriginal
	}
	if name, err := htmlindex.Name(enc); err == nil && name == "utf-8" {
		return validUTF8(data), decoded
	}

	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return validUTF8(data), keptOriginal
	}
	return validUTF8(out), decoded
}

// validUTF8 replaces invalid sequences with U+FFFD.
func validUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "\uFFFD")
}

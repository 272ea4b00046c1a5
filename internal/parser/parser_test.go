package parser

import (
	"errors"
	"strings"
	"testing"
)

func TestParsePlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "sender@example.com")
	}
	if msg.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Test Subject")
	}
	if msg.MessageID != "<test123@example.com>" {
		t.Errorf("MessageID: got %q, want %q", msg.MessageID, "<test123@example.com>")
	}
	if msg.Body != "Hello, this is a plain text email." {
		t.Errorf("Body: got %q, want %q", msg.Body, "Hello, this is a plain text email.")
	}
	if msg.IsHTML {
		t.Error("IsHTML: got true, want false")
	}
	if msg.Charset != "utf-8" {
		t.Errorf("Charset: got %q, want %q", msg.Charset, "utf-8")
	}
	if len(msg.Attachments) != 0 {
		t.Errorf("Attachments: got %d, want 0", len(msg.Attachments))
	}
	if string(msg.Raw) != string(raw) {
		t.Error("Raw does not hold the original bytes")
	}
	if msg.ReceivedAt.IsZero() {
		t.Error("ReceivedAt should be set")
	}
}

func TestParseSubjectAndBodyScenario(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte("Subject: Hi\r\n\r\nHello\r\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Subject != "Hi" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Hi")
	}
	if !strings.Contains(msg.Body, "Hello") {
		t.Errorf("Body: got %q, want it to contain %q", msg.Body, "Hello")
	}
}

func TestParseBodyNotTrimmed(t *testing.T) {
	t.Parallel()

	body := "\r\n  <table>\r\n    <tr><td>1</td></tr>\r\n  </table>\r\n\r\n"
	raw := []byte("Content-Type: text/html; charset=utf-8\r\n\r\n" + body)

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Body != body {
		t.Errorf("Body: got %q, want %q", msg.Body, body)
	}
	if !msg.IsHTML {
		t.Error("IsHTML: got false, want true")
	}
}

func TestParseLFOnlyLineEndings(t *testing.T) {
	t.Parallel()

	msg, err := Parse([]byte("Subject: LF\nX-Test: yes\n\nline one\nline two\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Subject != "LF" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "LF")
	}
	if msg.Body != "line one\nline two\n" {
		t.Errorf("Body: got %q", msg.Body)
	}
}

func TestParseFoldedHeaders(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Subject: a very long",
		"\tsubject line",
		"X-Folded: first",
		"  second",
		"",
		"body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Subject != "a very long\tsubject line" {
		t.Errorf("Subject: got %q", msg.Subject)
	}
	if got := msg.Headers.Get("x-folded"); got != "first  second" {
		t.Errorf("X-Folded: got %q, want %q", got, "first  second")
	}
}

func TestParseEncodedSubject(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Subject: =?UTF-8?B?SGVsbG8gV8O2cmxk?= =?ISO-8859-1?Q?caf=E9_au_lait?=",
		"",
		"body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "Hello Wörldcafé au lait"
	if msg.Subject != want {
		t.Errorf("Subject: got %q, want %q", msg.Subject, want)
	}
}

func TestParseCcAndHeaders(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: \"Sender\" <sender@example.com>",
		"Cc: \"Doe, Jane\" <jane@example.com>, bob@example.com",
		"X-Custom-Header: custom-value",
		"Content-Transfer-Encoding: 7BIT",
		"",
		"Body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "sender@example.com")
	}
	if len(msg.Cc) != 2 || msg.Cc[0] != "jane@example.com" || msg.Cc[1] != "bob@example.com" {
		t.Errorf("Cc: got %v, want [jane@example.com bob@example.com]", msg.Cc)
	}
	if got := msg.Headers.Get("x-custom-header"); got != "custom-value" {
		t.Errorf("X-Custom-Header: got %q, want %q", got, "custom-value")
	}
	if msg.TransferEncoding != "7bit" {
		t.Errorf("TransferEncoding: got %q, want %q", msg.TransferEncoding, "7bit")
	}
	if msg.Headers.Len() != 4 {
		t.Errorf("Headers.Len: got %d, want 4", msg.Headers.Len())
	}
}

func TestParseBase64HTMLBody(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: text/html; charset=\"utf-8\"",
		"Content-Transfer-Encoding: base64",
		"",
		"PGh0bWw+PGJvZHk+T2s8L2JvZHk+PC9odG1sPg==",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Body != "<html><body>Ok</body></html>" {
		t.Errorf("Body: got %q, want %q", msg.Body, "<html><body>Ok</body></html>")
	}
	if !msg.IsHTML {
		t.Error("IsHTML: got false, want true")
	}
}

func TestParseInvalidBase64KeepsOriginal(t *testing.T) {
	t.Parallel()

	raw := []byte("Content-Transfer-Encoding: base64\r\n\r\n!!not base64!!")

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Body != "!!not base64!!" {
		t.Errorf("Body: got %q, want original content", msg.Body)
	}
}

func TestParseLatin1Body(t *testing.T) {
	t.Parallel()

	raw := append([]byte("Content-Type: text/plain; CHARSET=iso-8859-1\r\n\r\n"), []byte("caf\xe9")...)

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Body != "café" {
		t.Errorf("Body: got %q, want %q", msg.Body, "café")
	}
	if msg.Charset != "utf-8" {
		t.Errorf("Charset: got %q, want utf-8", msg.Charset)
	}
}

func TestParseUnknownCharsetFallsBackToUTF8(t *testing.T) {
	t.Parallel()

	raw := []byte("Content-Type: text/plain; charset=x-made-up\r\n\r\nplain ascii")

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Body != "plain ascii" {
		t.Errorf("Body: got %q, want %q", msg.Body, "plain ascii")
	}
}

func TestParseMultipartTextAndHTML(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: Multipart Test",
		"Content-Type: multipart/alternative; boundary=boundary123",
		"",
		"--boundary123",
		"Content-Type: text/plain",
		"",
		"Plain text body",
		"--boundary123",
		"Content-Type: text/html",
		"",
		"<html><body><p>HTML body</p></body></html>",
		"--boundary123--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Body != "<html><body><p>HTML body</p></body></html>" {
		t.Errorf("Body: got %q, want the HTML part", msg.Body)
	}
	if !msg.IsHTML {
		t.Error("IsHTML: got false, want true")
	}
}

func TestParseEmailWithAttachments(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"Subject: With Attachment",
		"Content-Type: multipart/mixed; boundary=mixedboundary",
		"",
		"--mixedboundary",
		"Content-Type: text/plain",
		"",
		"Email body text",
		"--mixedboundary",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8gV29ybGQ=",
		"--mixedboundary--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Body != "Email body text" {
		t.Errorf("Body: got %q, want %q", msg.Body, "Email body text")
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}

	att := msg.Attachments[0]
	if att.Filename != "report.pdf" {
		t.Errorf("Attachment Filename: got %q, want %q", att.Filename, "report.pdf")
	}
	if att.ContentType != "application/pdf" {
		t.Errorf("Attachment ContentType: got %q, want %q", att.ContentType, "application/pdf")
	}
	if string(att.Content) != "Hello World" {
		t.Errorf("Attachment Content: got %q, want %q", string(att.Content), "Hello World")
	}
	if att.Size != len("Hello World") {
		t.Errorf("Attachment Size: got %d, want %d", att.Size, len("Hello World"))
	}
	if att.Inline {
		t.Error("Attachment Inline: got true, want false")
	}
}

func TestParseInlineImage(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/related; boundary=rel",
		"",
		"--rel",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<img src=\"cid:logo@x\">",
		"--rel",
		"Content-Type: image/png",
		"Content-ID: <logo@x>",
		"Content-Disposition: inline",
		"Content-Transfer-Encoding: base64",
		"",
		"iVBORw0K",
		"--rel--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if !att.Inline {
		t.Error("Inline: got false, want true")
	}
	if att.ContentID != "logo@x" {
		t.Errorf("ContentID: got %q, want %q", att.ContentID, "logo@x")
	}
	if att.Filename != "attachment.png" {
		t.Errorf("Filename: got %q, want %q", att.Filename, "attachment.png")
	}
}

func TestParseEncodedFilenames(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: multipart/mixed; boundary=b",
		"",
		"--b",
		"Content-Type: application/octet-stream",
		"Content-Disposition: attachment; filename*=UTF-8''r%C3%A9sum%C3%A9.txt",
		"",
		"x",
		"--b",
		"Content-Type: application/octet-stream; name=\"=?UTF-8?Q?na=C3=AFve.bin?=\"",
		"",
		"y",
		"--b--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.Attachments) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "résumé.txt" {
		t.Errorf("Filename[0]: got %q, want %q", msg.Attachments[0].Filename, "résumé.txt")
	}
	if msg.Attachments[1].Filename != "naïve.bin" {
		t.Errorf("Filename[1]: got %q, want %q", msg.Attachments[1].Filename, "naïve.bin")
	}
}

func TestParseNestedMultipart(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Subject: Nested Multipart",
		"Content-Type: multipart/mixed; boundary=outer",
		"",
		"preamble to ignore",
		"--outer",
		"Content-Type: multipart/alternative; boundary=inner",
		"",
		"--inner",
		"Content-Type: text/plain",
		"",
		"Plain text part",
		"--inner",
		"Content-Type: text/html; charset=iso-8859-1",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"<p>HTML caf=E9 part</p>",
		"--inner--",
		"--outer",
		"Content-Type: application/octet-stream; name=\"data.bin\"",
		"Content-Disposition: attachment; filename=\"data.bin\"",
		"",
		"binarydata",
		"--outer--",
		"epilogue",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Body != "<p>HTML café part</p>" {
		t.Errorf("Body: got %q, want %q", msg.Body, "<p>HTML café part</p>")
	}
	if !msg.IsHTML {
		t.Error("IsHTML: got false, want true")
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	if msg.Attachments[0].Filename != "data.bin" {
		t.Errorf("Attachment Filename: got %q, want %q", msg.Attachments[0].Filename, "data.bin")
	}
	if string(msg.Attachments[0].Content) != "binarydata" {
		t.Errorf("Attachment Content: got %q, want %q", msg.Attachments[0].Content, "binarydata")
	}
}

func TestParseTopLevelAttachment(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Content-Type: application/pdf",
		"Content-Disposition: attachment; filename=scan.pdf",
		"Content-Transfer-Encoding: base64",
		"",
		"SGVsbG8=",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Body != "" {
		t.Errorf("Body: got %q, want empty", msg.Body)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "scan.pdf" {
		t.Fatalf("Attachments: got %+v", msg.Attachments)
	}
	if string(msg.Attachments[0].Content) != "Hello" {
		t.Errorf("Content: got %q, want %q", msg.Attachments[0].Content, "Hello")
	}
}

func TestParseMalformedMIME(t *testing.T) {
	t.Parallel()

	t.Run("completely invalid message", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("not a valid email at all\x00\x01\x02"))
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("error: got %v, want ErrMalformedHeader", err)
		}
	})

	t.Run("empty message", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("\r\n"))
		if !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("error: got %v, want ErrEmptyMessage", err)
		}
	})

	t.Run("continuation without field", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte(" folded\r\nSubject: x\r\n\r\nbody"))
		if !errors.Is(err, ErrMalformedHeader) {
			t.Errorf("error: got %v, want ErrMalformedHeader", err)
		}
	})

	t.Run("missing content type defaults to text/plain", func(t *testing.T) {
		t.Parallel()
		msg, err := Parse([]byte("Subject: No Content Type\r\n\r\nBody without content type header"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Body != "Body without content type header" {
			t.Errorf("Body: got %q", msg.Body)
		}
	})

	t.Run("multipart missing boundary", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("Content-Type: multipart/mixed\r\n\r\nsome body"))
		if !errors.Is(err, ErrMissingBoundary) {
			t.Errorf("error: got %v, want ErrMissingBoundary", err)
		}
	})

	t.Run("multipart without delimiters falls back to text", func(t *testing.T) {
		t.Parallel()
		msg, err := Parse([]byte("Content-Type: multipart/mixed; boundary=zz\r\n\r\nsome body"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg.Body != "some body" {
			t.Errorf("Body: got %q, want %q", msg.Body, "some body")
		}
	})
}

func TestParseAdditionalTextPartKept(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: scanner@example.com",
		"Subject: Scan",
		"Content-Type: multipart/mixed; boundary=sep",
		"",
		"--sep",
		"Content-Type: text/plain",
		"",
		"Scanned document attached.",
		"--sep",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"SECOND PART CONTENT",
		"--sep--",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Body != "Scanned document attached." {
		t.Errorf("Body: got %q, want the first text part", msg.Body)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("Attachments: got %d, want 1", len(msg.Attachments))
	}
	att := msg.Attachments[0]
	if string(att.Content) != "SECOND PART CONTENT" {
		t.Errorf("attachment content: got %q", att.Content)
	}
	if att.ContentType != "text/plain" {
		t.Errorf("attachment content type: got %q", att.ContentType)
	}
	if att.Filename != "attachment.plain" {
		t.Errorf("attachment filename: got %q", att.Filename)
	}
}

func TestParseEightBitSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		want        string
	}{
		{name: "declared latin1", contentType: "text/plain; charset=iso-8859-1", want: "Café"},
		{name: "no charset", contentType: "text/plain", want: "Caf\uFFFD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			raw := []byte("From: device@example.com\r\n" +
				"Subject: Caf\xe9\r\n" +
				"Content-Type: " + tt.contentType + "\r\n" +
				"\r\n" +
				"body")

			msg, err := Parse(raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msg.Subject != tt.want {
				t.Errorf("Subject: got %q, want %q", msg.Subject, tt.want)
			}
		})
	}
}

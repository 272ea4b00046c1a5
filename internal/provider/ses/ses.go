// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/smtp-relay/internal/email"
	"github.com/shineum/smtp-relay/internal/provider"
)

// Config holds the settings for an SES Provider.
type Config struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	Sender           string
	ConfigurationSet string
}

// Provider sends emails via the AWS SES v2 API.
type Provider struct {
	sender           string
	configurationSet string
	client           SendEmailAPI
}

// SendEmailAPI is the subset of the SES v2 client the provider uses.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates an SES Provider. Static credentials are used when both keys
// are set, otherwise the default AWS credential chain applies. SDK level
// retries are disabled; the delivery queue schedules retries.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	p := NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg))
	p.configurationSet = cfg.ConfigurationSet
	return p, nil
}

// NewWithClient creates a Provider around an existing client.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{sender: sender, client: client}
}

// Name returns the provider name.
func (s *Provider) Name() string {
	return "ses"
}

// Send makes one SendEmail call. Messages with attachments are sent as raw
// MIME, everything else uses the simple content form.
func (s *Provider) Send(ctx context.Context, msg *email.Message) error {
	var input *sesv2.SendEmailInput

	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(s.sender, msg)
		if err != nil {
			return provider.PermanentError(fmt.Errorf("failed to build raw message: %w", err))
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(s.sender),
			Destination:      destination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{Data: raw},
			},
		}
	} else {
		input = buildSimpleInput(s.sender, msg)
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return classifyError(err)
	}
	return nil
}

// permanentCodes are SES error codes that retrying will not fix.
var permanentCodes = map[string]struct{}{
	"MessageRejected":                    {},
	"MailFromDomainNotVerifiedException": {},
	"NotFoundException":                  {},
	"BadRequestException":                {},
	"AccountSuspendedException":          {},
	"SendingPausedException":             {},
	"InvalidParameterValue":              {},
}

// classifyError turns an SDK error into a provider.SendError. Throttling,
// server faults and transport failures are transient.
func classifyError(err error) error {
	se := &provider.SendError{Kind: provider.Transient, Err: fmt.Errorf("SES API error: %w", err)}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		se.StatusCode = status.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := permanentCodes[apiErr.ErrorCode()]; ok {
			se.Kind = provider.Permanent
		} else if apiErr.ErrorFault() == smithy.FaultClient && se.StatusCode >= 400 && se.StatusCode < 500 &&
			se.StatusCode != 408 && se.StatusCode != 429 {
			se.Kind = provider.Permanent
		}
	}

	return se
}

// destination lists the envelope recipients plus Cc addresses not already
// addressed.
func destination(msg *email.Message) *types.Destination {
	seen := make(map[string]struct{}, len(msg.To))
	for _, addr := range msg.To {
		seen[strings.ToLower(addr)] = struct{}{}
	}
	var cc []string
	for _, addr := range msg.Cc {
		if _, dup := seen[strings.ToLower(addr)]; dup {
			continue
		}
		seen[strings.ToLower(addr)] = struct{}{}
		cc = append(cc, addr)
	}
	return &types.Destination{ToAddresses: msg.To, CcAddresses: cc}
}

// buildSimpleInput creates a SendEmailInput for messages without attachments.
func buildSimpleInput(sender string, msg *email.Message) *sesv2.SendEmailInput {
	content := &types.Content{
		Data:    aws.String(msg.Body),
		Charset: aws.String("UTF-8"),
	}
	body := &types.Body{}
	if msg.IsHTML {
		body.Html = content
	} else {
		body.Text = content
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      destination(msg),
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
	if msg.From != "" && !strings.EqualFold(msg.From, sender) {
		input.ReplyToAddresses = []string{msg.From}
	}
	return input
}

// buildRawMessage renders a multipart/mixed message for SES raw sending.
func buildRawMessage(sender string, msg *email.Message) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	if msg.From != "" && !strings.EqualFold(msg.From, sender) {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", msg.From)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := make(textproto.MIMEHeader)
	if msg.IsHTML {
		bodyHeader.Set("Content-Type", "text/html; charset=UTF-8")
	} else {
		bodyHeader.Set("Content-Type", "text/plain; charset=UTF-8")
	}
	bodyHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("failed to write body part: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write body part: %w", err)
	}

	for _, att := range msg.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		disposition := "attachment"
		if att.Inline {
			disposition = "inline"
		}
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("%s; filename=%q", disposition, mime.QEncoding.Encode("UTF-8", att.Filename)))
		if att.ContentID != "" {
			attHeader.Set("Content-ID", "<"+att.ContentID+">")
		}

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write(encodeBase64WithLineBreaks(att.Content)); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// encodeBase64WithLineBreaks encodes data as base64 wrapped at 76 columns.
func encodeBase64WithLineBreaks(data []byte) []byte {
	encoded := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		if i > 0 {
			out.WriteString("\r\n")
		}
		out.WriteString(encoded[i:end])
	}
	return out.Bytes()
}

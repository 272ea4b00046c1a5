// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"encoding/base64"
	"strings"

	"github.com/shineum/smtp-relay/internal/email"
)

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject      string           `json:"subject"`
	Body         messageBody      `json:"body"`
	ToRecipients []recipient      `json:"toRecipients"`
	CcRecipients []recipient      `json:"ccRecipients,omitempty"`
	ReplyTo      []recipient      `json:"replyTo,omitempty"`
	Attachments  []fileAttachment `json:"attachments,omitempty"`
	Headers      []internetHeader `json:"internetMessageHeaders,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type fileAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline"`
	ContentID    string `json:"contentId,omitempty"`
}

// internetHeader is a custom X- header forwarded to Graph. Graph rejects
// standard header names in this list.
type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a decoded message into a sendMail request body.
// mailbox is the Graph user the request is sent as.
func buildSendMailRequest(msg *email.Message, mailbox string) *sendMailRequest {
	body := messageBody{ContentType: "text", Content: msg.Body}
	if msg.IsHTML {
		body.ContentType = "html"
	}

	seen := make(map[string]struct{}, len(msg.To))
	to := make([]recipient, 0, len(msg.To))
	for _, addr := range msg.To {
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		to = append(to, newRecipient(addr))
	}

	var cc []recipient
	for _, addr := range msg.Cc {
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		cc = append(cc, newRecipient(addr))
	}

	var replyTo []recipient
	if msg.From != "" && !strings.EqualFold(msg.From, mailbox) {
		replyTo = []recipient{newRecipient(msg.From)}
	}

	var attachments []fileAttachment
	for _, att := range msg.Attachments {
		attachments = append(attachments, fileAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			IsInline:     att.Inline,
			ContentID:    att.ContentID,
		})
	}

	var headers []internetHeader
	for _, f := range msg.Headers.Fields() {
		if len(f.Name) > 2 && strings.EqualFold(f.Name[:2], "x-") {
			headers = append(headers, internetHeader{Name: f.Name, Value: f.Value})
		}
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:      msg.Subject,
			Body:         body,
			ToRecipients: to,
			CcRecipients: cc,
			ReplyTo:      replyTo,
			Attachments:  attachments,
			Headers:      headers,
		},
	}
}

func newRecipient(addr string) recipient {
	return recipient{EmailAddress: emailAddress{Address: addr}}
}

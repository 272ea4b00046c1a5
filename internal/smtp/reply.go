package smtp

import (
	"errors"

	"github.com/shineum/smtp-relay/internal/parser"
	"github.com/shineum/smtp-relay/internal/queue"
)

// Fixed replies. Replies that carry a hostname or size are built with
// fmt.Sprintf at the call site.
const (
	replyGreeting     = "220 %s ESMTP smtp-relay"
	replyBye          = "221 Bye"
	replyAuthOK       = "235 Authentication successful"
	replyOK           = "250 OK"
	replyQueued       = "250 OK queued as %s"
	replyHelo         = "250 %s Hello %s"
	replyAuthUser     = "334 VXNlcm5hbWU6"
	replyAuthPass     = "334 UGFzc3dvcmQ6"
	replyAuthPlain    = "334 "
	replyStartData    = "354 Start mail input; end with <CRLF>.<CRLF>"
	replyShutdown     = "421 Service shutting down"
	replyIdleTimeout  = "421 Idle timeout, closing connection"
	replyLocalError   = "451 Requested action aborted: local error in processing"
	replyQueueFull    = "452 Insufficient system storage, try again later"
	replyTooManyRcpts = "452 Too many recipients"
	replyNoTLS        = "454 TLS not available"
	replyEmptyCommand = "500 Empty command"
	replyUnknown      = "500 Unrecognized command"
	replyLineTooLong  = "500 Line too long"
	replyHeloSyntax   = "501 Syntax: %s hostname"
	replyMailSyntax   = "501 Syntax: MAIL FROM:<address>"
	replyRcptSyntax   = "501 Syntax: RCPT TO:<address>"
	replyAuthSyntax   = "501 Syntax: AUTH mechanism [initial-response]"
	replyAuthCancel   = "501 Authentication cancelled"
	replyAuthDecode   = "501 Cannot decode authentication data"
	replyBadSequence  = "503 Bad sequence of commands"
	replyNoAuth       = "503 AUTH not available"
	replyAlreadyAuth  = "503 Already authenticated"
	replyMechanism    = "504 Unrecognized authentication type"
	replyAuthRequired = "530 Authentication required"
	replyAuthFailed   = "535 Authentication failed"
	replyTooBig       = "552 Message exceeds fixed maximum message size"
	replyParseFailed  = "554 Transaction failed: message could not be parsed"
)

// Submission outcomes, used as metric labels.
const (
	resultQueued     = "queued"
	resultBadMessage = "badmessage"
	resultQueueFull  = "queuefull"
	resultTooLarge   = "toolarge"
	resultQueueError = "queueerror"
)

// submissionReply maps the error of decoding and queueing a finished message
// to its reply and metric label.
func submissionReply(err error) (reply, result string) {
	switch {
	case errors.Is(err, parser.ErrEmptyMessage),
		errors.Is(err, parser.ErrMalformedHeader),
		errors.Is(err, parser.ErrMissingBoundary):
		return replyParseFailed, resultBadMessage
	case errors.Is(err, queue.ErrQueueFull):
		return replyQueueFull, resultQueueFull
	default:
		return replyLocalError, resultQueueError
	}
}

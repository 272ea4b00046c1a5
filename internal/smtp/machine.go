package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shineum/smtp-relay/internal/email"
	"github.com/shineum/smtp-relay/internal/parser"
	"github.com/shineum/smtp-relay/internal/queue"
)

// Enqueuer accepts finished messages. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(msg *email.Message, identity string) (queue.Item, error)
}

// Metrics receives listener events. *stats.SMTPMetrics implements it.
type Metrics interface {
	Connection(result string)
	Submission(result string)
	Authentication(mechanism, result string)
}

type noMetrics struct{}

func (noMetrics) Connection(string)             {}
func (noMetrics) Submission(string)             {}
func (noMetrics) Authentication(string, string) {}

// Settings are the per-session protocol limits shared by all connections.
type Settings struct {
	Hostname string
	// MaxMessageSize is the DATA size limit in bytes; zero means no limit.
	MaxMessageSize int64
	// MaxRecipients caps RCPT TO per transaction; zero means no limit.
	MaxRecipients int
	Auth          *Authenticator
}

type state int

const (
	stateGreeting state = iota
	stateCommand
	stateAuthUsername
	stateAuthPassword
	stateAuthPlain
	stateTransaction
	stateData
	stateClosed
)

type verb int

const (
	verbUnknown verb = iota
	verbHelo
	verbEhlo
	verbStartTLS
	verbAuth
	verbMail
	verbRcpt
	verbData
	verbRset
	verbNoop
	verbQuit
)

var verbs = map[string]verb{
	"HELO":     verbHelo,
	"EHLO":     verbEhlo,
	"STARTTLS": verbStartTLS,
	"AUTH":     verbAuth,
	"MAIL":     verbMail,
	"RCPT":     verbRcpt,
	"DATA":     verbData,
	"RSET":     verbRset,
	"NOOP":     verbNoop,
	"QUIT":     verbQuit,
}

// Reply is the machine's answer to one input line. Lines is empty while the
// machine collects DATA.
type Reply struct {
	Lines []string
	Close bool
}

func reply(lines ...string) Reply {
	return Reply{Lines: lines}
}

// Machine is the SMTP state machine for one connection. It performs no I/O:
// Step maps an input line to the reply lines to send. A Machine is owned by a
// single goroutine.
type Machine struct {
	settings Settings
	decoder  *parser.Decoder
	queue    Enqueuer
	metrics  Metrics
	log      *slog.Logger
	remoteIP string

	state         state
	clientHost    string
	authenticated bool
	username      string
	loginUser     string

	from     string
	rcpts    []string
	data     bytes.Buffer
	tooLarge bool
}

// NewMachine creates a Machine for a client connecting from remoteIP.
func NewMachine(settings Settings, decoder *parser.Decoder, q Enqueuer, metrics Metrics, remoteIP string, log *slog.Logger) *Machine {
	if settings.Hostname == "" {
		settings.Hostname = "localhost"
	}
	if settings.Auth == nil {
		settings.Auth = NewAuthenticator(false, nil)
	}
	if log == nil {
		log = slog.Default()
	}
	if decoder == nil {
		decoder = parser.New(log)
	}
	if metrics == nil {
		metrics = noMetrics{}
	}
	return &Machine{
		settings: settings,
		decoder:  decoder,
		queue:    q,
		metrics:  metrics,
		log:      log,
		remoteIP: remoteIP,
	}
}

// Greet returns the connection greeting and moves to the command state.
func (m *Machine) Greet() Reply {
	m.state = stateCommand
	return reply(fmt.Sprintf(replyGreeting, m.settings.Hostname))
}

// Closed reports whether QUIT has been processed.
func (m *Machine) Closed() bool {
	return m.state == stateClosed
}

// InData reports whether the machine is collecting message content.
func (m *Machine) InData() bool {
	return m.state == stateData
}

// Identity is the statistics key for messages from this session: the
// authenticated username, else the remote IP.
func (m *Machine) Identity() string {
	if m.authenticated {
		return m.username
	}
	return m.remoteIP
}

// Step consumes one line with its terminator already removed.
func (m *Machine) Step(ctx context.Context, line string) Reply {
	switch m.state {
	case stateClosed:
		return Reply{Close: true}
	case stateData:
		return m.dataLine(ctx, line)
	case stateAuthUsername:
		return m.authUsername(line)
	case stateAuthPassword:
		return m.authPassword(line)
	case stateAuthPlain:
		return m.authPlain(line)
	}

	if strings.TrimSpace(line) == "" {
		return reply(replyEmptyCommand)
	}

	name, arg := parseCommand(line)
	switch verbs[name] {
	case verbHelo:
		return m.helo(name, arg)
	case verbEhlo:
		return m.ehlo(name, arg)
	case verbStartTLS:
		return reply(replyNoTLS)
	case verbAuth:
		return m.auth(arg)
	case verbMail:
		return m.mail(arg)
	case verbRcpt:
		return m.rcpt(arg)
	case verbData:
		return m.startData()
	case verbRset:
		m.reset()
		return reply(replyOK)
	case verbNoop:
		return reply(replyOK)
	case verbQuit:
		m.reset()
		m.state = stateClosed
		return Reply{Lines: []string{replyBye}, Close: true}
	default:
		return reply(replyUnknown)
	}
}

func (m *Machine) helo(name, arg string) Reply {
	if arg == "" {
		return reply(fmt.Sprintf(replyHeloSyntax, name))
	}
	m.clientHost = arg
	m.reset()
	return reply(fmt.Sprintf(replyHelo, m.settings.Hostname, arg))
}

func (m *Machine) ehlo(name, arg string) Reply {
	if arg == "" {
		return reply(fmt.Sprintf(replyHeloSyntax, name))
	}
	m.clientHost = arg
	m.reset()

	lines := []string{
		fmt.Sprintf("250-%s Hello %s", m.settings.Hostname, arg),
		"250-STARTTLS",
	}
	if m.settings.Auth.Required() {
		lines = append(lines, "250-AUTH LOGIN PLAIN")
	}
	lines = append(lines, fmt.Sprintf("250-SIZE %d", max(m.settings.MaxMessageSize, 0)))
	lines = append(lines, "250 8BITMIME")
	return reply(lines...)
}

func (m *Machine) auth(arg string) Reply {
	switch {
	case !m.settings.Auth.Required():
		return reply(replyNoAuth)
	case m.authenticated:
		return reply(replyAlreadyAuth)
	case m.state == stateTransaction:
		return reply(replyBadSequence)
	case arg == "":
		return reply(replyAuthSyntax)
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	initial = strings.TrimSpace(initial)

	switch strings.ToUpper(mechanism) {
	case "LOGIN":
		if initial == "" {
			m.state = stateAuthUsername
			return reply(replyAuthUser)
		}
		return m.authUsername(initial)
	case "PLAIN":
		if initial == "" {
			m.state = stateAuthPlain
			return reply(replyAuthPlain)
		}
		return m.authPlain(initial)
	default:
		return reply(replyMechanism)
	}
}

func (m *Machine) authUsername(line string) Reply {
	if line == "*" {
		m.state = stateCommand
		return reply(replyAuthCancel)
	}
	m.loginUser = line
	m.state = stateAuthPassword
	return reply(replyAuthPass)
}

func (m *Machine) authPassword(line string) Reply {
	user := m.loginUser
	m.loginUser = ""
	m.state = stateCommand
	if line == "*" {
		return reply(replyAuthCancel)
	}
	username, err := m.settings.Auth.VerifyLogin(user, line)
	return m.authResult("login", username, err)
}

func (m *Machine) authPlain(line string) Reply {
	m.state = stateCommand
	if line == "*" {
		return reply(replyAuthCancel)
	}
	username, err := m.settings.Auth.VerifyPlain(line)
	return m.authResult("plain", username, err)
}

func (m *Machine) authResult(mechanism, username string, err error) Reply {
	switch {
	case err == nil:
		m.authenticated = true
		m.username = username
		m.metrics.Authentication(mechanism, "ok")
		m.log.Info("client authenticated", "mechanism", mechanism, "username", username, "remote", m.remoteIP)
		return reply(replyAuthOK)
	case errors.Is(err, ErrMalformedAuth):
		m.metrics.Authentication(mechanism, "error")
		return reply(replyAuthDecode)
	default:
		m.metrics.Authentication(mechanism, "badcreds")
		m.log.Warn("authentication failed", "mechanism", mechanism, "remote", m.remoteIP)
		return reply(replyAuthFailed)
	}
}

func (m *Machine) mail(arg string) Reply {
	if m.settings.Auth.Required() && !m.authenticated {
		return reply(replyAuthRequired)
	}

	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		return reply(replyMailSyntax)
	}
	addr, params, ok := extractAddress(rest)
	if !ok {
		return reply(replyMailSyntax)
	}

	for _, p := range params {
		key, value, _ := strings.Cut(p, "=")
		if !strings.EqualFold(key, "SIZE") {
			continue
		}
		size, err := strconv.ParseInt(value, 10, 64)
		if err != nil || size < 0 {
			return reply(replyMailSyntax)
		}
		if m.settings.MaxMessageSize > 0 && size > m.settings.MaxMessageSize {
			return reply(replyTooBig)
		}
	}

	m.reset()
	m.from = addr
	m.state = stateTransaction
	return reply(replyOK)
}

func (m *Machine) rcpt(arg string) Reply {
	if m.state != stateTransaction {
		return reply(replyBadSequence)
	}

	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		return reply(replyRcptSyntax)
	}
	addr, _, ok := extractAddress(rest)
	if !ok || addr == "" {
		return reply(replyRcptSyntax)
	}
	if m.settings.MaxRecipients > 0 && len(m.rcpts) >= m.settings.MaxRecipients {
		return reply(replyTooManyRcpts)
	}

	m.rcpts = append(m.rcpts, addr)
	return reply(replyOK)
}

func (m *Machine) startData() Reply {
	if m.state != stateTransaction || len(m.rcpts) == 0 {
		return reply(replyBadSequence)
	}
	m.data.Reset()
	m.tooLarge = false
	m.state = stateData
	return reply(replyStartData)
}

func (m *Machine) dataLine(ctx context.Context, line string) Reply {
	if line == "." {
		return m.finish(ctx)
	}
	if strings.HasPrefix(line, "..") {
		line = line[1:]
	}
	if m.tooLarge {
		return Reply{}
	}
	if limit := m.settings.MaxMessageSize; limit > 0 && int64(m.data.Len()+len(line)+2) > limit {
		m.tooLarge = true
		m.data.Reset()
		return Reply{}
	}
	m.data.WriteString(line)
	m.data.WriteString("\r\n")
	return Reply{}
}

// finish decodes and queues the collected message. The transaction is reset
// whatever the outcome.
func (m *Machine) finish(ctx context.Context) Reply {
	defer func() {
		m.reset()
		m.state = stateCommand
	}()

	if m.tooLarge {
		m.metrics.Submission(resultTooLarge)
		m.log.WarnContext(ctx, "message rejected, size limit exceeded",
			"remote", m.remoteIP, "limit", m.settings.MaxMessageSize)
		return reply(replyTooBig)
	}

	msg, err := m.decoder.Parse(m.data.Bytes())
	if err == nil {
		if m.from != "" || msg.From == "" {
			msg.From = m.from
		}
		msg.To = append([]string(nil), m.rcpts...)

		var item queue.Item
		item, err = m.queue.Enqueue(msg, m.Identity())
		if err == nil {
			m.metrics.Submission(resultQueued)
			m.log.InfoContext(ctx, "message queued",
				"id", item.ID,
				"from", msg.From,
				"recipients", len(msg.To),
				"identity", m.Identity(),
				"helo", m.clientHost,
			)
			return reply(fmt.Sprintf(replyQueued, item.ID))
		}
	}

	line, result := submissionReply(err)
	m.metrics.Submission(result)
	m.log.WarnContext(ctx, "message rejected", "remote", m.remoteIP, "reason", result, "error", err)
	return reply(line)
}

// reset clears the mail transaction. Greeting and authentication survive.
func (m *Machine) reset() {
	m.from = ""
	m.rcpts = nil
	m.data.Reset()
	m.tooLarge = false
	if m.state == stateTransaction || m.state == stateData {
		m.state = stateCommand
	}
}

// parseCommand splits a command line into the upper-cased verb and its
// argument.
func parseCommand(line string) (string, string) {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(name), strings.TrimSpace(arg)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

// extractAddress parses "<addr> PARAM=x ..." or "addr PARAM=x ...". The
// bracketed form wins when present; "<>" is the null sender.
func extractAddress(s string) (addr string, params []string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil, false
	}

	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return "", nil, false
		}
		addr = strings.TrimSpace(s[1:end])
		return addr, strings.Fields(s[end+1:]), true
	}

	fields := strings.Fields(s)
	return fields[0], fields[1:], true
}

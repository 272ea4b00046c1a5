package smtp

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"
)

// defaultReadTimeout is the idle limit between two lines from the client.
const defaultReadTimeout = 60 * time.Second

// maxLineLength bounds a single command or DATA line.
const maxLineLength = 1 << 20

var errLineTooLong = errors.New("line too long")

// Session drives a Machine over one client connection.
type Session struct {
	conn        net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	machine     *Machine
	readTimeout time.Duration
	log         *slog.Logger

	// inData is set while the client is sending message content, so that a
	// shutdown does not interrupt it.
	inData atomic.Bool
}

// NewSession creates a session for conn. readTimeout <= 0 selects the
// default idle limit.
func NewSession(conn net.Conn, machine *Machine, readTimeout time.Duration, log *slog.Logger) *Session {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		conn:        conn,
		reader:      bufio.NewReader(conn),
		writer:      bufio.NewWriter(conn),
		machine:     machine,
		readTimeout: readTimeout,
		log:         log,
	}
}

// Handle runs the session until QUIT, a transport error, an idle timeout or
// ctx cancellation. It closes the connection before returning.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// Unblock a pending read when shutdown starts, unless a message is in
	// flight.
	stop := context.AfterFunc(ctx, func() {
		if !s.inData.Load() {
			_ = s.conn.SetReadDeadline(time.Now())
		}
	})
	defer stop()

	if err := s.write(s.machine.Greet()); err != nil {
		s.log.Debug("failed to write greeting", "error", err)
		return
	}

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			s.log.Error("failed to set connection deadline", "error", err)
			return
		}
		// Checked after the deadline is set so a concurrent shutdown cannot
		// be overwritten by it.
		if ctx.Err() != nil && !s.machine.InData() {
			_ = s.writeLines(replyShutdown)
			return
		}

		line, err := s.readLine()
		if err != nil {
			s.readFailed(ctx, err)
			return
		}

		r := s.machine.Step(ctx, line)
		s.inData.Store(s.machine.InData())
		if err := s.write(r); err != nil {
			s.log.Debug("failed to write reply", "error", err)
			return
		}
		if r.Close {
			return
		}
	}
}

func (s *Session) readFailed(ctx context.Context, err error) {
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		_ = s.writeLines(replyShutdown)
	case errors.Is(err, errLineTooLong):
		_ = s.writeLines(replyLineTooLong)
	case errors.As(err, &ne) && ne.Timeout():
		s.log.Debug("session idle timeout", "remote", s.conn.RemoteAddr().String())
		_ = s.writeLines(replyIdleTimeout)
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	default:
		s.log.Debug("connection read error", "remote", s.conn.RemoteAddr().String(), "error", err)
	}
}

// readLine reads one line and strips its LF or CRLF terminator.
func (s *Session) readLine() (string, error) {
	var buf []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(buf) > maxLineLength {
				return "", errLineTooLong
			}
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}

	line := strings.TrimSuffix(string(buf), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func (s *Session) write(r Reply) error {
	if len(r.Lines) == 0 {
		return nil
	}
	return s.writeLines(r.Lines...)
}

// writeLines writes each line followed by CRLF and flushes once.
func (s *Session) writeLines(lines ...string) error {
	for _, line := range lines {
		if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

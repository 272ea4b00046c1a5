package smtp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-relay/internal/queue"
)

// startServer serves on a random local port until the test ends.
func startServer(t *testing.T, cfg ServerConfig, q Enqueuer) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := New(cfg, q, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ctx, ln)
	}()
	t.Cleanup(cancel)
	return srv, cancel, errc
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestServer_Addr(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{}, queue.New(queue.Options{}), nil, discardLogger())
	if got := srv.Addr(); got != "" {
		t.Errorf("Addr before Serve: got %q, want empty", got)
	}

	srv, _, _ = startServer(t, ServerConfig{}, queue.New(queue.Options{}))
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !strings.HasPrefix(srv.Addr(), "127.0.0.1:") {
		t.Errorf("Addr: got %q", srv.Addr())
	}
}

func TestServer_ListenAndServeBindFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := New(ServerConfig{ListenAddr: ln.Addr().String()}, queue.New(queue.Options{}), nil, discardLogger())
	if err := srv.ListenAndServe(context.Background()); err == nil {
		t.Fatal("ListenAndServe on a bound port should fail")
	}
}

func TestServer_ConcurrentSessionsIsolated(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Options{MaxRetryAttempts: 1})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	srv := New(ServerConfig{Hostname: "relay.test"}, q, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	a, ra := dial(t, addr)
	b, rb := dial(t, addr)
	readLine(t, a, ra)
	readLine(t, b, rb)

	// Interleave the two transactions command by command.
	expect(t, a, ra, "EHLO a.test", "250 ")
	expect(t, b, rb, "EHLO b.test", "250 ")
	expect(t, a, ra, "MAIL FROM:<alice@a.test>", "250")
	expect(t, b, rb, "MAIL FROM:<bob@b.test>", "250")
	expect(t, a, ra, "RCPT TO:<one@x.test>", "250")
	expect(t, b, rb, "RCPT TO:<two@x.test>", "250")
	expect(t, b, rb, "RCPT TO:<three@x.test>", "250")
	expect(t, a, ra, "DATA", "354")
	expect(t, b, rb, "DATA", "354")
	sendCmd(t, b, "Subject: from b\r\n\r\nbody b")
	sendCmd(t, a, "Subject: from a\r\n\r\nbody a")
	expect(t, a, ra, ".", "250")
	expect(t, b, rb, ".", "250")

	items := q.Snapshot()
	if len(items) != 2 {
		t.Fatalf("queued items: got %d, want 2", len(items))
	}

	bySubject := map[string][]string{}
	for _, it := range items {
		env := append([]string{it.Message.From}, it.Message.To...)
		bySubject[it.Message.Subject] = env
	}
	if got := strings.Join(bySubject["from a"], ","); got != "alice@a.test,one@x.test" {
		t.Errorf("session a envelope: got %s", got)
	}
	if got := strings.Join(bySubject["from b"], ","); got != "bob@b.test,two@x.test,three@x.test" {
		t.Errorf("session b envelope: got %s", got)
	}
}

func TestServer_ManyParallelClients(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Options{MaxRetryAttempts: 1})
	srv, _, _ := startServer(t, ServerConfig{}, q)
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	const clients = 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			r := bufio.NewReader(conn)
			cmds := []string{
				"",
				"HELO c",
				fmt.Sprintf("MAIL FROM:<s%d@x.test>", i),
				fmt.Sprintf("RCPT TO:<r%d@y.test>", i),
				"DATA",
				fmt.Sprintf("Subject: %d\r\n\r\nbody\r\n.", i),
				"QUIT",
			}
			for j, cmd := range cmds {
				if j > 0 {
					if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
						t.Errorf("client %d write: %v", i, err)
						return
					}
				}
				_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
				if _, err := r.ReadString('\n'); err != nil {
					t.Errorf("client %d read after %q: %v", i, cmd, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	var senders []string
	for _, it := range q.Snapshot() {
		senders = append(senders, it.Message.From)
	}
	sort.Strings(senders)
	if len(senders) != clients {
		t.Fatalf("queued: got %d, want %d (%v)", len(senders), clients, senders)
	}
}

func TestServer_ShutdownClosesIdleSessions(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Options{MaxRetryAttempts: 1})
	srv, cancel, errc := startServer(t, ServerConfig{ShutdownTimeout: time.Second}, q)
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	conn, r := dial(t, srv.Addr())
	readLine(t, conn, r)

	cancel()

	if line := readLine(t, conn, r); !strings.HasPrefix(line, "421") {
		t.Errorf("after shutdown: got %q, want 421", line)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServer_ShutdownForceClosesAfterGrace(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Options{MaxRetryAttempts: 1})
	srv, cancel, errc := startServer(t, ServerConfig{ShutdownTimeout: 100 * time.Millisecond}, q)
	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// A client stuck in DATA is not interrupted by shutdown itself.
	conn, r := dial(t, srv.Addr())
	readLine(t, conn, r)
	expect(t, conn, r, "MAIL FROM:<a@x.test>", "250")
	expect(t, conn, r, "RCPT TO:<b@y.test>", "250")
	expect(t, conn, r, "DATA", "354")

	start := time.Now()
	cancel()

	select {
	case <-errc:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the grace period")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("Serve returned after %v, before the grace period", elapsed)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection should have been closed")
	}
}

package network

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// natsTestServer speaks the core NATS text protocol: INFO, CONNECT, PING/PONG, SUB, UNSUB, PUB and MSG.
type natsTestServer struct {
	ln net.Listener

	mu     sync.Mutex
	conns  map[*natsTestConn]struct{}
	tokens []string
}

type natsTestConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	// sid by subject
	subs map[string]string
}

func newNATSTestServer(t *testing.T) *natsTestServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &natsTestServer{ln: ln, conns: make(map[*natsTestConn]struct{})}
	go s.accept()
	t.Cleanup(s.close)
	return s
}

func (s *natsTestServer) url() string {
	return "nats://" + s.ln.Addr().String()
}

func (s *natsTestServer) accept() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &natsTestConn{conn: conn, subs: make(map[string]string)}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.serve(c)
	}
}

func (s *natsTestServer) serve(c *natsTestConn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.conn.Close()
	}()

	port := s.ln.Addr().(*net.TCPAddr).Port
	info := fmt.Sprintf(`INFO {"server_id":"test","server_name":"test","version":"2.10.0","go":"go1.22","host":"127.0.0.1","port":%d,"proto":1,"max_payload":1048576}`+"\r\n", port)
	if err := c.write(info); err != nil {
		return
	}

	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToUpper(fields[0]) {
		case "CONNECT":
			var opts struct {
				AuthToken string `json:"auth_token"`
			}
			_ = json.Unmarshal([]byte(strings.TrimSpace(line[len(fields[0]):])), &opts)
			s.mu.Lock()
			s.tokens = append(s.tokens, opts.AuthToken)
			s.mu.Unlock()
		case "PING":
			if err := c.write("PONG\r\n"); err != nil {
				return
			}
		case "SUB":
			s.mu.Lock()
			c.subs[fields[1]] = fields[len(fields)-1]
			s.mu.Unlock()
		case "UNSUB":
			s.mu.Lock()
			for subject, sid := range c.subs {
				if sid == fields[1] {
					delete(c.subs, subject)
				}
			}
			s.mu.Unlock()
		case "PUB":
			size, err := strconv.Atoi(fields[len(fields)-1])
			if err != nil {
				return
			}
			payload := make([]byte, size+2)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			s.route(fields[1], payload[:size])
		}
	}
}

func (s *natsTestServer) route(subject string, payload []byte) {
	s.mu.Lock()
	type target struct {
		conn *natsTestConn
		sid  string
	}
	var targets []target
	for c := range s.conns {
		if sid, ok := c.subs[subject]; ok {
			targets = append(targets, target{conn: c, sid: sid})
		}
	}
	s.mu.Unlock()

	for _, target := range targets {
		_ = target.conn.write(fmt.Sprintf("MSG %s %s %d\r\n%s\r\n", subject, target.sid, len(payload), payload))
	}
}

func (s *natsTestServer) subscribed(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if _, ok := c.subs[subject]; ok {
			return true
		}
	}
	return false
}

func (s *natsTestServer) authTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// dropConnections closes every client connection while the listener keeps accepting.
func (s *natsTestServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.conn.Close()
	}
}

func (s *natsTestServer) close() {
	_ = s.ln.Close()
	s.dropConnections()
}

func (c *natsTestConn) write(data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := io.WriteString(c.conn, data)
	return err
}

type statusChange struct {
	connected bool
	err       error
}

type recordingSink struct {
	frames   chan []byte
	statuses chan statusChange
}

func newRecordingSink() *recordingSink {
	return &recordingSink{frames: make(chan []byte, 16), statuses: make(chan statusChange, 16)}
}

func (s *recordingSink) Deliver(data []byte) {
	s.frames <- append([]byte(nil), data...)
}

func (s *recordingSink) Status(connected bool, err error) {
	select {
	case s.statuses <- statusChange{connected: connected, err: err}:
	default:
	}
}

func (s *recordingSink) waitStatus(t *testing.T, connected bool) statusChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case change := <-s.statuses:
			if change.connected == connected {
				return change
			}
		case <-deadline:
			t.Fatalf("never saw connected=%v", connected)
		}
	}
}

func (s *recordingSink) waitFrame(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-s.frames:
		return data
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame delivered")
		return nil
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func newTestNATSProvider(t *testing.T, url string) *NATSProvider {
	t.Helper()
	provider, err := NewNATSProvider(NATSOptions{
		URL:           url,
		ReconnectWait: 20 * time.Millisecond,
		Timeout:       time.Second,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewNATSProvider failed: %v", err)
	}
	return provider
}

func TestNewNATSProviderValidatesAndDefaults(t *testing.T) {
	if _, err := NewNATSProvider(NATSOptions{}); err == nil {
		t.Fatalf("expected empty url to fail")
	}

	provider, err := NewNATSProvider(NATSOptions{URL: "nats://127.0.0.1:4222"})
	if err != nil {
		t.Fatalf("NewNATSProvider failed: %v", err)
	}
	if provider.options.MaxReconnects != -1 || provider.options.ReconnectWait != 2*time.Second || provider.options.Timeout != 10*time.Second {
		t.Fatalf("unexpected defaults %+v", provider.options)
	}
	if got := provider.Subject("alice"); got != "campuslink.identity.alice" {
		t.Fatalf("unexpected default subject %q", got)
	}

	custom, err := NewNATSProvider(NATSOptions{URL: "nats://127.0.0.1:4222", SubjectPrefix: "school.inbox"})
	if err != nil {
		t.Fatalf("NewNATSProvider failed: %v", err)
	}
	if got := custom.Subject("bob"); got != "school.inbox.bob" {
		t.Fatalf("unexpected custom subject %q", got)
	}
}

func TestNATSProviderDeliversPerIdentitySubject(t *testing.T) {
	server := newNATSTestServer(t)
	ctx := context.Background()

	aliceSink := newRecordingSink()
	alice, err := newTestNATSProvider(t, server.url()).Open(ctx, Identity{ID: "alice", Token: "alice-token"}, aliceSink)
	if err != nil {
		t.Fatalf("alice Open failed: %v", err)
	}
	defer alice.Close()
	bobSink := newRecordingSink()
	bob, err := newTestNATSProvider(t, server.url()).Open(ctx, Identity{ID: "bob"}, bobSink)
	if err != nil {
		t.Fatalf("bob Open failed: %v", err)
	}
	defer bob.Close()

	aliceSink.waitStatus(t, true)
	bobSink.waitStatus(t, true)
	waitUntil(t, func() bool { return server.subscribed("campuslink.identity.alice") })

	if err := bob.Send(ctx, "alice", []byte(`{"event":"message:new"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := string(aliceSink.waitFrame(t)); got != `{"event":"message:new"}` {
		t.Fatalf("unexpected frame %q", got)
	}
	select {
	case data := <-bobSink.frames:
		t.Fatalf("bob received a frame addressed to alice: %q", data)
	default:
	}

	if err := bob.Send(ctx, "", []byte("x")); err == nil {
		t.Fatalf("expected empty recipient to fail")
	}

	tokens := server.authTokens()
	found := false
	for _, token := range tokens {
		if token == "alice-token" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected alice's token in CONNECT, got %v", tokens)
	}
}

func TestNATSProviderReportsDropAndReconnect(t *testing.T) {
	server := newNATSTestServer(t)
	ctx := context.Background()

	sink := newRecordingSink()
	session, err := newTestNATSProvider(t, server.url()).Open(ctx, Identity{ID: "alice"}, sink)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer session.Close()
	sink.waitStatus(t, true)
	waitUntil(t, func() bool { return server.subscribed("campuslink.identity.alice") })

	server.dropConnections()
	sink.waitStatus(t, false)
	sink.waitStatus(t, true)

	waitUntil(t, func() bool { return server.subscribed("campuslink.identity.alice") })
	if err := session.Send(ctx, "alice", []byte("after reconnect")); err != nil {
		t.Fatalf("Send after reconnect failed: %v", err)
	}
	if got := string(sink.waitFrame(t)); got != "after reconnect" {
		t.Fatalf("unexpected frame %q", got)
	}
}

func TestNATSProviderUnreachableServerKeepsRetrying(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	url := "nats://" + ln.Addr().String()
	_ = ln.Close()

	sink := newRecordingSink()
	session, err := newTestNATSProvider(t, url).Open(context.Background(), Identity{ID: "alice"}, sink)
	if err != nil {
		t.Fatalf("expected Open to succeed while the server is down, got %v", err)
	}
	if err := session.Send(context.Background(), "bob", []byte("hi")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	select {
	case change := <-sink.statuses:
		if change.connected {
			t.Fatalf("unexpected connected status while server is down")
		}
	default:
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

package proxy

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/example/throttlebox/internal/ratelimit"
)

type countingSink struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingSink() *countingSink {
	return &countingSink{counts: make(map[string]int)}
}

func (s *countingSink) IncrementCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name]++
}

func (s *countingSink) SetGauge(string, float64) {}

func (s *countingSink) get(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// startEchoBroker starts a TCP listener that echoes back whatever it reads.
func startEchoBroker(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, pumpChunkSize)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

// startClosingBroker starts a TCP listener that accepts one connection,
// reads once, then closes immediately.
func startClosingBroker(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, pumpChunkSize)
		conn.Read(buf)
		conn.Close()
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func makeChunk(n int, fill byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestForwarderEchoesUnderDefaultPolicy(t *testing.T) {
	brokerAddr, stopBroker := startEchoBroker(t)
	defer stopBroker()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sink := newCountingSink()
	limiter := ratelimit.New(ratelimit.Policy{RefillRatePerSec: 10, BurstCapacity: 20, BlockDuration: time.Minute}, sink, nil)

	done := make(chan struct{})
	go func() {
		serve(serverConn, brokerAddr, limiter, sink, nil, nil, nil)
		close(done)
	}()

	chunk := makeChunk(10, 'a')
	for i := 0; i < 3; i++ {
		if _, err := clientConn.Write(chunk); err != nil {
			t.Fatalf("write #%d: %v", i, err)
		}
		echo := make([]byte, 10)
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(clientConn, echo); err != nil {
			t.Fatalf("read echo #%d: %v", i, err)
		}
		if !bytes.Equal(echo, chunk) {
			t.Fatalf("echo #%d mismatch: got %v want %v", i, echo, chunk)
		}
		time.Sleep(100 * time.Millisecond)
	}

	clientConn.Close()
	<-done

	if got := sink.get("allowed_messages"); got != 3 {
		t.Errorf("allowed_messages = %d, want 3", got)
	}
	if got := sink.get("blocked_messages"); got != 0 {
		t.Errorf("blocked_messages = %d, want 0", got)
	}
}

func TestForwarderDropsExcessUnderTightPolicy(t *testing.T) {
	brokerAddr, stopBroker := startEchoBroker(t)
	defer stopBroker()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sink := newCountingSink()
	limiter := ratelimit.New(ratelimit.Policy{RefillRatePerSec: 1, BurstCapacity: 3, BlockDuration: 5 * time.Second}, sink, nil)

	done := make(chan struct{})
	go func() {
		serve(serverConn, brokerAddr, limiter, sink, nil, nil, nil)
		close(done)
	}()

	// Drain any echoes so the proxy's broker-to-client writer never
	// blocks on a reader that isn't listening.
	go func() {
		buf := make([]byte, pumpChunkSize)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	chunk := makeChunk(10, 'b')
	for i := 0; i < 30; i++ {
		if _, err := clientConn.Write(chunk); err != nil {
			t.Fatalf("write #%d: %v", i, err)
		}
	}

	clientConn.Close()
	<-done

	if got := sink.get("allowed_messages"); got != 3 {
		t.Errorf("allowed_messages = %d, want 3", got)
	}
	if got := sink.get("blocked_messages"); got != 27 {
		t.Errorf("blocked_messages = %d, want 27", got)
	}
}

// TestForwarderUsesRawClientIDForRateLimiting verifies that an anonymous
// connection (no MQTT Client-ID in the opening bytes) is rate-limited
// under its peer IP, not under the "anonymous_<ip>" display identity, so
// that an IP-keyed policy override installed via SetClientPolicy applies.
func TestForwarderUsesRawClientIDForRateLimiting(t *testing.T) {
	brokerAddr, stopBroker := startEchoBroker(t)
	defer stopBroker()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sink := newCountingSink()
	limiter := ratelimit.New(ratelimit.Policy{RefillRatePerSec: 10, BurstCapacity: 20, BlockDuration: time.Minute}, sink, nil)

	peerIP, _, err := net.SplitHostPort(serverConn.RemoteAddr().String())
	if err != nil {
		peerIP = serverConn.RemoteAddr().String()
	}
	limiter.SetClientPolicy(peerIP, ratelimit.Policy{RefillRatePerSec: 1, BurstCapacity: 1, BlockDuration: 5 * time.Second})

	done := make(chan struct{})
	go func() {
		serve(serverConn, brokerAddr, limiter, sink, nil, nil, nil)
		close(done)
	}()

	// Drain echoes so the broker-to-client writer never blocks.
	go func() {
		buf := make([]byte, pumpChunkSize)
		for {
			if _, err := clientConn.Read(buf); err != nil {
				return
			}
		}
	}()

	// No Client-ID in this payload: the opening bytes are plain data, not
	// an MQTT CONNECT packet, so mqtt.ParseClientID returns "".
	chunk := makeChunk(10, 'z')
	for i := 0; i < 3; i++ {
		if _, err := clientConn.Write(chunk); err != nil {
			t.Fatalf("write #%d: %v", i, err)
		}
	}

	clientConn.Close()
	<-done

	if got := sink.get("allowed_messages"); got != 1 {
		t.Errorf("allowed_messages = %d, want 1 (IP-keyed override burst is 1)", got)
	}
	if got := sink.get("blocked_messages"); got != 2 {
		t.Errorf("blocked_messages = %d, want 2", got)
	}
}

func TestForwarderBrokerClosesFirst(t *testing.T) {
	brokerAddr, stopBroker := startClosingBroker(t)
	defer stopBroker()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	sink := newCountingSink()
	limiter := ratelimit.New(ratelimit.Policy{RefillRatePerSec: 10, BurstCapacity: 20, BlockDuration: time.Minute}, sink, nil)

	done := make(chan struct{})
	go func() {
		serve(serverConn, brokerAddr, limiter, sink, nil, nil, nil)
		close(done)
	}()

	chunk := makeChunk(10, 'c')
	clientConn.Write(chunk)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after broker closed")
	}

	if got := sink.get("client_disconnects"); got != 1 {
		t.Errorf("client_disconnects = %d, want 1", got)
	}
}

func TestForwarderAbandonsShortPeek(t *testing.T) {
	brokerAddr, stopBroker := startEchoBroker(t)
	defer stopBroker()

	serverConn, clientConn := net.Pipe()

	sink := newCountingSink()
	limiter := ratelimit.New(ratelimit.Policy{RefillRatePerSec: 10, BurstCapacity: 20, BlockDuration: time.Minute}, sink, nil)

	done := make(chan struct{})
	go func() {
		serve(serverConn, brokerAddr, limiter, sink, nil, nil, nil)
		close(done)
	}()

	clientConn.Write(makeChunk(5, 'd'))
	clientConn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after short peek")
	}

	if got := sink.get("client_disconnects"); got != 0 {
		t.Errorf("client_disconnects = %d, want 0 (connection abandoned before pump)", got)
	}
}

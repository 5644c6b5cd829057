package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/example/throttlebox/internal/capture"
	"github.com/example/throttlebox/internal/identity"
	"github.com/example/throttlebox/internal/logging"
	"github.com/example/throttlebox/internal/metrics"
	"github.com/example/throttlebox/internal/mqtt"
	"github.com/example/throttlebox/internal/ratelimit"
)

const (
	peekBufferSize  = 1024
	minPeekBytes    = 10
	pumpChunkSize   = 4096
	multiplexWakeup = time.Second
)

// forwarder owns one accepted client connection for its lifetime: it
// resolves the client identity from the opening bytes, dials the broker,
// and pumps bytes bidirectionally, rate-limiting only the
// client-to-broker direction.
type forwarder struct {
	clientConn net.Conn
	brokerConn net.Conn

	peerIP      string
	clientID    string
	fingerprint string
	info        identity.Info

	limiter  *ratelimit.Limiter
	sink     metrics.Sink
	recorder *capture.Recorder
	logger   *logging.Logger

	stopOnce   sync.Once
	stop       chan struct{}
	serverDone <-chan struct{}
}

// serve runs the full per-connection lifecycle: peek, parse, resolve,
// dial, pump, teardown. It always closes clientConn before returning.
// serverDone, when closed, tells in-flight pump loops to terminate at
// their next wakeup even if neither direction has otherwise ended.
func serve(clientConn net.Conn, brokerAddr string, limiter *ratelimit.Limiter, sink metrics.Sink, recorder *capture.Recorder, logger *logging.Logger, serverDone <-chan struct{}) {
	defer clientConn.Close()

	peerIP := hostOf(clientConn.RemoteAddr())

	buf := make([]byte, peekBufferSize)
	n, err := clientConn.Read(buf)
	if err != nil || n < minPeekBytes {
		return
	}
	peeked := buf[:n]

	clientID, _ := mqtt.ParseClientID(peeked)
	info := identity.Resolve(peerIP, clientID)
	fingerprint := identity.Fingerprint(peerIP, clientID)

	brokerConn, err := net.Dial("tcp", brokerAddr)
	if err != nil {
		if logger != nil {
			logger.Warn("dial broker failed", logging.String("broker_addr", brokerAddr), logging.Error(err))
		}
		return
	}
	defer brokerConn.Close()

	f := &forwarder{
		clientConn:  clientConn,
		brokerConn:  brokerConn,
		peerIP:      peerIP,
		clientID:    clientID,
		fingerprint: fingerprint,
		info:        info,
		limiter:     limiter,
		sink:        sink,
		recorder:    recorder,
		logger:      logger,
		stop:        make(chan struct{}),
		serverDone:  serverDone,
	}

	f.pump(peeked)

	if sink != nil {
		sink.IncrementCounter("client_disconnects")
	}
}

// pump runs the bidirectional forwarding loop until both directions have
// terminated. initialChunk, if non-empty, is processed as the first
// client-to-broker chunk (the peeked CONNECT bytes, which flow through
// the rate limiter like any other data).
func (f *forwarder) pump(initialChunk []byte) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		f.pumpClientToBroker(initialChunk)
	}()
	go func() {
		defer wg.Done()
		f.pumpBrokerToClient()
	}()

	wg.Wait()
}

// signalStop marks both pump directions for termination at their next
// 1-second wakeup.
func (f *forwarder) signalStop() {
	f.stopOnce.Do(func() { close(f.stop) })
}

func (f *forwarder) stopped() bool {
	select {
	case <-f.stop:
		return true
	case <-f.serverDone:
		return true
	default:
		return false
	}
}

// pumpClientToBroker reads chunks from the client, consults the rate
// limiter, and forwards allowed chunks to the broker. initialChunk, if
// present, is consumed as the first chunk before further reads.
func (f *forwarder) pumpClientToBroker(initialChunk []byte) {
	defer f.signalStop()

	if len(initialChunk) > 0 {
		if !f.forwardChunk(initialChunk) {
			return
		}
	}

	buf := make([]byte, pumpChunkSize)
	for {
		if f.stopped() {
			return
		}
		f.clientConn.SetReadDeadline(time.Now().Add(multiplexWakeup))
		n, err := f.clientConn.Read(buf)
		if n > 0 {
			if !f.forwardChunk(buf[:n]) {
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
	}
}

// forwardChunk applies one rate-limiter decision to a client-to-broker
// chunk and, on allow, writes it to the broker. Returns false when the
// pump direction should terminate (deny never terminates; a short write
// or write error does).
func (f *forwarder) forwardChunk(chunk []byte) bool {
	allowed := f.limiter.Allow(f.peerIP, f.clientID)

	if !allowed {
		if f.sink != nil {
			f.sink.IncrementCounter("blocked_messages")
		}
		f.record(capture.DirectionClientToBroker, len(chunk), capture.DecisionDeny)
		return true
	}

	f.record(capture.DirectionClientToBroker, len(chunk), capture.DecisionAllow)

	n, err := f.brokerConn.Write(chunk)
	if err != nil || n != len(chunk) {
		return false
	}
	if f.sink != nil {
		f.sink.IncrementCounter("allowed_messages")
	}
	return true
}

// pumpBrokerToClient reads chunks from the broker and forwards them to
// the client unchanged and unrated.
func (f *forwarder) pumpBrokerToClient() {
	defer f.signalStop()

	buf := make([]byte, pumpChunkSize)
	for {
		if f.stopped() {
			return
		}
		f.brokerConn.SetReadDeadline(time.Now().Add(multiplexWakeup))
		n, err := f.brokerConn.Read(buf)
		if n > 0 {
			f.record(capture.DirectionBrokerToClient, n, capture.DecisionNotApplicable)
			wn, werr := f.clientConn.Write(buf[:n])
			if werr != nil || wn != n {
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return
		}
	}
}

func (f *forwarder) record(direction capture.Direction, n int, decision capture.Decision) {
	if f.recorder == nil {
		return
	}
	f.recorder.Record(f.fingerprint, direction, n, decision)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

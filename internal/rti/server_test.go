package rti

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ReactorMesh/federation-rti/internal/audit"
	"github.com/ReactorMesh/federation-rti/internal/federate"
	"github.com/ReactorMesh/federation-rti/internal/wire"
)

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Publish(_ context.Context, event audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAuditor) byType(t audit.EventType) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func startServer(t *testing.T, size int, timeout time.Duration, auditor Auditor) (*Server, string, chan error) {
	t.Helper()
	srv, err := New(Config{
		ListenAddr:     "127.0.0.1:0",
		FederationSize: size,
		BarrierTimeout: timeout,
		FederationID:   "test-federation",
	}, zap.NewNop(), nil, auditor)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	return srv, srv.Addr().String(), done
}

func waitServe(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not finish")
	}
}

func negotiate(t *testing.T, addr string, proposal int64, results chan<- int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := &federate.Client{Addr: addr}
	agreed, err := client.Negotiate(ctx, proposal)
	if err != nil {
		t.Errorf("Negotiate(%d) failed: %v", proposal, err)
		return
	}
	results <- agreed
}

func TestTwoFederatesReceiveMax(t *testing.T) {
	// Scenario A: N=2, proposals {100, 250} -> both receive 250.
	_, addr, done := startServer(t, 2, 0, nil)

	results := make(chan int64, 2)
	go negotiate(t, addr, 100, results)
	go negotiate(t, addr, 250, results)

	waitServe(t, done)
	for i := 0; i < 2; i++ {
		if agreed := <-results; agreed != 250 {
			t.Fatalf("agreed %d, want 250", agreed)
		}
	}
}

func TestIdenticalProposals(t *testing.T) {
	// Scenario B: N=3, proposals {10, 10, 10} -> all receive 10.
	_, addr, done := startServer(t, 3, 0, nil)

	results := make(chan int64, 3)
	for i := 0; i < 3; i++ {
		go negotiate(t, addr, 10, results)
	}

	waitServe(t, done)
	for i := 0; i < 3; i++ {
		if agreed := <-results; agreed != 10 {
			t.Fatalf("agreed %d, want 10", agreed)
		}
	}
}

func TestReversedCompletionOrder(t *testing.T) {
	// Scenario C: the late federate holds the higher proposal; the
	// early one must still see max of both.
	_, addr, done := startServer(t, 2, 0, nil)

	results := make(chan int64, 2)
	go negotiate(t, addr, 900, results)
	time.Sleep(150 * time.Millisecond)
	go negotiate(t, addr, 4, results)

	waitServe(t, done)
	for i := 0; i < 2; i++ {
		if agreed := <-results; agreed != 900 {
			t.Fatalf("agreed %d, want 900", agreed)
		}
	}
}

func TestNoReplyBeforeAllProposals(t *testing.T) {
	_, addr, done := startServer(t, 2, 0, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if err := wire.WriteMessage(conn, wire.Message{Type: wire.MsgTimestamp, Instant: 7}); err != nil {
		t.Fatalf("send proposal: %v", err)
	}

	// The second federate has not proposed yet: no reply may arrive.
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := wire.ReadMessage(conn); err == nil {
		t.Fatalf("received reply before all proposals were in")
	}
	conn.SetReadDeadline(time.Time{})

	results := make(chan int64, 1)
	go negotiate(t, addr, 3, results)

	reply, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Instant != 7 {
		t.Fatalf("agreed %d, want 7", reply.Instant)
	}
	if agreed := <-results; agreed != 7 {
		t.Fatalf("second federate agreed %d, want 7", agreed)
	}
	waitServe(t, done)
}

func TestUnexpectedTagAcceptedIntoMax(t *testing.T) {
	// Scenario D: invalid tag with a well-formed payload still feeds
	// the max computation (lenient policy).
	auditor := &recordingAuditor{}
	_, addr, done := startServer(t, 2, 0, auditor)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	if err := wire.WriteMessage(conn, wire.Message{Type: 0xBB, Instant: 500}); err != nil {
		t.Fatalf("send mistagged proposal: %v", err)
	}

	results := make(chan int64, 1)
	go negotiate(t, addr, 100, results)

	reply, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Instant != 500 {
		t.Fatalf("mistagged federate agreed %d, want 500", reply.Instant)
	}
	if agreed := <-results; agreed != 500 {
		t.Fatalf("well-formed federate agreed %d, want 500", agreed)
	}
	waitServe(t, done)
}

func TestDroppedFederateAbortsOnDeadline(t *testing.T) {
	auditor := &recordingAuditor{}
	_, addr, done := startServer(t, 2, 300*time.Millisecond, auditor)

	// One federate proposes properly; its Negotiate must fail because
	// no reply ever comes.
	negotiated := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client := &federate.Client{Addr: addr}
		_, err := client.Negotiate(ctx, 100)
		negotiated <- err
	}()

	// The other connects and hangs up before completing its proposal.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Write([]byte{wire.MsgTimestamp, 0, 0})
	conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Serve returned %v, want ErrAborted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not abort after barrier deadline")
	}
	if err := <-negotiated; err == nil {
		t.Fatalf("surviving federate negotiated successfully, want failure")
	}
	if dropped := auditor.byType(audit.EventFederateDropped); len(dropped) != 1 {
		t.Fatalf("recorded %d dropped events, want 1", len(dropped))
	}
	if aborted := auditor.byType(audit.EventAborted); len(aborted) != 1 {
		t.Fatalf("recorded %d aborted events, want 1", len(aborted))
	}
}

func TestSilentFederateAbortsOnDeadline(t *testing.T) {
	auditor := &recordingAuditor{}
	_, addr, done := startServer(t, 2, 300*time.Millisecond, auditor)

	negotiated := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client := &federate.Client{Addr: addr}
		_, err := client.Negotiate(ctx, 100)
		negotiated <- err
	}()

	// The other federate connects but never sends a byte. The barrier
	// deadline must still tear the federation down.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Serve returned %v, want ErrAborted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve still blocked after the barrier deadline with a silent federate")
	}
	if err := <-negotiated; err == nil {
		t.Fatalf("proposing federate negotiated successfully, want failure")
	}
	if dropped := auditor.byType(audit.EventFederateDropped); len(dropped) != 1 {
		t.Fatalf("recorded %d dropped events, want 1", len(dropped))
	}
	if aborted := auditor.byType(audit.EventAborted); len(aborted) != 1 {
		t.Fatalf("recorded %d aborted events, want 1", len(aborted))
	}
}

func TestAcceptDeadlineAbortsWhenFederateNeverConnects(t *testing.T) {
	auditor := &recordingAuditor{}
	srv, err := New(Config{
		ListenAddr:     "127.0.0.1:0",
		FederationSize: 2,
		AcceptTimeout:  300 * time.Millisecond,
		FederationID:   "test-federation",
	}, zap.NewNop(), nil, auditor)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()

	// Only one of the two federates shows up.
	negotiated := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client := &federate.Client{Addr: srv.Addr().String()}
		_, err := client.Negotiate(ctx, 50)
		negotiated <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("Serve returned %v, want ErrAborted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve still blocked after the accept deadline")
	}
	if err := <-negotiated; err == nil {
		t.Fatalf("connected federate negotiated successfully, want failure")
	}
	if aborted := auditor.byType(audit.EventAborted); len(aborted) != 1 {
		t.Fatalf("recorded %d aborted events, want 1", len(aborted))
	}
}

func TestReplyFailureIsContained(t *testing.T) {
	auditor := &recordingAuditor{}
	_, addr, done := startServer(t, 2, 0, auditor)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if err := wire.WriteMessage(conn, wire.Message{Type: wire.MsgTimestamp, Instant: 40}); err != nil {
		t.Fatalf("send proposal: %v", err)
	}
	// Let the handler read the proposal, then reset the connection so
	// the reply send fails instead of the read.
	time.Sleep(100 * time.Millisecond)
	conn.(*net.TCPConn).SetLinger(0)
	conn.Close()

	results := make(chan int64, 1)
	go negotiate(t, addr, 90, results)

	waitServe(t, done)
	if agreed := <-results; agreed != 90 {
		t.Fatalf("surviving federate agreed %d, want 90", agreed)
	}
	if failed := auditor.byType(audit.EventReplyFailed); len(failed) != 1 {
		t.Fatalf("recorded %d reply_failed events, want 1", len(failed))
	}
	if dropped := auditor.byType(audit.EventFederateDropped); len(dropped) != 0 {
		t.Fatalf("recorded %d dropped events, want 0", len(dropped))
	}
}

func TestAuditTrail(t *testing.T) {
	auditor := &recordingAuditor{}
	_, addr, done := startServer(t, 2, 0, auditor)

	results := make(chan int64, 2)
	go negotiate(t, addr, 1, results)
	go negotiate(t, addr, 2, results)
	waitServe(t, done)
	<-results
	<-results

	if connected := auditor.byType(audit.EventFederateConnected); len(connected) != 2 {
		t.Fatalf("recorded %d connected events, want 2", len(connected))
	}
	if proposals := auditor.byType(audit.EventProposalReceived); len(proposals) != 2 {
		t.Fatalf("recorded %d proposal events, want 2", len(proposals))
	}
	synced := auditor.byType(audit.EventSynchronized)
	if len(synced) != 1 {
		t.Fatalf("recorded %d synchronized events, want 1", len(synced))
	}
	if synced[0].Instant != 2 {
		t.Fatalf("synchronized instant %d, want 2", synced[0].Instant)
	}
	if synced[0].FederationID != "test-federation" {
		t.Fatalf("federation id %q", synced[0].FederationID)
	}
}

func TestSingleFederate(t *testing.T) {
	_, addr, done := startServer(t, 1, 0, nil)
	results := make(chan int64, 1)
	go negotiate(t, addr, -42, results)
	waitServe(t, done)
	if agreed := <-results; agreed != -42 {
		t.Fatalf("agreed %d, want -42", agreed)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{ListenAddr: ":0"}, zap.NewNop(), nil, nil); err == nil {
		t.Fatalf("New accepted zero federation size")
	}
	if _, err := New(Config{FederationSize: 2}, zap.NewNop(), nil, nil); err == nil {
		t.Fatalf("New accepted empty listen address")
	}
	if _, err := New(Config{ListenAddr: ":0", FederationSize: 2}, nil, nil, nil); err == nil {
		t.Fatalf("New accepted nil logger")
	}
}

func TestListenFailureIsFatal(t *testing.T) {
	// Occupy a port, then ask the server to bind the same one.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	srv, err := New(Config{
		ListenAddr:     ln.Addr().String(),
		FederationSize: 1,
	}, zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Listen(); err == nil {
		t.Fatalf("Listen succeeded on an occupied port")
	}
}

func TestServeHonorsContextCancel(t *testing.T) {
	srv, err := New(Config{
		ListenAddr:     "127.0.0.1:0",
		FederationSize: 2,
	}, zap.NewNop(), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not stop after cancel")
	}
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/roborock-community/roborock-go/pkg/protocol"
	"github.com/roborock-community/roborock-go/pkg/version"
)

type mockSender struct {
	mu   sync.Mutex
	sent []*protocol.Message
	err  error

	// Signaled on each Send, after the pending entry is registered.
	sentCh chan *protocol.Message
}

func newMockSender() *mockSender {
	return &mockSender{sentCh: make(chan *protocol.Message, 16)}
}

func (m *mockSender) Send(ctx context.Context, msg *protocol.Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	err := m.err
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.sentCh <- msg
	return nil
}

func (m *mockSender) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func request(key uint32) *protocol.Message {
	return &protocol.Message{
		Version:  version.V1,
		Seq:      key,
		Protocol: protocol.RPCRequest,
		Payload:  []byte(fmt.Sprintf(`{"id":%d}`, key)),
	}
}

func response(key uint32) *protocol.Message {
	return &protocol.Message{
		Version:  version.V1,
		Seq:      key,
		Protocol: protocol.RPCResponse,
		Payload:  []byte(fmt.Sprintf(`{"id":%d,"result":["ok"]}`, key)),
	}
}

func TestDoFulfill(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()

	type outcome struct {
		resp *protocol.Message
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		resp, err := client.Do(context.Background(), 10042, request(10042))
		done <- outcome{resp, err}
	}()

	<-sender.sentCh

	if !client.Fulfill(10042, response(10042)) {
		t.Fatal("Fulfill() = false, want true for a pending request")
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Do() error = %v", res.err)
	}
	if res.resp.Protocol != protocol.RPCResponse {
		t.Errorf("response protocol = %v, want RPCResponse", res.resp.Protocol)
	}
	if client.Pending() != 0 {
		t.Errorf("Pending() = %d after fulfilment, want 0", client.Pending())
	}
}

func TestExactlyOneFulfillment(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), 10100, request(10100))
		done <- err
	}()

	<-sender.sentCh

	if !client.Fulfill(10100, response(10100)) {
		t.Fatal("first Fulfill() = false, want true")
	}
	if client.Fulfill(10100, response(10100)) {
		t.Error("second Fulfill() = true, want false (entry already resolved)")
	}

	if err := <-done; err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()

	go func() {
		client.Do(context.Background(), 10200, request(10200))
	}()

	<-sender.sentCh

	_, err := client.Do(context.Background(), 10200, request(10200))
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Do() with pending id error = %v, want ErrDuplicateID", err)
	}

	// Unblock the first request.
	client.Fulfill(10200, response(10200))
}

func TestTimeout(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()
	client.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := client.Do(context.Background(), 10300, request(10300))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Do() took %v, timeout did not fire", elapsed)
	}
	if client.Pending() != 0 {
		t.Errorf("Pending() = %d after timeout, want 0", client.Pending())
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()
	client.SetTimeout(20 * time.Millisecond)

	_, err := client.Do(context.Background(), 10400, request(10400))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do() error = %v, want ErrTimeout", err)
	}

	if client.Fulfill(10400, response(10400)) {
		t.Error("Fulfill() = true for a timed-out request, want false")
	}
}

func TestContextCancel(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := client.Do(ctx, 10500, request(10500))
		done <- err
	}()

	<-sender.sentCh
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
}

func TestConcurrentRequests(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()

	const n = 10

	errs := make([]error, n)
	resps := make([]*protocol.Message, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := uint32(20000 + i)
			resps[i], errs[i] = client.Do(context.Background(), key, request(key))
		}(i)
	}

	for i := 0; i < n; i++ {
		<-sender.sentCh
	}

	// Fulfil in reverse registration order; no request may block
	// another.
	for i := n - 1; i >= 0; i-- {
		key := uint32(20000 + i)
		if !client.Fulfill(key, response(key)) {
			t.Fatalf("Fulfill(%d) = false, want true", key)
		}
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("request %d: error = %v", i, errs[i])
			continue
		}
		if want := uint32(20000 + i); resps[i].Seq != want {
			t.Errorf("request %d: got response for seq %d, want %d", i, resps[i].Seq, want)
		}
	}
}

func TestAbort(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()

	const n = 3
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			_, err := client.Do(context.Background(), uint32(30000+i), request(uint32(30000+i)))
			done <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		<-sender.sentCh
	}

	cause := fmt.Errorf("%w: shutting down", ErrAborted)
	client.Abort(cause)

	for i := 0; i < n; i++ {
		if err := <-done; !errors.Is(err, ErrAborted) {
			t.Errorf("Do() error = %v, want ErrAborted", err)
		}
	}
	if client.Pending() != 0 {
		t.Errorf("Pending() = %d after abort, want 0", client.Pending())
	}
}

func TestClose(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)

	done := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), 10600, request(10600))
		done <- err
	}()
	<-sender.sentCh

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := <-done; !errors.Is(err, ErrAborted) {
		t.Errorf("pending Do() error = %v, want ErrAborted", err)
	}

	// New requests are rejected without sending.
	before := sender.sentCount()
	if _, err := client.Do(context.Background(), 10601, request(10601)); !errors.Is(err, ErrAborted) {
		t.Errorf("Do() after Close error = %v, want ErrAborted", err)
	}
	if sender.sentCount() != before {
		t.Error("Do() after Close still sent a frame")
	}

	// Close is idempotent.
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSendError(t *testing.T) {
	sender := newMockSender()
	sender.err = errors.New("socket gone")
	client := NewClient(sender)
	defer client.Close()

	_, err := client.Do(context.Background(), 10700, request(10700))
	if err == nil || err.Error() != "socket gone" {
		t.Fatalf("Do() error = %v, want send error", err)
	}
	if client.Pending() != 0 {
		t.Errorf("Pending() = %d after send failure, want 0", client.Pending())
	}
}

func TestDefaultTimeout(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()

	if client.timeout != DefaultTimeout {
		t.Errorf("default timeout = %v, want %v", client.timeout, DefaultTimeout)
	}
	if DefaultTimeout != 10*time.Second {
		t.Errorf("DefaultTimeout = %v, want 10s", DefaultTimeout)
	}
}

func TestUnsolicitedMessage(t *testing.T) {
	sender := newMockSender()
	client := NewClient(sender)
	defer client.Close()

	if client.Fulfill(12345, response(12345)) {
		t.Error("Fulfill() = true with nothing pending, want false")
	}
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Code: -8, Message: "unknown method"}
	if err.Error() != "device error -8: unknown method" {
		t.Errorf("Error() = %q", err.Error())
	}

	bare := &StatusError{Code: 1}
	if bare.Error() != "device error 1" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

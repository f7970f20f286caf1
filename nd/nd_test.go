package nd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func openTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := OpenAdapter(loopback, AdapterOptions{})
	if err != nil {
		t.Fatalf("OpenAdapter: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func waitOverlapped(t *testing.T, ov *Overlapped) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ov.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("overlapped request did not resolve")
	}
	return err
}

func TestNilHandles(t *testing.T) {
	var qp *QueuePair
	err := qp.Send(0, nil, 0)
	var ih ErrInvalidHandle
	if !errors.As(err, &ih) || ih.Resource != "queue pair" {
		t.Fatalf("expected invalid queue pair handle, got %v", err)
	}
	if StatusOf(err) != StatusInvalidHandle {
		t.Fatalf("StatusOf(%v) = %v", err, StatusOf(err))
	}
	var cq *CompletionQueue
	if n := cq.GetResults(make([]Result, 1)); n != 0 {
		t.Fatalf("nil completion queue returned %d results", n)
	}
	var mr *MemoryRegion
	if err := mr.Close(); err != nil {
		t.Fatalf("closing nil region: %v", err)
	}
}

func TestStatusOfWrapped(t *testing.T) {
	err := fmt.Errorf("post send: %w", StatusAccessViolation)
	if StatusOf(err) != StatusAccessViolation {
		t.Fatalf("status lost through wrapping: %v", StatusOf(err))
	}
	if StatusOf(nil) != StatusSuccess {
		t.Fatalf("nil error should be success")
	}
	if StatusOf(errors.New("boom")) != StatusUnsuccessful {
		t.Fatalf("plain error should be unsuccessful")
	}
}

func TestOpenAdapterInvalidAddress(t *testing.T) {
	_, err := OpenAdapter(netip.MustParseAddr("203.0.113.9"), AdapterOptions{})
	if !errors.Is(err, StatusInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

func TestAdapterQuery(t *testing.T) {
	a := openTestAdapter(t)
	info, err := a.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if info.AdapterID == 0 || info.MaxInitiatorSge == 0 || info.MaxTransferLength == 0 {
		t.Fatalf("adapter info incomplete: %+v", info)
	}
	if a.Address() != loopback {
		t.Fatalf("unexpected adapter address %v", a.Address())
	}
}

func TestReRegisterIssuesNewToken(t *testing.T) {
	a := openTestAdapter(t)
	mr, err := a.CreateMemoryRegion()
	if err != nil {
		t.Fatalf("CreateMemoryRegion: %v", err)
	}
	ov := NewOverlapped()

	register := func(size int) uint32 {
		if err := mr.Register(make([]byte, size), MRAllowLocalWrite|MRAllowRemoteRead, ov); err != nil {
			t.Fatalf("Register(%d): %v", size, err)
		}
		if err := waitOverlapped(t, ov); err != nil {
			t.Fatalf("Register(%d) completion: %v", size, err)
		}
		return mr.LocalToken()
	}

	first := register(4096)
	if mr.RemoteToken() != first {
		t.Fatalf("remote token %d differs from local token %d", mr.RemoteToken(), first)
	}
	if err := mr.Deregister(ov); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := waitOverlapped(t, ov); err != nil {
		t.Fatalf("Deregister completion: %v", err)
	}
	second := register(8192)
	if first == second {
		t.Fatalf("token %d reused", first)
	}
	if len(mr.Buffer()) != 8192 {
		t.Fatalf("unexpected buffer length %d", len(mr.Buffer()))
	}
	if err := mr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRejectDeliversPrivateData(t *testing.T) {
	a := openTestAdapter(t)
	cq, err := a.CreateCompletionQueue(16)
	if err != nil {
		t.Fatalf("CreateCompletionQueue: %v", err)
	}
	qp, err := a.CreateQueuePair(QueuePairAttr{CompletionQueue: cq, ReceiveDepth: 4, InitiatorDepth: 4, ReceiveSge: 1, InitiatorSge: 1})
	if err != nil {
		t.Fatalf("CreateQueuePair: %v", err)
	}
	ln, err := a.CreateListener()
	if err != nil {
		t.Fatalf("CreateListener: %v", err)
	}
	defer ln.Close()
	if err := ln.Bind(netip.AddrPortFrom(loopback, 0)); err != nil {
		t.Fatalf("listener Bind: %v", err)
	}
	if err := ln.Listen(1); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr, err := ln.GetLocalAddress()
	if err != nil || addr.Port() == 0 {
		t.Fatalf("GetLocalAddress: %v %v", addr, err)
	}

	server, _ := a.CreateConnector()
	client, _ := a.CreateConnector()
	defer server.Close()
	defer client.Close()

	reqOv := NewOverlapped()
	if err := ln.GetConnectionRequest(server, reqOv); err != nil {
		t.Fatalf("GetConnectionRequest: %v", err)
	}
	connOv := NewOverlapped()
	if err := client.Connect(qp, addr, 0, 0, []byte("knock"), connOv); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := waitOverlapped(t, reqOv); err != nil {
		t.Fatalf("connection request: %v", err)
	}
	if err := server.Reject([]byte("busy")); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := waitOverlapped(t, connOv); !errors.Is(err, StatusConnectionRefused) {
		t.Fatalf("expected refused connect, got %v", err)
	}
	if got := string(client.GetPrivateData()); got != "busy" {
		t.Fatalf("reject private data %q", got)
	}
}

func TestOverlappedPollPending(t *testing.T) {
	a := openTestAdapter(t)
	cq, _ := a.CreateCompletionQueue(4)
	ov := NewOverlapped()
	if err := cq.Notify(NotifyAny, ov); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if _, err := ov.Poll(); !errors.Is(err, StatusPending) {
		t.Fatalf("expected pending, got %v", err)
	}
	if err := cq.CancelOverlappedRequests(); err != nil {
		t.Fatalf("CancelOverlappedRequests: %v", err)
	}
	if err := waitOverlapped(t, ov); !errors.Is(err, StatusCanceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

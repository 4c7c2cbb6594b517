package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSendRecvFrameRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", Config{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	serverErrs := make(chan error, 1)
	received := make(chan Frame, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErrs <- err
			return
		}
		defer conn.Close()
		f, err := conn.RecvFrame()
		if err != nil {
			serverErrs <- err
			return
		}
		received <- f
		serverErrs <- conn.SendFrame(Frame{
			Type:          "ack",
			CorrelationID: f.CorrelationID,
			Payload:       json.RawMessage(`{"ok":true}`),
		})
	}()

	conn, err := Dial(context.Background(), ln.Addr().String(), Config{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	want := Frame{
		Type:          "init_enclave",
		CorrelationID: "abcd1234abcd1234",
		Payload:       json.RawMessage(`{"foo":"bar"}`),
	}
	if err := conn.SendFrame(want); err != nil {
		t.Fatalf("SendFrame() error = %v", err)
	}

	select {
	case got := <-received:
		if got.Type != want.Type || got.CorrelationID != want.CorrelationID {
			t.Fatalf("received frame = %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive frame")
	}

	resp, err := conn.RecvFrame()
	if err != nil {
		t.Fatalf("RecvFrame() error = %v", err)
	}
	if resp.Type != "ack" || resp.CorrelationID != want.CorrelationID {
		t.Fatalf("response frame = %+v", resp)
	}

	if err := <-serverErrs; err != nil {
		t.Fatalf("server goroutine error = %v", err)
	}
}

func TestSendFrameRejectsOversizedFrame(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", Config{MaxMessageSize: 8, ReadTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.RecvFrame()
	}()

	conn, err := Dial(context.Background(), ln.Addr().String(), Config{MaxMessageSize: 8})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	big := Frame{Type: "x", CorrelationID: "y", Payload: json.RawMessage(`{"a":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`)}
	err = conn.SendFrame(big)
	if err == nil {
		t.Fatal("expected SendFrame() to reject a frame above MaxMessageSize")
	}

	<-done
}

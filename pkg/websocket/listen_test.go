package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newTestListener builds a [Listener] bound to path and exposes its
// handshake handler through an [httptest.Server], bypassing
// [Listener.ListenAndServe] (which binds a real OS port) while exercising
// the same handshake/hijack code path.
func newTestListener(t *testing.T, path string, opts ...ListenOpt) (*Listener, *httptest.Server, string) {
	t.Helper()

	l, err := NewListener(t.Context(), "ws://127.0.0.1:0/"+strings.TrimPrefix(path, "/"), opts...)
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	s := httptest.NewServer(http.HandlerFunc(l.handle))
	t.Cleanup(s.Close)

	wsURL := "ws" + strings.TrimPrefix(s.URL, "http")
	return l, s, wsURL
}

func TestListenerEchoRoundTrip(t *testing.T) {
	l, _, wsURL := newTestListener(t, "")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Conn, 1)
	go func() {
		server, err := l.Accept(ctx)
		if err != nil {
			t.Errorf("Listener.Accept() error = %v", err)
			return
		}
		accepted <- server
	}()

	client, err := Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close(StatusNormalClosure)

	server := <-accepted
	defer server.Close(StatusNormalClosure)

	go func() {
		for msg := range server.IncomingMessages() {
			<-server.SendBinaryMessage(msg.Data)
		}
	}()

	if err := <-client.SendBinaryMessage([]byte("hello")); err != nil {
		t.Fatalf("Conn.SendBinaryMessage() error = %v", err)
	}

	select {
	case msg := <-client.IncomingMessages():
		if string(msg.Data) != "hello" {
			t.Errorf("echoed message = %q, want %q", msg.Data, "hello")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for echoed message")
	}
}

func TestListenerPathMismatch(t *testing.T) {
	_, s, _ := newTestListener(t, "/ws")

	resp, err := http.Get(s.URL + "/wrong") //nolint:noctx // Test-only request.
	if err != nil {
		t.Fatalf("http.Get() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("response status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestListenerPathWildcardAcceptsAnyPath(t *testing.T) {
	l, _, wsURL := newTestListener(t, "")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	go func() {
		conn, err := l.Accept(ctx)
		if err == nil {
			conn.Close(StatusNormalClosure)
		}
	}()

	conn, err := Dial(ctx, wsURL+"/any/path/at/all")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	conn.Close(StatusNormalClosure)
}

// TestListenerHostWildcardBindsAnyInterface verifies that a "*" host (or
// no host at all) in the listener URL binds every network interface,
// by dialing the bound port over the loopback address explicitly rather
// than through the httptest-wrapped handler shortcut the other tests use.
func TestListenerHostWildcardBindsAnyInterface(t *testing.T) {
	l, err := NewListener(t.Context(), "ws://*:18080/")
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.ListenAndServe() }()
	t.Cleanup(func() {
		l.Close()
		<-done
	})

	// Give ListenAndServe a moment to bind the port.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	accepted := make(chan error, 1)
	go func() {
		_, err := l.Accept(ctx)
		accepted <- err
	}()

	conn, err := Dial(ctx, "ws://127.0.0.1:18080/")
	if err != nil {
		t.Fatalf("Dial() to loopback address on a wildcard-bound listener error = %v", err)
	}
	defer conn.Close(StatusNormalClosure)

	if err := <-accepted; err != nil {
		t.Errorf("Listener.Accept() error = %v", err)
	}
}

func TestListenerCloseRejectsAccept(t *testing.T) {
	l, _, _ := newTestListener(t, "")

	if err := l.Close(); err != nil {
		t.Fatalf("Listener.Close() error = %v", err)
	}

	if _, err := l.Accept(t.Context()); err == nil {
		t.Error("Listener.Accept() after Close() = nil error, want errs.Closed")
	}

	// Closing twice must not panic.
	if err := l.Close(); err != nil {
		t.Errorf("Listener.Close() (second call) error = %v, want nil", err)
	}
}

func TestListenAndServeTwiceReturnsBusy(t *testing.T) {
	l, err := NewListener(t.Context(), "ws://127.0.0.1:0/")
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.ListenAndServe() }()

	// Give the first ListenAndServe call a moment to mark itself started.
	time.Sleep(20 * time.Millisecond)

	if err := l.ListenAndServe(); err == nil {
		t.Error("Listener.ListenAndServe() (second call) = nil error, want errs.Busy")
	}

	l.Close()
	<-done
}

package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/tzrikka/wsconn/internal/logger"
	"github.com/tzrikka/wsconn/pkg/errs"
)

// ListenOpt configures a [Listener].
type ListenOpt func(*Listener)

// WithSubprotocols configures the list of subprotocol names this
// listener is willing to negotiate. The first name in the client's
// offered list that is also in this list is chosen. The default accepts
// connections with no subprotocol negotiated.
func WithSubprotocols(names ...string) ListenOpt {
	return func(l *Listener) {
		l.subprotocols = names
	}
}

// WithHandshakeHook installs a [HandshakeHook], invoked after this
// package's own RFC 6455 validation succeeds, to apply
// application-level policy (authentication, rate limiting, and so on).
func WithHandshakeHook(h HandshakeHook) ListenOpt {
	return func(l *Listener) {
		l.hook = h
	}
}

// WithListenerFragmentSize overrides the maximum outbound frame
// payload of every [Conn] this listener accepts.
func WithListenerFragmentSize(n int) ListenOpt {
	return func(l *Listener) {
		l.fragmentSize = n
	}
}

// WithListenerMaxMessageSize overrides the maximum inbound message
// size of every [Conn] this listener accepts.
func WithListenerMaxMessageSize(n uint64) ListenOpt {
	return func(l *Listener) {
		l.maxMessageSize = n
	}
}

// Listener accepts incoming WebSocket connections over HTTP, the
// server side of the RFC 6455 handshake. Accepted connections are
// handed to callers of [Listener.Accept] one at a time, in a rendezvous
// that mirrors nng's listener: a completed handshake that arrives
// before anyone is waiting for it ("pend" in nng's terms) blocks on
// the same unbuffered channel that an idle [Listener.Accept] call
// blocks on ("aios" in nng's terms) — the channel itself is the
// rendezvous point both queues existed to implement.
type Listener struct {
	addr         string
	path         string
	subprotocols []string
	hook         HandshakeHook

	fragmentSize   int
	maxMessageSize uint64

	logger *slog.Logger

	server   *http.Server
	accepted chan acceptResult

	mu       sync.Mutex
	started  bool
	closed   bool
	serveErr error
}

type acceptResult struct {
	conn *Conn
	err  error
}

// NewListener creates a [Listener] bound to the host, port, and path of
// wsURL (a "ws://" or "wss://" URL, e.g. "ws://0.0.0.0:8080/chat"). A
// missing port defaults to 80 for "ws" and 443 for "wss". A host of "*"
// or an empty host binds every network interface. It does not start
// accepting connections until [Listener.ListenAndServe] is called.
func NewListener(ctx context.Context, wsURL string, opts ...ListenOpt) (*Listener, error) {
	addr, path, err := parseListenerURL(wsURL)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		addr:           addr,
		path:           path,
		logger:         logger.FromContext(ctx),
		fragmentSize:   defaultFragmentSize,
		maxMessageSize: defaultMaxMessageSize,
		accepted:       make(chan acceptResult),
	}
	for _, opt := range opts {
		opt(l)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handle)
	l.server = &http.Server{Addr: addr, Handler: mux}

	return l, nil
}

// parseListenerURL extracts the network address and request path a
// [Listener] should bind to from a "ws://"/"wss://" URL, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-3.
func parseListenerURL(wsURL string) (addr, path string, err error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", "", errs.Wrap(errs.AddrInvalid, err, "failed to parse WebSocket listener URL")
	}

	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "ws", "":
			port = "80"
		case "wss":
			port = "443"
		default:
			return "", "", errs.New(errs.AddrInvalid, fmt.Sprintf("unexpected WebSocket URL scheme: %q", u.Scheme))
		}
	}

	host := u.Hostname()
	if host == "*" {
		host = ""
	}

	// A path of "/" (including no path at all) is nng's own convention
	// for a wildcard bind that accepts any request path.
	path = u.Path
	if path == "/" {
		path = ""
	}

	return net.JoinHostPort(host, port), path, nil
}

// SetTLSConfig installs a [tls.Config] for "wss://" connections. It
// must be called before [Listener.ListenAndServe].
func (l *Listener) SetTLSConfig(cfg *tls.Config) {
	l.server.TLSConfig = cfg
}

// ListenAndServe starts accepting TCP (or TLS, if [Listener.SetTLSConfig]
// was called) connections and runs until the listener is closed. It
// returns [errs.Busy] if called more than once.
func (l *Listener) ListenAndServe() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return errs.New(errs.Busy, "listener already started")
	}
	l.started = true
	tlsConfigured := l.server.TLSConfig != nil
	l.mu.Unlock()

	l.logger.Debug("WebSocket listener starting", slog.String("addr", l.addr))

	var err error
	if tlsConfigured {
		err = l.server.ListenAndServeTLS("", "")
	} else {
		err = l.server.ListenAndServe()
	}

	l.mu.Lock()
	l.serveErr = err
	closing := l.closed
	l.mu.Unlock()

	if closing {
		return nil
	}
	return errs.Wrap(errs.Proto, err, "WebSocket listener stopped")
}

// Accept blocks until a new WebSocket connection completes its
// handshake, ctx is done, or the listener is closed.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case res, ok := <-l.accepted:
		if !ok {
			return nil, errs.New(errs.Closed, "listener is closed")
		}
		return res.conn, res.err
	case <-ctx.Done():
		return nil, errs.Wrap(errs.TimedOut, ctx.Err(), "accept canceled")
	}
}

// Close stops the listener from accepting new connections. Connections
// already accepted are unaffected.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.accepted)
	return l.server.Close()
}

// handle implements [http.Handler] for every incoming HTTP request,
// running the server-side handshake of
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.
func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	lg := l.logger.With(slog.String("remote_addr", r.RemoteAddr), slog.String("path", r.URL.Path))

	if l.path != "" && r.URL.Path != l.path {
		lg.Debug("WebSocket handshake rejected: path mismatch")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	status, err := validateHandshakeRequest(r)
	if err != nil {
		lg.Debug("WebSocket handshake rejected", slog.Any("error", err))
		w.WriteHeader(status)
		return
	}

	respHeaders, err := buildHandshakeResponse(r, l.subprotocols)
	if err != nil {
		lg.Debug("WebSocket handshake rejected: subprotocol negotiation failed", slog.Any("error", err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if l.hook != nil {
		if hookStatus, hookHeaders := l.hook(r); hookStatus != http.StatusSwitchingProtocols {
			lg.Debug("WebSocket handshake rejected by policy hook", slog.Int("status", hookStatus))
			for k, vs := range hookHeaders {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(hookStatus)
			return
		}
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		lg.Error("WebSocket handshake failed: response writer does not support hijacking")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	netConn, brw, err := hijacker.Hijack()
	if err != nil {
		lg.Error("WebSocket handshake failed: hijack error", slog.Any("error", err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if err := writeSwitchingProtocols(brw, respHeaders); err != nil {
		lg.Error("WebSocket handshake failed: response write error", slog.Any("error", err))
		_ = netConn.Close()
		return
	}

	c := newConn(true, lg)
	c.fragmentSize = l.fragmentSize
	c.maxMessageSize = l.maxMessageSize
	c.bufio = brw
	c.closer = netConn
	c.initChannels()

	go c.readMessages()
	go c.writeMessages()

	select {
	case l.accepted <- acceptResult{conn: c}:
		lg.Debug("WebSocket connection accepted", slog.String("conn_id", c.id))
	case <-r.Context().Done():
		c.Close(StatusGoingAway)
	}
}

// writeSwitchingProtocols writes the literal 101 response line and
// headers directly to the hijacked connection's buffered writer,
// since the standard [http.ResponseWriter] machinery is bypassed once
// a connection is hijacked.
func writeSwitchingProtocols(brw *bufio.ReadWriter, headers http.Header) error {
	if _, err := brw.WriteString("HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := headers.Write(brw); err != nil {
		return err
	}
	if _, err := brw.WriteString("\r\n"); err != nil {
		return err
	}
	return brw.Flush()
}

// Addr returns the listener's configured network address.
func (l *Listener) Addr() string {
	return l.addr
}

package websocket

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tzrikka/wsconn/internal/logger"
	"github.com/tzrikka/wsconn/pkg/errs"
)

// DialOpt configures a single [Dial] call, or every connection opened
// by a [Dialer].
type DialOpt func(*Conn, *dialConfig)

type dialConfig struct {
	client      *http.Client
	headers     http.Header
	subprotocol string
	tlsConfig   *tls.Config
}

var defaultClient = adjustHTTPClient(*http.DefaultClient)

// WithHTTPClient lets callers specify a custom [http.Client] to use for
// the WebSocket handshake, instead of [http.DefaultClient].
//
// Do not specify a custom timeout in the HTTP client! This will interfere with
// the long-lived WebSocket connection beyond the scope of its initial handshake.
// Instead, use [context.WithTimeout] with the [context.Context] passed to [Dial].
func WithHTTPClient(hc *http.Client) DialOpt {
	return func(_ *Conn, cfg *dialConfig) {
		cfg.client = hc
	}
}

// WithHTTPHeader adds a single HTTP header to the WebSocket handshake's
// HTTP request. Use [WithHTTPHeaders] to specify multiple ones.
func WithHTTPHeader(key, value string) DialOpt {
	return func(_ *Conn, cfg *dialConfig) {
		cfg.headers.Add(key, value)
	}
}

// WithHTTPHeaders adds multiple HTTP headers to the WebSocket
// handshake's HTTP request, instead of calling [WithHTTPHeader] repeatedly.
// It replaces any headers added by earlier options.
func WithHTTPHeaders(hs http.Header) DialOpt {
	return func(_ *Conn, cfg *dialConfig) {
		cfg.headers = hs.Clone()
	}
}

// WithSubprotocol requests a single WebSocket subprotocol by name.
func WithSubprotocol(name string) DialOpt {
	return func(_ *Conn, cfg *dialConfig) {
		cfg.subprotocol = name
	}
}

// WithFragmentSize overrides the maximum outbound frame payload before
// a message is split into continuation frames.
func WithFragmentSize(n int) DialOpt {
	return func(c *Conn, _ *dialConfig) {
		c.fragmentSize = n
	}
}

// WithMaxMessageSize overrides the maximum total size of a defragmented
// inbound message before the connection is closed with [StatusMessageTooBig].
func WithMaxMessageSize(n uint64) DialOpt {
	return func(c *Conn, _ *dialConfig) {
		c.maxMessageSize = n
	}
}

// Dialer opens one or more WebSocket connections to the same URL,
// sharing configuration (HTTP client, headers, TLS settings) across
// calls. Unlike a single [Dial] call, a [Dialer] supports issuing
// several concurrent, independently cancellable connection attempts:
// each [Dialer.Dial] call starts its own HTTP handshake goroutine-free
// (the handshake itself is synchronous) but is tracked so
// [Dialer.Close] can cancel every attempt still in flight.
//
// The field name conaios below echoes nng's dialer deliberately:
// this type plays the same role as
// nng's nni_ws_dialer, queuing independent handshake attempts against
// one configured endpoint.
type Dialer struct {
	url  string
	opts []DialOpt

	mu       sync.Mutex
	conaios  map[int]context.CancelFunc // In-flight dial attempts, keyed by sequence number.
	nextAIO  int
	closed   bool
}

// NewDialer creates a [Dialer] for the given "ws://" or "wss://" URL.
func NewDialer(wsURL string, opts ...DialOpt) *Dialer {
	return &Dialer{
		url:     wsURL,
		opts:    opts,
		conaios: map[int]context.CancelFunc{},
	}
}

// SetTLSConfig installs a [tls.Config] used for "wss://" connections
// opened by this dialer.
func (d *Dialer) SetTLSConfig(cfg *tls.Config) {
	d.opts = append(d.opts, func(_ *Conn, c *dialConfig) {
		c.tlsConfig = cfg
	})
}

// Dial performs one WebSocket handshake against the dialer's
// configured URL. Multiple concurrent calls are independent: each
// starts and completes its own handshake, the way nng queues one
// conaio per pending dial attempt.
func (d *Dialer) Dial(ctx context.Context) (*Conn, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errs.New(errs.Closed, "dialer is closed")
	}
	id := d.nextAIO
	d.nextAIO++
	ctx, cancel := context.WithCancel(ctx)
	d.conaios[id] = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.conaios, id)
		d.mu.Unlock()
	}()

	return dial(ctx, d.url, d.opts...)
}

// Close cancels every dial attempt still in flight on this dialer.
// Completed connections are unaffected.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for _, cancel := range d.conaios {
		cancel()
	}
}

// Dial performs a single [WebSocket handshake] to establish a
// connection to the given URL ("ws://..." or "wss://..."). For
// repeated or concurrent dials to the same endpoint, prefer [NewDialer].
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.1
func Dial(ctx context.Context, wsURL string, opts ...DialOpt) (*Conn, error) {
	return dial(ctx, wsURL, opts...)
}

func dial(ctx context.Context, wsURL string, opts ...DialOpt) (*Conn, error) {
	c := newConn(false, logger.FromContext(ctx))
	c.nonceGen = rand.Reader

	cfg := &dialConfig{headers: http.Header{}}
	for _, opt := range opts {
		opt(c, cfg)
	}

	if cfg.client == nil {
		cfg.client = defaultClient
	} else {
		cfg.client = adjustHTTPClient(*cfg.client)
	}
	if cfg.tlsConfig != nil {
		if t, ok := cfg.client.Transport.(*http.Transport); ok {
			t = t.Clone()
			t.TLSClientConfig = cfg.tlsConfig
			cfg.client.Transport = t
		}
	}

	// Send handshake request & check response.
	nonce, err := generateNonce(c.nonceGen)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "failed to generate nonce for WebSocket handshake")
	}
	req, err := handshakeRequest(ctx, wsURL, nonce, cfg)
	if err != nil {
		return nil, err
	}

	resp, err := cfg.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Refused, err, "failed to send WebSocket handshake request")
	}
	if err = checkHandshakeResponse(resp, nonce); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	// Post-handshake connection state initialization.
	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return nil, errs.New(errs.Proto,
			fmt.Sprintf("WebSocket handshake response body type: got %T, want io.ReadWriteCloser", resp.Body))
	}

	c.start(rwc)

	c.logger.Debug("WebSocket connection initialized")
	return c, nil
}

// adjustHTTPClient returns a modified shallow copy of the given [http.Client].
func adjustHTTPClient(c http.Client) *http.Client {
	// Wrap the HTTP client's CheckRedirect function, to convert
	// ws/wss URL schemes to http/https, respectively.
	origCheckRedirect := c.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		switch req.URL.Scheme {
		case "ws":
			req.URL.Scheme = "http"
		case "wss":
			req.URL.Scheme = "https"
		}

		if origCheckRedirect != nil {
			return origCheckRedirect(req, via)
		}
		return nil
	}

	return &c
}

// handshakeRequest implements the client request details
// in https://datatracker.ietf.org/doc/html/rfc6455#section-4.1.
func handshakeRequest(ctx context.Context, wsURL, nonce string, cfg *dialConfig) (*http.Request, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, errs.Wrap(errs.AddrInvalid, err, "failed to parse WebSocket URL")
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
		// Do nothing.
	default:
		return nil, errs.New(errs.AddrInvalid, fmt.Sprintf("unexpected WebSocket URL scheme: %q", u.Scheme))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, err, "failed to create WebSocket handshake request")
	}

	req.Header = cfg.headers.Clone()
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if cfg.subprotocol != "" {
		req.Header.Set("Sec-WebSocket-Protocol", cfg.subprotocol)
	}

	return req, nil
}

// checkHandshakeResponse checks the server response details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func checkHandshakeResponse(resp *http.Response, nonce string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		msg := fmt.Sprintf("WebSocket handshake response status: got %d, want %d", resp.StatusCode, http.StatusSwitchingProtocols)
		if len(body) > 0 {
			msg = fmt.Sprintf("%s (%s)", msg, string(body))
		}

		kind := errs.Proto
		switch resp.StatusCode {
		case http.StatusForbidden, http.StatusUnauthorized:
			kind = errs.Perm
		case http.StatusNotFound, http.StatusMethodNotAllowed:
			kind = errs.Refused
		}
		return errs.New(kind, msg)
	}

	if err := checkHTTPHeader(resp.Header, "Upgrade", "websocket"); err != nil {
		return err
	}
	if err := checkHTTPHeader(resp.Header, "Connection", "Upgrade"); err != nil {
		return err
	}

	want := expectedServerAcceptValue(nonce)
	if err := checkHTTPHeader(resp.Header, "Sec-WebSocket-Accept", want); err != nil {
		return err
	}

	return nil
}

func checkHTTPHeader(headers http.Header, key, want string) error {
	if got := headers.Get(key); !strings.EqualFold(got, want) {
		if key == "Connection" && containsWord(headers.Get(key), want) {
			return nil
		}
		return errs.New(errs.Proto, fmt.Sprintf("WebSocket handshake response header %q: got %q, want %q", key, got, want))
	}
	return nil
}

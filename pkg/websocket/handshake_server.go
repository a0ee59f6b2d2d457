package websocket

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/tzrikka/wsconn/pkg/errs"
)

// HandshakeHook lets a [Listener] inspect (and override) the outcome of
// a server-side handshake before the response is sent. It is invoked
// after this package's own validation has already produced a
// successful 101 response; returning a statusCode other than
// [http.StatusSwitchingProtocols] (and optionally extra headers)
// rejects the upgrade with that status instead. Modeled on nng's
// listener hook function (l->hookfn in websocket.c), which runs at the
// same point in the handshake for the same reason: centralized
// policy (auth, path allowlists, rate limiting) without duplicating
// RFC 6455 validation in every application.
type HandshakeHook func(r *http.Request) (statusCode int, headers http.Header)

// validateHandshakeRequest checks an incoming HTTP request against the
// server-side handshake requirements of
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1, in the
// same order nng's ws_handler performs them: HTTP version and method,
// absence of a request body, the Upgrade/Connection/Version headers,
// and the presence of a Sec-WebSocket-Key.
func validateHandshakeRequest(r *http.Request) (int, error) {
	if r.ProtoMajor != 1 || r.ProtoMinor != 1 {
		return http.StatusHTTPVersionNotSupported, errs.New(errs.Proto, "WebSocket handshake requires HTTP/1.1")
	}

	if r.Method != http.MethodGet {
		return http.StatusBadRequest, errs.New(errs.Proto, "WebSocket handshake requires a GET request")
	}

	if r.ContentLength > 0 || containsWord(r.Header.Get("Transfer-Encoding"), "chunked") {
		return http.StatusRequestEntityTooLarge, errs.New(errs.Invalid, "WebSocket handshake request must not carry a body")
	}

	if !containsWord(r.Header.Get("Upgrade"), "websocket") {
		return http.StatusBadRequest, errs.New(errs.Proto, `missing or invalid "Upgrade" header`)
	}
	if !containsWord(r.Header.Get("Connection"), "Upgrade") {
		return http.StatusBadRequest, errs.New(errs.Proto, `missing or invalid "Connection" header`)
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return http.StatusBadRequest, errs.New(errs.Proto, `unsupported "Sec-WebSocket-Version"`)
	}

	if !validHandshakeKey(r.Header.Get("Sec-WebSocket-Key")) {
		return http.StatusBadRequest, errs.New(errs.Proto, `missing or invalid "Sec-WebSocket-Key" header`)
	}

	return http.StatusSwitchingProtocols, nil
}

// validHandshakeKey reports whether key is a well-formed
// "Sec-WebSocket-Key" value: exactly 16 bytes, Base64-encoded, as
// defined in https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1.
func validHandshakeKey(key string) bool {
	key = strings.TrimSpace(key)
	if len(key) != 24 {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == 16
}

// buildHandshakeResponse constructs the success response headers for a
// server-side handshake, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2, negotiating
// a subprotocol from supported against the client's offered list, if any.
func buildHandshakeResponse(r *http.Request, supported []string) (http.Header, error) {
	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", expectedServerAcceptValue(r.Header.Get("Sec-WebSocket-Key")))

	proto, ok := negotiateSubprotocol(r.Header.Get("Sec-WebSocket-Protocol"), supported)
	if !ok {
		return nil, errs.New(errs.Proto, "none of the client's requested subprotocols are supported")
	}
	if proto != "" {
		h.Set("Sec-WebSocket-Protocol", proto)
	}

	return h, nil
}

package websocket

import (
	"crypto/sha1" //gosec:disable G505 // Required by the WebSocket protocol.
	"encoding/base64"
	"io"
	"strings"
)

var acceptGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// expectedServerAcceptValue constructs the expected value of the "Sec-WebSocket-Accept"
// header, as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func expectedServerAcceptValue(key string) string {
	h := sha1.New() //gosec:disable G401 // Required by the WebSocket protocol.
	h.Write([]byte(key))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// generateNonce generates a nonce consisting of a randomly
// selected 16-byte value that has been Base64-encoded. The
// nonce MUST be selected randomly for each connection.
func generateNonce(r io.Reader) (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// containsWord reports whether word appears as a standalone,
// case-insensitive token in a comma-and/or-space-separated list, such
// as the HTTP "Connection" header's value ("Upgrade" or "keep-alive,
// Upgrade"). Modeled on nng's ws_contains_word, which performs the same
// check on the C string form of these headers.
func containsWord(list, word string) bool {
	for _, field := range strings.Split(list, ",") {
		for _, tok := range strings.Fields(field) {
			if strings.EqualFold(tok, word) {
				return true
			}
		}
	}
	return false
}

// negotiateSubprotocol picks the first client-offered subprotocol (in
// the "Sec-WebSocket-Protocol" request header, a comma-separated list in
// preference order) that the server also supports. It returns "" if
// offered is empty and the server has no subprotocols configured. If
// offered is empty but the server requires a subprotocol, or offered is
// non-empty but none of its entries are supported, it returns false.
func negotiateSubprotocol(offered string, supported []string) (string, bool) {
	if offered == "" {
		return "", len(supported) == 0
	}
	for _, want := range strings.Split(offered, ",") {
		want = strings.TrimSpace(want)
		for _, have := range supported {
			if strings.EqualFold(want, have) {
				return have, true
			}
		}
	}
	return "", false
}

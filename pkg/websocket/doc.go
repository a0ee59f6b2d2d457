// Package websocket is a from-scratch implementation of the WebSocket
// protocol (RFC 6455), covering both sides of the handshake: [Dial] for
// clients and [NewListener] for servers.
//
// It focuses on continuous asynchronous reading of binary messages
// (text frames are rejected with [StatusUnsupportedData]), and
// enables occasional writing. Each [Conn] is driven by
// two long-lived goroutines (one per direction), with control frames
// (ping/pong/close) handled transparently and interleaved with data
// frames as RFC 6455 requires.
//
// It is designed primarily for correctness and ease of use.
// Additional design goals: reliability, maintainability, and efficiency.
//
// Note: WebSocket [extensions] are not supported. A [Dial] call requests
// at most one [subprotocol] name; a [Listener] may be configured with
// several, and picks the first one the client offers.
//
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
// [subprotocol]: https://www.iana.org/assignments/websocket/websocket.xhtml#subprotocol-name
package websocket

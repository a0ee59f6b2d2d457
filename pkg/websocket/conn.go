package websocket

import (
	"bufio"
	"io"
	"log/slog"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	wserrs "github.com/tzrikka/wsconn/pkg/errs"
)

// defaultFragmentSize is the maximum payload carried by a single
// outbound data frame before a message is split into continuation
// frames. 1 MiB, matching the fragment size nng uses for its own
// WebSocket transport.
const defaultFragmentSize = 1 << 20

// defaultMaxMessageSize is the maximum total size of a defragmented
// inbound message. Messages larger than this cause the connection to
// be closed with [StatusMessageTooBig]. 10 MiB, matching nng's default
// maximum WebSocket frame/message size.
const defaultMaxMessageSize = 10 << 20

// Conn represents the state of one established WebSocket connection,
// on either the dialer or the listener side.
type Conn struct {
	// Identifies this connection in logs; never sent on the wire.
	id string

	logger *slog.Logger

	// isServer is true for connections accepted by a [Listener], false
	// for connections opened by [Dial]. It governs masking direction:
	// a server never masks outbound frames and requires masked inbound
	// frames; a client does the opposite.
	isServer bool

	fragmentSize   int
	maxMessageSize uint64

	bufio  *bufio.ReadWriter
	closer io.ReadWriteCloser

	reader chan Message
	writer chan internalMessage
	ctrl   chan internalMessage

	// done is closed exactly once, by [Conn.teardown], to release any
	// goroutine blocked in [Conn.enqueue] and to tell [Conn.writeMessages]
	// to stop. c.writer/c.ctrl are never closed, to avoid a send-on-closed
	// panic from a concurrent [Conn.SendBinaryMessage]/[Conn.sendControlFrame] call.
	done chan struct{}

	// closed and torndown are guarded by mu. closed rejects new sends as
	// soon as a closing handshake starts; torndown gates the one-time
	// teardown side effects (closing done, closing the stream, draining
	// whatever is still queued).
	closed   bool
	torndown bool
	mu       sync.Mutex

	// No need for synchronization: value changes are possible only in
	// one direction (false to true), and are always done by a single
	// function, which is guaranteed to run in a single goroutine.
	closeReceived bool

	closeSent   bool
	closeSentMu sync.RWMutex

	// Only for the purpose of minimizing memory allocations (safely),
	// not for state management or memory sharing of any kind.
	readBuf  [8]byte
	writeBuf [8]byte
	closeBuf [maxControlPayload]byte

	// For unit-testing only.
	nonceGen io.Reader
	maskGen  io.Reader
}

// Message carries WebSocket data, reassembled from one or more
// (defragmented) data frames, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.6.
// Returned by the Go channel that is exposed by [Conn.IncomingMessages].
type Message struct {
	Opcode Opcode
	Data   []byte
}

// internalMessage is used to synchronize concurrent calls to [Conn.writeFrame].
type internalMessage struct {
	Opcode Opcode
	Data   []byte
	err    chan<- error
}

// ID returns a short, process-unique identifier for this connection,
// suitable for correlating log lines.
func (c *Conn) ID() string {
	return c.id
}

func newConn(isServer bool, logger *slog.Logger) *Conn {
	id := shortuuid.New()
	return &Conn{
		id:             id,
		logger:         logger.With(slog.String("conn_id", id)),
		isServer:       isServer,
		fragmentSize:   defaultFragmentSize,
		maxMessageSize: defaultMaxMessageSize,
	}
}

// start wires up the connection's I/O plumbing and launches its two
// driver goroutines. Called once, after a successful handshake.
func (c *Conn) start(rwc io.ReadWriteCloser) {
	c.bufio = bufio.NewReadWriter(bufio.NewReader(rwc), bufio.NewWriter(rwc))
	c.closer = rwc
	c.initChannels()

	go c.readMessages()
	go c.writeMessages()
}

// initChannels (re)creates the channels used to move messages between a
// connection's public methods and its driver goroutines.
func (c *Conn) initChannels() {
	c.reader = make(chan Message)
	c.writer = make(chan internalMessage)
	c.ctrl = make(chan internalMessage, 4)
	c.done = make(chan struct{})
}

// IncomingMessages returns the connection's channel that publishes
// data [Message]s as they are received from the peer. The channel is
// closed once the connection is torn down.
func (c *Conn) IncomingMessages() <-chan Message {
	return c.reader
}

// readMessages runs as a [Conn] goroutine, to call [Conn.readMessage]
// continuously, in order to process control and data frames, and
// publish data [Message]s to the connection's subscribers.
func (c *Conn) readMessages() {
	msg := c.readMessage()
	for msg != nil {
		c.reader <- Message{Opcode: msg.Opcode, Data: msg.Data}
		msg = c.readMessage()
	}
	close(c.reader)
}

// writeMessages runs as a [Conn] goroutine, to serialize concurrent
// calls to [Conn.writeFrame]/[Conn.writeFragmented]. Control frames
// queued on c.ctrl are always preferred over data frames queued on
// c.writer, so a ping/pong/close is never stuck behind a large message.
// It exits once [Conn.dispatchWrite] reports a fatal write or the
// connection's closing handshake has completed.
func (c *Conn) writeMessages() {
	for {
		select {
		case msg := <-c.ctrl:
			if c.dispatchWrite(msg) {
				return
			}
			continue
		case <-c.done:
			return
		default:
		}

		select {
		case msg := <-c.ctrl:
			if c.dispatchWrite(msg) {
				return
			}
		case msg := <-c.writer:
			if c.dispatchWrite(msg) {
				return
			}
		case <-c.done:
			return
		}
	}
}

// dispatchWrite writes a single queued message to the peer and reports
// the outcome on msg.err. It returns true when the writer goroutine must
// stop: either the write itself failed, or msg was the close frame that
// completes this side of the closing handshake.
func (c *Conn) dispatchWrite(msg internalMessage) bool {
	var err error
	if msg.Opcode == OpcodeBinary {
		err = c.writeFragmented(msg.Opcode, msg.Data)
	} else {
		err = c.writeFrame(msg.Opcode, msg.Data)
	}
	msg.err <- err
	// The message's error channel can be used at most once.
	close(msg.err)

	if err != nil {
		c.logger.Error("tearing down WebSocket connection after write failure", slog.Any("error", err))
		c.teardown()
		return true
	}
	if msg.Opcode == opcodeClose {
		c.teardown()
		return true
	}
	return false
}

// enqueue queues msg on ch for [Conn.writeMessages] to send, unless the
// connection is already closed, in which case msg fails immediately with
// [wserrs.Closed] instead of blocking on a channel nobody drains anymore.
func (c *Conn) enqueue(ch chan<- internalMessage, msg internalMessage) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		msg.err <- wserrs.New(wserrs.Closed, "connection is closed")
		return
	}

	select {
	case ch <- msg:
	case <-c.done:
		msg.err <- wserrs.New(wserrs.Closed, "connection is closed")
	}
}

// teardown runs exactly once per connection. It rejects any further
// queued sends, releases goroutines blocked in [Conn.enqueue], closes the
// underlying stream, and fails whatever is still queued on c.writer/c.ctrl.
func (c *Conn) teardown() {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	c.torndown = true
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	_ = c.closer.Close()
	c.drainQueued()
}

// drainQueued fails every message already waiting on c.writer/c.ctrl with
// [wserrs.Closed]. It only needs to catch messages enqueued before c.done
// closed; anything enqueued after resolves through [Conn.enqueue]'s own
// c.done case.
func (c *Conn) drainQueued() {
	for {
		select {
		case msg := <-c.ctrl:
			failQueued(msg)
		case msg := <-c.writer:
			failQueued(msg)
		default:
			return
		}
	}
}

func failQueued(msg internalMessage) {
	msg.err <- wserrs.New(wserrs.Closed, "connection is closed")
	close(msg.err)
}

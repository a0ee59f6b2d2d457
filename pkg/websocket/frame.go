package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/tzrikka/wsconn/pkg/errs"
)

// Opcode denotes the type of a WebSocket frame, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2 and
// https://datatracker.ietf.org/doc/html/rfc6455#section-11.8.
type Opcode int

const (
	opcodeContinuation Opcode = iota
	OpcodeText
	OpcodeBinary
	// 3-7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	opcodeClose
	opcodePing
	opcodePong
	// 11-15 are reserved for further control frames.
)

// String returns the opcode's name, or its number if it's unrecognized.
func (o Opcode) String() string {
	switch o {
	case opcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case opcodeClose:
		return "close"
	case opcodePing:
		return "ping"
	case opcodePong:
		return "pong"
	default:
		return strconv.Itoa(int(o))
	}
}

// Frame parsing/construction constants, as defined in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2.
const (
	bit0     = 0x80
	bit1     = 0x40
	bit2     = 0x20
	bit3     = 0x10
	bits1to7 = 0x7f
	bits4to7 = 0x0f

	len7bits  = 125 // Payload length of up to 125 bytes.
	len16bits = 126 // Extended payload length of up to 64 KiB.
	len64bits = 127 // Extended payload length of up to 16 EiB.
)

// frameHeader is based on https://datatracker.ietf.org/doc/html/rfc6455#section-5.2,
// excluding the masking key and payload data.
type frameHeader struct {
	// Bit 0: Indicates that this is the final fragment in a message.
	// The first fragment MAY also be the final fragment.
	fin bool
	// Bits 1-3: Reserved.
	rsv [3]bool
	// Bits 4-7: Defines the interpretation of the "Payload data".
	opcode Opcode
	// Bit 8: Defines whether the "Payload data" is masked. All frames sent
	// from client to server have this bit set to 1; a server MUST NOT mask
	// any frame it sends to the client.
	mask bool
	// Bits 9-15 + 0 or 2 or 8 bytes: The length of the "Payload data", in bytes: if
	// 0-125, that is the payload length. If 126, the following 2 bytes interpreted as
	// a 16-bit unsigned integer are the payload length. If 127, the following 8 bytes
	// interpreted as a 64-bit unsigned integer (the most significant bit MUST be 0) are
	// the payload length. Multibyte length quantities are expressed in network byte
	// order. Note that in all cases, the minimal number of bytes MUST be used to encode
	// the length, for example, the length of a 124-byte-long string can't be encoded as
	// the sequence 126, 0, 124.
	payloadLength uint64
}

// readFrameHeader reads a frame received from the peer, except for the
// masking key and payload. It blocks until such a frame exists.
//
// It is based on:
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Receiving data: https://datatracker.ietf.org/doc/html/rfc6455#section-6.2
func (c *Conn) readFrameHeader() (frameHeader, error) {
	h := frameHeader{}

	// (Wait for and) read the first byte.
	b, err := c.bufio.ReadByte()
	if err != nil {
		return h, fmt.Errorf("failed to read first byte of incoming WebSocket frame: %w", err)
	}

	h.fin = (b & bit0) != 0
	h.rsv[0] = (b & bit1) != 0
	h.rsv[1] = (b & bit2) != 0
	h.rsv[2] = (b & bit3) != 0
	h.opcode = Opcode(b & bits4to7)

	// Read the second byte.
	b, err = c.bufio.ReadByte()
	if err != nil {
		return h, fmt.Errorf("failed to read second byte of incoming WebSocket frame: %w", err)
	}

	h.mask = (b & bit0) != 0

	b &= bits1to7
	switch {
	case b <= len7bits:
		h.payloadLength = uint64(b)
	case b == len16bits:
		_, err = io.ReadFull(c.bufio, c.readBuf[:2])
		h.payloadLength = uint64(binary.BigEndian.Uint16(c.readBuf[:2]))
	case b == len64bits:
		_, err = io.ReadFull(c.bufio, c.readBuf[:8])
		h.payloadLength = binary.BigEndian.Uint64(c.readBuf[:8])
	}
	if err != nil {
		return h, fmt.Errorf("failed to read payload length of incoming WebSocket frame: %w", err)
	}

	return h, nil
}

// maxControlPayload is the maximum length of a control frame payload,
// as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.5.
const (
	maxControlPayload = 125
)

// checkFrameHeader checks if the connection needs to be closed, in case the
// peer sent an invalid frame. If so, it also returns the [StatusCode] that
// should accompany the close, and a human-readable reason.
//
// It is based on:
//   - Overview: https://datatracker.ietf.org/doc/html/rfc6455#section-5.1
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Control frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
func (c *Conn) checkFrameHeader(h frameHeader, msgType Opcode) (StatusCode, string, error) {
	// "Reserved bits MUST be 0 unless an extension is negotiated that defines
	// meanings for non-zero values. If a nonzero value is received and none of
	// the negotiated extensions defines the meaning of such a nonzero value,
	// the receiving endpoint MUST _Fail the WebSocket Connection_".
	if h.rsv[0] || h.rsv[1] || h.rsv[2] {
		reason := "invalid reserved bits"
		return StatusProtocolError, reason, protoErr(reason)
	}

	// "If an unknown opcode is received, the receiving
	// endpoint MUST _Fail the WebSocket Connection_".
	if (h.opcode > 2 && h.opcode < 8) || h.opcode > 10 {
		reason := fmt.Sprintf("unknown opcode %d", h.opcode)
		return StatusProtocolError, reason, protoErr(reason)
	}

	// Text frames are not a supported message type on this connection;
	// an endpoint that only understands one data type MAY reject the
	// other, per https://datatracker.ietf.org/doc/html/rfc6455#section-7.4.1.
	if h.opcode == OpcodeText {
		reason := "text frames are not supported"
		return StatusUnsupportedData, reason, frameErr(StatusUnsupportedData, reason)
	}

	// "A fragmented message consists of a single frame with the FIN bit
	// clear and an opcode other than 0, followed by zero or more frames
	// with the FIN bit clear and the opcode set to 0, and terminated by
	// a single frame with the FIN bit set and an opcode of 0".
	if h.opcode == opcodeContinuation && msgType == opcodeContinuation {
		reason := "continuation frame with nothing to continue"
		return StatusProtocolError, reason, protoErr(reason)
	}
	if h.opcode == OpcodeBinary && msgType != opcodeContinuation {
		reason := "continuation frame with non-continuation opcode"
		return StatusProtocolError, reason, protoErr(reason)
	}

	// "All control frames MUST have a payload length of
	// 125 bytes or less and MUST NOT be fragmented".
	if h.opcode > 7 {
		if h.payloadLength > maxControlPayload {
			reason := "control frame payload too large"
			return StatusProtocolError, reason, protoErr(
				fmt.Sprintf("WebSocket control frame (opcode %d) too large: %d bytes", h.opcode, h.payloadLength))
		}
		if !h.fin {
			reason := "control frame must not be fragmented"
			return StatusProtocolError, reason, protoErr(
				fmt.Sprintf("WebSocket control frame (opcode %d) must not be fragmented", h.opcode))
		}
	}

	// "A server MUST NOT mask any frame that it sends to the client" and,
	// symmetrically, "a client MUST mask all frames that it sends to the
	// server". Each side rejects the opposite rule violation.
	if c.isServer && !h.mask {
		reason := "client payloads must be masked"
		return StatusProtocolError, reason, protoErr("WebSocket client sent an unmasked frame")
	}
	if !c.isServer && h.mask {
		reason := "server payloads must not be masked"
		return StatusProtocolError, reason, protoErr("WebSocket server masked the payload data")
	}

	return 0, "", nil
}

// frameErr constructs an [errs.Error] of kind [errs.Proto], tagged with
// the close status code that accompanies a frame-level violation.
func frameErr(status StatusCode, msg string) *errs.Error {
	return errs.New(errs.Proto, "peer sent "+msg).WithStatus(uint16(status))
}

// protoErr is [frameErr] for the common case of a plain protocol
// violation, closed with [StatusProtocolError].
func protoErr(msg string) *errs.Error {
	return frameErr(StatusProtocolError, msg)
}

// writeFrame sends a single, unfragmented frame. It masks the payload
// when this connection is a dialer (client), and leaves it unmasked
// when this connection is a listener (server), per
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.3.
//
// Do not call this function directly for data frames larger than the
// connection's fragment size: call [Conn.writeFragmented] instead.
//
// It is based on:
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Sending data: https://datatracker.ietf.org/doc/html/rfc6455#section-6.1
func (c *Conn) writeFrame(op Opcode, payload []byte) error {
	return c.writeFrameFin(op, payload, true)
}

func (c *Conn) writeFrameFin(op Opcode, payload []byte, fin bool) error {
	b := byte(op)
	if fin {
		b |= bit0
	}
	if err := c.bufio.WriteByte(b); err != nil {
		return fmt.Errorf("failed to write WebSocket frame header: %w", err)
	}

	if err := c.writePayloadLength(len(payload)); err != nil {
		return fmt.Errorf("failed to write WebSocket frame header: %w", err)
	}

	if !c.isServer {
		// Generate a random client masking key.
		maskSrc := c.maskGen
		if maskSrc == nil {
			maskSrc = rand.Reader
		}
		if _, err := io.ReadFull(maskSrc, c.writeBuf[:4]); err != nil {
			return fmt.Errorf("failed to generate masking key for WebSocket client frame: %w", err)
		}

		if _, err := c.bufio.Write(c.writeBuf[:4]); err != nil {
			return fmt.Errorf("failed to write WebSocket frame masking key: %w", err)
		}

		if len(payload) > 0 {
			c.mask(payload)
			defer c.mask(payload) // Undo the masking before returning.
		}
	}

	if len(payload) > 0 {
		if _, err := c.bufio.Write(payload); err != nil {
			return fmt.Errorf("failed to write WebSocket frame payload: %w", err)
		}
	}

	if err := c.bufio.Flush(); err != nil {
		return fmt.Errorf("failed to flush after writing WebSocket frame: %w", err)
	}

	return nil
}

// writeFragmented sends a data message, splitting it into continuation
// frames of at most c.fragmentSize bytes each, as described in
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.4. A message
// with no payload still results in exactly one (empty, FIN) frame.
func (c *Conn) writeFragmented(op Opcode, payload []byte) error {
	if len(payload) <= c.fragmentSize {
		return c.writeFrame(op, payload)
	}

	for i := 0; i < len(payload); i += c.fragmentSize {
		end := min(i+c.fragmentSize, len(payload))
		fin := end == len(payload)

		frameOp := op
		if i > 0 {
			frameOp = opcodeContinuation
		}

		if err := c.writeFrameFin(frameOp, payload[i:end], fin); err != nil {
			return err
		}
	}

	return nil
}

// writePayloadLength implements the payload length formatting which is
// defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.2.
func (c *Conn) writePayloadLength(n int) error {
	var maskBit byte
	if !c.isServer {
		maskBit = bit0
	}

	switch {
	// Up to 125 bytes (0 extra bytes).
	case n <= maxControlPayload:
		return c.bufio.WriteByte(maskBit | byte(n))

	// Up to 64 KiB (2 extra bytes).
	case n <= math.MaxUint16:
		if err := c.bufio.WriteByte(maskBit | len16bits); err != nil {
			return err
		}
		binary.BigEndian.PutUint16(c.writeBuf[:2], uint16(n)) //gosec:disable G115 -- value checked before cast
		_, err := c.bufio.Write(c.writeBuf[:2])
		return err

	// Up to 16 EiB (8 extra bytes).
	default:
		if err := c.bufio.WriteByte(maskBit | len64bits); err != nil {
			return err
		}
		binary.BigEndian.PutUint64(c.writeBuf[:8], uint64(n)) //gosec:disable G115 -- value checked before cast
		_, err := c.bufio.Write(c.writeBuf[:8])
		return err
	}
}

// mask implements https://datatracker.ietf.org/doc/html/rfc6455#section-5.3.
// Notice that it changes the input slice in-place! However, this function
// is its own inverse: applying it twice on the same payload
// results in the original unmasked payload.
func (c *Conn) mask(payload []byte) {
	for i := range payload {
		payload[i] ^= c.writeBuf[i&3]
	}
}

// readMaskKey reads and strips the 4-byte masking key that precedes a
// frame's payload when this connection is a listener (server), since
// the client is required to mask every frame it sends.
func (c *Conn) readMaskKey() error {
	_, err := io.ReadFull(c.bufio, c.readBuf[:4])
	return err
}

// unmaskPayload XORs payload in place with the 4-byte key most recently
// read by [Conn.readMaskKey].
func (c *Conn) unmaskPayload(payload []byte) {
	for i := range payload {
		payload[i] ^= c.readBuf[i&3]
	}
}

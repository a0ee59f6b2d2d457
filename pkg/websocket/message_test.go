package websocket

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"
)

type benchmark struct {
	name      string
	msgLen    int
	bufLen    int
	frameLens []int
	frames    int
}

func BenchmarkReadMessage(b *testing.B) {
	benchmarks := []benchmark{
		{
			name:      "one_125b_frame",
			msgLen:    125,
			bufLen:    2 + 125,
			frameLens: []int{125},
			frames:    1,
		},
		{
			name:      "one_126b_frame",
			msgLen:    126,
			bufLen:    2 + 2 + 126,
			frameLens: []int{len16bits, 126},
			frames:    1,
		},
		{
			name:      "one_250b_frame",
			msgLen:    250,
			bufLen:    2 + 2 + 250,
			frameLens: []int{len16bits, 250},
			frames:    1,
		},
		{
			name:      "one_32k_frame",
			msgLen:    32768,
			bufLen:    2 + 2 + 32768,
			frameLens: []int{len16bits, 32768},
			frames:    1,
		},
		{
			name:      "one_64k-1_frame",
			msgLen:    65535,
			bufLen:    2 + 2 + 65535,
			frameLens: []int{len16bits, 65535},
			frames:    1,
		},
		{
			name:      "one_64k_frame",
			msgLen:    65536,
			bufLen:    2 + 8 + 65536,
			frameLens: []int{len64bits, 65536},
			frames:    1,
		},
		{
			name:      "one_128k_frame",
			msgLen:    131072,
			bufLen:    2 + 8 + 131072,
			frameLens: []int{len64bits, 131072},
			frames:    1,
		},
		{
			name:      "two_125b_frames",
			msgLen:    125 * 2,
			bufLen:    (2 + 125) * 2,
			frameLens: []int{125},
			frames:    2,
		},
		{
			name:      "two_32k_frames",
			msgLen:    32768 * 2,
			bufLen:    (2 + 2 + 32768) * 2,
			frameLens: []int{len16bits, 32768},
			frames:    2,
		},
		{
			name:      "two_64k_frames",
			msgLen:    65536 * 2,
			bufLen:    (2 + 8 + 65536) * 2,
			frameLens: []int{len64bits, 65536},
			frames:    2,
		},
	}

	c := &Conn{logger: testLogger(), maxMessageSize: defaultMaxMessageSize}

	for _, bb := range benchmarks {
		b.Run(bb.name, func(b *testing.B) {
			f := constructBenchmarkFrame(b, bb)
			for b.Loop() {
				c.bufio = bufio.NewReadWriter(bufio.NewReader(bytes.NewReader(f)), nil)
				msg := c.readMessage()
				if n := len(msg.Data); n != bb.msgLen {
					b.Fatalf("len(msg): got %d, want %d", n, bb.msgLen)
				}
			}
		})
	}
}

func constructBenchmarkFrame(b *testing.B, bb benchmark) []byte {
	b.Helper()

	frame := make([]byte, bb.bufLen)
	i := 0
	if bb.frames == 1 {
		frame[i] = 0x82 // Binary data with FIN.
	} else if i == 0 {
		frame[i] = 0x02 // Binary data without FIN.
	}
	frame[i+1] = byte(bb.frameLens[0])
	i += 2

	switch bb.frameLens[0] {
	case len16bits:
		binary.BigEndian.PutUint16(frame[i:i+2], uint16(bb.frameLens[1])) //gosec:disable G115 -- value checked before cast
		_, _ = io.ReadFull(rand.Reader, frame[i+2:])
		i += 2 + bb.frameLens[1]
	case len64bits:
		binary.BigEndian.PutUint64(frame[i:i+8], uint64(bb.frameLens[1])) //gosec:disable G115 -- value checked before cast
		_, _ = io.ReadFull(rand.Reader, frame[i+8:])
		i += 8 + bb.frameLens[1]
	default: // Up to 125 bytes.
		_, _ = io.ReadFull(rand.Reader, frame[i:])
		i += bb.frameLens[0]
	}

	if bb.frames == 1 {
		return frame
	}

	frame[i] = 0x80 // Continuation with FIN.
	frame[i+1] = byte(bb.frameLens[0])
	i += 2

	switch bb.frameLens[0] {
	case len16bits:
		binary.BigEndian.PutUint16(frame[i:i+2], uint16(bb.frameLens[1])) //gosec:disable G115 -- value checked before cast
	case len64bits:
		binary.BigEndian.PutUint64(frame[i:i+8], uint64(bb.frameLens[1])) //gosec:disable G115 -- value checked before cast
	}

	return frame
}

func TestFinalizeMessage(t *testing.T) {
	c := &Conn{logger: testLogger()}

	if msg := c.finalizeMessage(OpcodeBinary, []byte("hello")); msg == nil || string(msg.Data) != "hello" {
		t.Errorf("Conn.finalizeMessage() = %v, want Data %q", msg, "hello")
	}

	if msg := c.finalizeMessage(OpcodeBinary, nil); msg == nil || len(msg.Data) != 0 {
		t.Errorf("Conn.finalizeMessage() with nil data = %v, want empty Data", msg)
	}
}

func TestReadMessageDefragments(t *testing.T) {
	in := new(bytes.Buffer)
	in.Write([]byte{0x02, 0x03, 'f', 'o', 'o'})     // First fragment, binary, no FIN.
	in.Write([]byte{0x80, 0x03, 'b', 'a', 'r'})     // Continuation, FIN.

	c := &Conn{
		logger:         testLogger(),
		maxMessageSize: defaultMaxMessageSize,
		bufio:          bufio.NewReadWriter(bufio.NewReader(in), nil),
	}

	msg := c.readMessage()
	if msg == nil {
		t.Fatal("Conn.readMessage() = nil, want a defragmented message")
	}
	if got := string(msg.Data); got != "foobar" {
		t.Errorf("Conn.readMessage().Data = %q, want %q", got, "foobar")
	}
}

func TestReadMessageTooBig(t *testing.T) {
	in := new(bytes.Buffer)
	in.Write([]byte{0x82, 126, 0, 10}) // Binary frame, FIN, 10-byte payload.
	in.Write(make([]byte, 10))

	w := new(bytes.Buffer)
	c := &Conn{
		logger:         testLogger(),
		maxMessageSize: 5,
		bufio:          bufio.NewReadWriter(bufio.NewReader(in), bufio.NewWriter(w)),
		ctrl:           make(chan internalMessage, 4),
	}
	go func() {
		for m := range c.ctrl {
			m.err <- nil
			close(m.err)
		}
	}()

	if msg := c.readMessage(); msg != nil {
		t.Errorf("Conn.readMessage() = %v, want nil after exceeding max message size", msg)
	}
}

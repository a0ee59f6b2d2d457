package websocket

import "testing"

func TestParseClosePayload(t *testing.T) {
	c := &Conn{logger: testLogger()}

	tests := []struct {
		name       string
		payload    []byte
		wantStatus StatusCode
		wantReason string
	}{
		{
			name:       "empty",
			payload:    nil,
			wantStatus: StatusNormalClosure,
		},
		{
			name:       "single_byte",
			payload:    []byte{0x01},
			wantStatus: StatusProtocolError,
		},
		{
			name:       "status_only",
			payload:    []byte{0x03, 0xe8}, // 1000
			wantStatus: StatusNormalClosure,
		},
		{
			name:       "status_and_reason",
			payload:    append([]byte{0x03, 0xe9}, []byte("bye")...), // 1001
			wantStatus: StatusGoingAway,
			wantReason: "bye",
		},
		{
			name:       "invalid_utf8_reason",
			payload:    append([]byte{0x03, 0xe8}, 0xff, 0xfe),
			wantStatus: StatusInvalidData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reason := c.parseClosePayload(tt.payload)
			if status != tt.wantStatus {
				t.Errorf("Conn.parseClosePayload() status = %v, want %v", status, tt.wantStatus)
			}
			if reason != tt.wantReason {
				t.Errorf("Conn.parseClosePayload() reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestCheckClosePayload(t *testing.T) {
	longReason := string(make([]byte, maxCloseReason+10))
	truncatedReason := string(make([]byte, maxCloseReason))

	tests := []struct {
		name       string
		status     StatusCode
		reason     string
		wantStatus StatusCode
		wantReason string
	}{
		{
			name:       "valid",
			status:     StatusNormalClosure,
			reason:     "done",
			wantStatus: StatusNormalClosure,
			wantReason: "done",
		},
		{
			name:       "below_range",
			status:     999,
			wantStatus: StatusProtocolError,
		},
		{
			name:       "reserved_1004",
			status:     1004,
			wantStatus: StatusProtocolError,
		},
		{
			name:       "status_not_received",
			status:     StatusNotReceived,
			wantStatus: StatusProtocolError,
		},
		{
			name:       "above_range_below_3000",
			status:     StatusTLSHandshake + 1,
			wantStatus: StatusProtocolError,
		},
		{
			name:       "library_reserved_range_ok",
			status:     3000,
			wantStatus: 3000,
		},
		{
			name:       "reason_truncated",
			status:     StatusNormalClosure,
			reason:     longReason,
			wantStatus: StatusNormalClosure,
			wantReason: truncatedReason,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reason := checkClosePayload(tt.status, tt.reason)
			if status != tt.wantStatus {
				t.Errorf("checkClosePayload() status = %v, want %v", status, tt.wantStatus)
			}
			if reason != tt.wantReason {
				t.Errorf("checkClosePayload() reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestStatusCodeString(t *testing.T) {
	if got := StatusNormalClosure.String(); got != "normal closure" {
		t.Errorf("StatusNormalClosure.String() = %q, want %q", got, "normal closure")
	}
	if got := StatusCode(4999).String(); got != "4999" {
		t.Errorf("StatusCode(4999).String() = %q, want %q", got, "4999")
	}
}

func TestIsClosedIsClosing(t *testing.T) {
	c := &Conn{logger: testLogger()}

	if c.IsClosed() || c.IsClosing() {
		t.Fatal("fresh Conn reports as closed or closing")
	}

	c.closeReceived = true
	if !c.IsClosing() {
		t.Error("Conn.IsClosing() = false after closeReceived, want true")
	}
	if c.IsClosed() {
		t.Error("Conn.IsClosed() = true before a close was sent")
	}

	c.closeSentMu.Lock()
	c.closeSent = true
	c.closeSentMu.Unlock()

	if !c.IsClosed() {
		t.Error("Conn.IsClosed() = false after closeSent, want true")
	}
}

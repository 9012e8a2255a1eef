package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeWireShape(t *testing.T) {
	t.Run("call_request has no call_id", func(t *testing.T) {
		b, err := Encode(CallRequest("user42", CallVideo))
		if err != nil {
			t.Fatal(err)
		}
		var raw map[string]any
		if err := json.Unmarshal(b, &raw); err != nil {
			t.Fatal(err)
		}
		if raw["type"] != "call_request" || raw["callee_id"] != "user42" || raw["call_type"] != "video" {
			t.Fatalf("unexpected frame: %s", b)
		}
		if _, ok := raw["call_id"]; ok {
			t.Fatalf("call_request must not carry call_id: %s", b)
		}
	})

	t.Run("call_response", func(t *testing.T) {
		b, err := Encode(CallResponse("c1", ActionReject))
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != `{"type":"call_response","call_id":"c1","action":"reject"}` {
			t.Fatalf("unexpected frame: %s", b)
		}
	})

	t.Run("offer nests an RTCSessionDescriptionInit", func(t *testing.T) {
		b, err := Encode(Offer("c1", SessionDescription{Type: "offer", SDP: "v=0"}))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(b), `"offer":{"type":"offer","sdp":"v=0"}`) {
			t.Fatalf("unexpected frame: %s", b)
		}
	})
}

func TestDecode(t *testing.T) {
	t.Run("incoming_call", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"incoming_call","call_id":"c1","call_type":"audio","caller_id":"u9"}`))
		if err != nil {
			t.Fatal(err)
		}
		if m.Type != TypeIncomingCall || m.CallID != "c1" || m.CallerID != "u9" || m.CallType != CallAudio {
			t.Fatalf("unexpected message: %+v", m)
		}
	})

	t.Run("browser ICE candidate", func(t *testing.T) {
		m, err := Decode([]byte(`{"type":"ice_candidate","call_id":"c1","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`))
		if err != nil {
			t.Fatal(err)
		}
		if m.Candidate == nil || m.Candidate.SDPMid == nil || *m.Candidate.SDPMid != "0" {
			t.Fatalf("candidate not decoded: %+v", m.Candidate)
		}
		if m.Candidate.SDPMLineIndex == nil || *m.Candidate.SDPMLineIndex != 0 {
			t.Fatalf("sdpMLineIndex not decoded: %+v", m.Candidate)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := Decode([]byte(`{"type":"hello"}`))
		if !errors.Is(err, ErrUnknownType) {
			t.Fatalf("expected ErrUnknownType, got %v", err)
		}
	})

	t.Run("missing fields", func(t *testing.T) {
		cases := []string{
			`{"type":"call_request","call_type":"video"}`,
			`{"type":"call_request","callee_id":"x","call_type":"hologram"}`,
			`{"type":"call_response","call_id":"c1","action":"maybe"}`,
			`{"type":"offer","call_id":"c1"}`,
			`{"type":"end_call"}`,
		}
		for _, c := range cases {
			if _, err := Decode([]byte(c)); err == nil {
				t.Errorf("expected error for %s", c)
			}
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		if _, err := Decode([]byte(`{"type":`)); err == nil {
			t.Fatal("expected error")
		}
	})
}

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

func TestEnvelopeRequestAndReply(t *testing.T) {
	req, err := NewEnvelope(ActionCommandInsert, "req-1", map[string]any{
		"deviceGuid": "e50d6085-2aba-48e9-b1c3-73c673e414be",
		"command":    device.Command{Name: "set", Parameters: map[string]any{"on": true}},
	})
	if err != nil {
		t.Fatalf("NewEnvelope() error = %v", err)
	}
	data, err := req.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if parsed.Action() != ActionCommandInsert || parsed.RequestID() != "req-1" {
		t.Errorf("parsed = (%q, %q), want (%q, req-1)", parsed.Action(), parsed.RequestID(), ActionCommandInsert)
	}
	var cmd device.Command
	if ok, err := parsed.Decode("command", &cmd); !ok || err != nil {
		t.Fatalf("Decode(command) = %v, %v", ok, err)
	}
	if cmd.Name != "set" {
		t.Errorf("command name = %q, want set", cmd.Name)
	}

	reply, err := parsed.Reply(map[string]any{"command": device.Command{ID: 5}})
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if reply.Status() != StatusSuccess || reply.RequestID() != "req-1" || reply.Action() != ActionCommandInsert {
		t.Errorf("reply = %v", reply)
	}

	fail := parsed.ReplyError("device not found")
	if fail.Status() != StatusError || fail.Err() != "device not found" {
		t.Errorf("error reply = %v", fail)
	}
}

func TestEnvelopeMissingFields(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"action":"notification/insert","subscriptionId":null}`))
	if err != nil {
		t.Fatalf("ParseEnvelope() error = %v", err)
	}
	if env.RequestID() != "" {
		t.Errorf("RequestID() = %q, want empty", env.RequestID())
	}
	if env.Has("subscriptionId") {
		t.Error("Has(subscriptionId) = true for null")
	}
	var v any
	if ok, err := env.Decode("notification", &v); ok || err != nil {
		t.Errorf("Decode(notification) = %v, %v, want false, nil", ok, err)
	}
}

func TestParseEnvelopeErrors(t *testing.T) {
	for _, in := range []string{``, `[1,2]`, `null`, `{"action":`} {
		if _, err := ParseEnvelope([]byte(in)); err == nil {
			t.Errorf("ParseEnvelope(%q) error = nil", in)
		}
	}
}

func TestDeviceNotificationJSON(t *testing.T) {
	ts := time.Date(2026, 10, 19, 8, 30, 15, 123456000, time.UTC)
	in := DeviceNotification{
		SubscriptionID: "sub-1",
		DeviceGUID:     "e50d6085-2aba-48e9-b1c3-73c673e414be",
		Notification:   &device.Notification{ID: 3, Timestamp: ts, Name: "temp"},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out DeviceNotification
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !out.Timestamp().Equal(ts) || out.Notification.Name != "temp" || out.SubscriptionID != "sub-1" {
		t.Errorf("round trip = %+v", out)
	}

	var empty *DeviceCommand
	if !empty.Timestamp().IsZero() {
		t.Error("nil DeviceCommand Timestamp() is not zero")
	}
}

package mqtt

import "testing"

const testDevice = "e50d6085-2aba-48e9-b1c3-73c673e414be"

func TestTopicBuilders(t *testing.T) {
	topics := NewTopics("hivehub")

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Status", topics.Status(), "hivehub/status"},
		{"Notification", topics.Notification(testDevice), "hivehub/device/" + testDevice + "/notification"},
		{"Command", topics.Command(testDevice), "hivehub/device/" + testDevice + "/command"},
		{"CommandUpdate", topics.CommandUpdate(testDevice), "hivehub/device/" + testDevice + "/command/update"},
		{"CommandInsert", topics.CommandInsert(testDevice), "hivehub/device/" + testDevice + "/command/insert"},
		{"AllCommandInserts", topics.AllCommandInserts(), "hivehub/device/+/command/insert"},
		{"AllNotifications", topics.AllNotifications(), "hivehub/device/+/notification"},
		{"AllTopics", topics.AllTopics(), "hivehub/#"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestNewTopics_Prefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", DefaultTopicPrefix},
		{"site-a/hub", "site-a/hub"},
		{"/trimmed/", "trimmed"},
	}
	for _, tt := range tests {
		if got := NewTopics(tt.prefix).Prefix(); got != tt.want {
			t.Errorf("NewTopics(%q).Prefix() = %q, want %q", tt.prefix, got, tt.want)
		}
	}

	if got := (Topics{}).Status(); got != "hivehub/status" {
		t.Errorf("zero Topics Status() = %q, want hivehub/status", got)
	}
}

func TestTopicsDeviceID(t *testing.T) {
	topics := NewTopics("hivehub")

	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"hivehub/device/" + testDevice + "/command/insert", testDevice, true},
		{"hivehub/device/" + testDevice, testDevice, true},
		{"hivehub/device/+/command/insert", "", false},
		{"hivehub/device//command", "", false},
		{"hivehub/status", "", false},
		{"other/device/" + testDevice + "/command/insert", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := topics.DeviceID(tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("DeviceID(%q) = %q, %v, want %q, %v", tt.topic, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

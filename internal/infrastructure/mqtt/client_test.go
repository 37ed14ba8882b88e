package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/hivehub/internal/infrastructure/config"
)

// testConfig returns an MQTT configuration that needs no broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "hivehub-test",
		},
		QoS:         1,
		TopicPrefix: "hivehub",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 2,
			MaxDelay:     30,
		},
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() should be false for uninitialised client")
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{}

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", nil, 1, ErrInvalidTopic},
		{"invalid qos", "hivehub/x", nil, 3, ErrInvalidQoS},
		{"payload too large", "hivehub/x", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"disconnected", "hivehub/x", []byte("{}"), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 1, handler, ErrInvalidTopic},
		{"invalid qos", "hivehub/#", 3, handler, ErrInvalidQoS},
		{"nil handler", "hivehub/#", 1, nil, ErrSubscribeFailed},
		{"disconnected", "hivehub/#", 1, handler, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after failed subscribes", client.SubscriptionCount())
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "hivehub-test" {
		t.Errorf("ClientID = %q, want hivehub-test", opts.ClientID)
	}
	if opts.ConnectRetryInterval != 2*time.Second {
		t.Errorf("ConnectRetryInterval = %v, want 2s", opts.ConnectRetryInterval)
	}
	if opts.MaxReconnectInterval != 30*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 30s", opts.MaxReconnectInterval)
	}

	cfg.Broker.TLS = true
	cfg.Broker.ClientID = ""
	cfg.Auth = config.MQTTAuthConfig{Username: "hub", Password: "secret"}
	cfg.Reconnect = config.MQTTReconnectConfig{}
	opts = buildClientOptions(cfg)

	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Errorf("TLSConfig = %+v, want minimum version TLS 1.2", opts.TLSConfig)
	}
	if opts.ClientID != "hivehub" {
		t.Errorf("default ClientID = %q, want hivehub", opts.ClientID)
	}
	if opts.Username != "hub" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want hub/secret", opts.Username, opts.Password)
	}
	if opts.ConnectRetryInterval != time.Second || opts.MaxReconnectInterval != time.Minute {
		t.Errorf("default reconnect = %v..%v, want 1s..1m", opts.ConnectRetryInterval, opts.MaxReconnectInterval)
	}
}

func TestSetLastWill(t *testing.T) {
	opts := buildClientOptions(testConfig())
	setLastWill(opts, NewTopics("site"), "hub-1")

	if !opts.WillEnabled || opts.WillTopic != "site/status" || !opts.WillRetained {
		t.Errorf("will = enabled %v topic %q retained %v, want retained site/status",
			opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}

	var payload map[string]string
	if err := json.Unmarshal(opts.WillPayload, &payload); err != nil {
		t.Fatalf("decoding will payload: %v", err)
	}
	if payload["status"] != "offline" || payload["client_id"] != "hub-1" || payload["reason"] != "unexpected_disconnect" {
		t.Errorf("will payload = %v", payload)
	}
}

func TestStatusPayloads(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantStatus string
		wantReason string
	}{
		{"online", onlineStatus("hub-1"), "online", ""},
		{"offline", offlineStatus("hub-1"), "offline", "graceful_shutdown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p map[string]string
			if err := json.Unmarshal([]byte(tt.payload), &p); err != nil {
				t.Fatalf("decoding payload: %v", err)
			}
			if p["status"] != tt.wantStatus || p["reason"] != tt.wantReason {
				t.Errorf("payload = %v, want status %q reason %q", p, tt.wantStatus, tt.wantReason)
			}
			if _, err := time.Parse(time.RFC3339, p["timestamp"]); err != nil {
				t.Errorf("timestamp %q: %v", p["timestamp"], err)
			}
		})
	}
}

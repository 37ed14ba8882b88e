package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/hivehub/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second

	// ackTimeout bounds waits on publish, subscribe and unsubscribe tokens.
	ackTimeout = 5 * time.Second

	quiesceMillis = 1000
	keepAlive     = 60 * time.Second
	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12

	defaultClientID = "hivehub"
)

// buildClientOptions maps the mqtt config section onto paho options.
//
// TLS switches the broker URL to ssl://. Sessions are clean: the Client
// replays its own subscription table after every reconnect instead of
// relying on broker-side state.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	clientID := cfg.Broker.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(seconds(cfg.Reconnect.InitialDelay, time.Second)).
		SetMaxReconnectInterval(seconds(cfg.Reconnect.MaxDelay, time.Minute)).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}
	return opts
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// setLastWill registers a retained offline status on {prefix}/status that
// the broker publishes if the hub drops off without a clean disconnect.
func setLastWill(opts *pahomqtt.ClientOptions, topics Topics, clientID string) {
	opts.SetWill(topics.Status(), statusPayload("offline", clientID, "unexpected_disconnect"), 1, true)
}

func onlineStatus(clientID string) string {
	return statusPayload("online", clientID, "")
}

func offlineStatus(clientID string) string {
	return statusPayload("offline", clientID, "graceful_shutdown")
}

// hubStatus is the body of {prefix}/status messages.
type hubStatus struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func statusPayload(status, clientID, reason string) string {
	b, _ := json.Marshal(hubStatus{ //nolint:errcheck // plain strings
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return string(b)
}

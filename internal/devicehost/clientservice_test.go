package devicehost

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hivehub/internal/channel"
	"github.com/nerrad567/hivehub/internal/client"
	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

const relayID = "e50d6085-2aba-48e9-b1c3-73c673e414be"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// testHub is a long-polling hub with one device.
type testHub struct {
	mu         sync.Mutex
	stored     *device.Device
	devicePoll int
	cmdPoll    int

	updates chan string
}

func newTestHub(t *testing.T) (*testHub, *ClientService) {
	t.Helper()
	hub := &testHub{
		stored:  &device.Device{ID: relayID, Key: "05F94BF509C8", Name: "Relay Board"},
		updates: make(chan string, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, protocol.APIInfo{APIVersion: protocol.APIVersion, ServerTimestamp: time.Now().UTC()})
	})
	mux.HandleFunc("GET /api/device/{id}", func(w http.ResponseWriter, r *http.Request) {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		if r.PathValue("id") != hub.stored.ID {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}
		writeJSON(w, hub.stored)
	})
	mux.HandleFunc("PUT /api/device/{id}", func(w http.ResponseWriter, r *http.Request) {
		var d device.Device
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.updates <- "device:" + r.PathValue("id") + ":" + d.Status
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/device/{id}/command/poll", func(w http.ResponseWriter, _ *http.Request) {
		hub.mu.Lock()
		n := hub.devicePoll
		hub.devicePoll++
		hub.mu.Unlock()
		if n == 0 {
			writeJSON(w, []device.Command{})
			return
		}
		writeJSON(w, []device.Command{{ID: 7, Timestamp: time.Now().UTC(), Name: "Reset"}})
	})
	mux.HandleFunc("GET /api/device/command/poll", func(w http.ResponseWriter, r *http.Request) {
		hub.mu.Lock()
		n := hub.cmdPoll
		hub.cmdPoll++
		hub.mu.Unlock()
		if n > 0 {
			<-r.Context().Done()
			return
		}
		writeJSON(w, []protocol.DeviceCommand{{
			DeviceGUID: r.URL.Query().Get("deviceGuids"),
			Command:    &device.Command{ID: 8, Timestamp: time.Now().UTC(), Name: "UpdateLedState"},
		}})
	})
	mux.HandleFunc("PUT /api/device/{id}/command/{cid}", func(w http.ResponseWriter, r *http.Request) {
		var upd device.CommandUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hub.updates <- "command:" + r.PathValue("cid") + ":" + upd.Status
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := client.New(
		client.ConnectionInfo{ServiceURL: srv.URL + "/api", AccessKey: "test-key"},
		client.WithLongPollOptions(channel.LongPollOptions{RetryInterval: 10 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	svc := NewClientService(c)
	t.Cleanup(func() { svc.Close() }) //nolint:errcheck
	return hub, svc
}

func TestClientServiceGetDevice(t *testing.T) {
	_, svc := newTestHub(t)
	ctx := context.Background()

	d, err := svc.GetDevice(ctx, relayID, "05F94BF509C8")
	if err != nil || d.Name != "Relay Board" {
		t.Errorf("GetDevice() = %+v, %v", d, err)
	}
	if _, err := svc.GetDevice(ctx, relayID, "wrong"); !errors.Is(err, device.ErrKeyMismatch) {
		t.Errorf("GetDevice(wrong key) error = %v, want ErrKeyMismatch", err)
	}
	if _, err := svc.GetDevice(ctx, "00000000-0000-0000-0000-000000000001", ""); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("GetDevice(unknown) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestClientServiceRegisterDevice(t *testing.T) {
	hub, svc := newTestHub(t)
	ctx := context.Background()

	if err := svc.RegisterDevice(ctx, &device.Device{ID: relayID}); !errors.Is(err, device.ErrInvalidDevice) {
		t.Errorf("RegisterDevice(incomplete) error = %v, want ErrInvalidDevice", err)
	}

	d := newTestDevice(nil).info.Clone()
	d.Status = DefaultStatus
	if err := svc.RegisterDevice(ctx, d); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	if got := receive(t, hub.updates, "device update"); got != "device:"+relayID+":Online" {
		t.Errorf("hub update = %q", got)
	}
}

func TestClientServicePollCommandsSkipsEmptyPolls(t *testing.T) {
	hub, svc := newTestHub(t)

	cmds, err := svc.PollCommands(context.Background(), relayID, "", time.Now())
	if err != nil {
		t.Fatalf("PollCommands() error = %v", err)
	}
	if len(cmds) != 1 || cmds[0].ID != 7 {
		t.Errorf("PollCommands() = %+v, want command 7", cmds)
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.devicePoll != 2 {
		t.Errorf("server polls = %d, want 2", hub.devicePoll)
	}
}

func TestClientServiceSubscription(t *testing.T) {
	hub, svc := newTestHub(t)
	ctx := context.Background()

	type inserted struct {
		deviceID string
		cmd      device.Command
	}
	got := make(chan inserted, 4)
	svc.OnCommandInserted(func(deviceID string, cmd device.Command) {
		got <- inserted{deviceID, cmd}
	})

	if err := svc.SubscribeToCommands(ctx, relayID, ""); err != nil {
		t.Fatalf("SubscribeToCommands() error = %v", err)
	}
	if err := svc.SubscribeToCommands(ctx, relayID, ""); err != nil {
		t.Fatalf("second SubscribeToCommands() error = %v", err)
	}

	ev := receive(t, got, "inserted command")
	if ev.deviceID != relayID || ev.cmd.ID != 8 || ev.cmd.Name != "UpdateLedState" {
		t.Errorf("inserted = %+v", ev)
	}
	if n := len(svc.client.Channel().Subscriptions()); n != 1 {
		t.Errorf("subscriptions = %d, want 1", n)
	}

	cmd := ev.cmd
	cmd.Status = device.StatusSuccess
	if err := svc.UpdateCommand(ctx, relayID, "", &cmd); err != nil {
		t.Fatalf("UpdateCommand() error = %v", err)
	}
	if got := receive(t, hub.updates, "command update"); got != "command:8:Success" {
		t.Errorf("hub update = %q, want command:8:Success", got)
	}

	if err := svc.UnsubscribeFromCommands(ctx, relayID, ""); err != nil {
		t.Fatalf("UnsubscribeFromCommands() error = %v", err)
	}
	if n := len(svc.client.Channel().Subscriptions()); n != 0 {
		t.Errorf("subscriptions after unsubscribe = %d, want 0", n)
	}
	if err := svc.UnsubscribeFromCommands(ctx, relayID, ""); err != nil {
		t.Errorf("second UnsubscribeFromCommands() error = %v", err)
	}
}

func TestClientServiceConnectionClosed(t *testing.T) {
	_, svc := newTestHub(t)

	closed := make(chan struct{}, 2)
	svc.OnConnectionClosed(func() { closed <- struct{}{} })

	svc.handleStateChange(channel.StateChange{Old: channel.Connecting, New: channel.Disconnected})
	svc.handleStateChange(channel.StateChange{Old: channel.Reconnecting, New: channel.Disconnected})
	receive(t, closed, "connection closed")

	select {
	case <-closed:
		t.Error("failed open reported as a lost connection")
	case <-time.After(50 * time.Millisecond):
	}

	// Closing the service is not a lost connection.
	if _, err := svc.ensureChannel(context.Background()); err != nil {
		t.Fatalf("ensureChannel() error = %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-closed:
		t.Error("Close() reported as a lost connection")
	case <-time.After(50 * time.Millisecond):
	}
}

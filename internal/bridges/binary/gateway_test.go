package binary

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

// fakeService records device service calls as events.
type fakeService struct {
	mu          sync.Mutex
	registered  []*device.Device
	registerErr error
	onCommand   []func(string, device.Command)
	onClosed    []func()

	events chan string
}

func newFakeService() *fakeService {
	return &fakeService{events: make(chan string, 64)}
}

func (f *fakeService) GetDevice(_ context.Context, id, _ string) (*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.registered {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, device.ErrDeviceNotFound
}

func (f *fakeService) RegisterDevice(_ context.Context, d *device.Device) error {
	f.mu.Lock()
	err := f.registerErr
	if err == nil {
		f.registered = append(f.registered, d)
	}
	f.mu.Unlock()
	f.events <- "register:" + d.ID
	return err
}

func (f *fakeService) UpdateDevice(_ context.Context, d *device.Device) error {
	f.events <- "update-device:" + d.ID
	return nil
}

func (f *fakeService) SendNotification(_ context.Context, deviceID, _ string, n *device.Notification) (*device.Notification, error) {
	f.events <- "notify:" + deviceID + ":" + n.Name
	return n, nil
}

func (f *fakeService) PollCommands(ctx context.Context, _, _ string, _ time.Time) ([]device.Command, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeService) SubscribeToCommands(_ context.Context, deviceID, _ string) error {
	f.events <- "subscribe:" + deviceID
	return nil
}

func (f *fakeService) UnsubscribeFromCommands(_ context.Context, deviceID, _ string) error {
	f.events <- "unsubscribe:" + deviceID
	return nil
}

func (f *fakeService) UpdateCommand(_ context.Context, deviceID, _ string, cmd *device.Command) error {
	f.events <- fmt.Sprintf("command-result:%s:%d:%s:%v", deviceID, cmd.ID, cmd.Status, cmd.Result)
	return nil
}

func (f *fakeService) OnCommandInserted(fn func(deviceID string, cmd device.Command)) {
	f.mu.Lock()
	f.onCommand = append(f.onCommand, fn)
	f.mu.Unlock()
}

func (f *fakeService) OnConnectionClosed(fn func()) {
	f.mu.Lock()
	f.onClosed = append(f.onClosed, fn)
	f.mu.Unlock()
}

func (f *fakeService) insertCommand(deviceID string, cmd device.Command) {
	f.mu.Lock()
	fns := append([]func(string, device.Command){}, f.onCommand...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(deviceID, cmd)
	}
}

func (f *fakeService) closeConnection() {
	f.mu.Lock()
	fns := append([]func(){}, f.onClosed...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeService) expect(t *testing.T, want string) {
	t.Helper()
	if got := receive(t, f.events, want); got != want {
		t.Fatalf("service event = %q, want %q", got, want)
	}
}

func (f *fakeService) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected service event %q", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestGateway(t *testing.T) (*Gateway, *fakeService) {
	t.Helper()
	svc := newFakeService()
	g := NewGateway(svc, GatewayConfig{NetworkName: "Binary Devices", NetworkKey: "bin"})
	t.Cleanup(func() { g.Close() }) //nolint:errcheck
	return g, svc
}

// connect attaches a new device connection and consumes the registration request.
func connect(t *testing.T, g *Gateway) *testDevice {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	g.AddConnection(server)

	dev := &testDevice{t: t, conn: client}
	if m := dev.recv(); m.Intent != IntentRequestRegistration {
		t.Fatalf("first frame intent = %d, want %d", m.Intent, IntentRequestRegistration)
	}
	return dev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayRegistration(t *testing.T) {
	g, svc := newTestGateway(t)
	dev := connect(t, g)

	reg := sampleRegistration()
	id := reg.ID.String()
	dev.register(reg)
	svc.expect(t, "register:"+id)
	svc.expect(t, "subscribe:"+id)

	svc.mu.Lock()
	d := svc.registered[0]
	svc.mu.Unlock()
	if d.Network == nil || d.Network.Name != "Binary Devices" || d.Network.Key != "bin" {
		t.Errorf("registered network = %+v, want the gateway network", d.Network)
	}
	if len(d.DeviceClass.Equipment) != 2 {
		t.Errorf("registered equipment = %d, want 2", len(d.DeviceClass.Equipment))
	}
	if got := g.Stats(); got.Connections != 1 || got.Devices != 1 {
		t.Errorf("Stats() = %+v, want 1 connection and 1 device", got)
	}
}

func TestGatewayForwardsDeviceMessages(t *testing.T) {
	g, svc := newTestGateway(t)
	dev := connect(t, g)

	reg := sampleRegistration()
	id := reg.ID.String()
	dev.register(reg)
	svc.expect(t, "register:"+id)
	svc.expect(t, "subscribe:"+id)

	dev.notify(256, reg.Notifications[0].Params, map[string]any{"equipment": "led", "state": true})
	svc.expect(t, "notify:"+id+":equipment")

	data, err := CommandResult{CommandID: 9, Status: device.StatusSuccess, Result: "ok"}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	dev.send(IntentNotifyCommandResult, data)
	svc.expect(t, "command-result:"+id+":9:Success:ok")
}

func TestGatewayDeliversCommands(t *testing.T) {
	g, svc := newTestGateway(t)
	dev := connect(t, g)

	reg := sampleRegistration()
	id := reg.ID.String()
	dev.register(reg)
	svc.expect(t, "register:"+id)
	svc.expect(t, "subscribe:"+id)

	go svc.insertCommand(id, device.Command{ID: 12, Name: "Reset"})
	m := dev.recv()
	if m.Intent != 258 {
		t.Errorf("command intent = %d, want 258", m.Intent)
	}
	if len(m.Data) != 4 || m.Data[0] != 12 {
		t.Errorf("command payload = % X, want 0C 00 00 00", m.Data)
	}

	// Commands for other devices are ignored.
	svc.insertCommand("00000000-0000-0000-0000-000000000001", device.Command{ID: 13, Name: "Reset"})
}

func TestGatewayDisconnectUnsubscribes(t *testing.T) {
	g, svc := newTestGateway(t)
	dev := connect(t, g)

	reg := sampleRegistration()
	id := reg.ID.String()
	dev.register(reg)
	svc.expect(t, "register:"+id)
	svc.expect(t, "subscribe:"+id)

	dev.conn.Close() //nolint:errcheck
	svc.expect(t, "unsubscribe:"+id)
	waitFor(t, "connection removal", func() bool { return g.Stats().Connections == 0 })
	if got := g.Stats().Devices; got != 0 {
		t.Errorf("Stats().Devices = %d, want 0", got)
	}
}

func TestGatewayDuplicateDevice(t *testing.T) {
	g, svc := newTestGateway(t)
	first := connect(t, g)

	reg := sampleRegistration()
	id := reg.ID.String()
	first.register(reg)
	svc.expect(t, "register:"+id)
	svc.expect(t, "subscribe:"+id)

	second := connect(t, g)
	second.register(reg)
	if m := second.recv(); m.Intent != IntentRequestRegistration {
		t.Errorf("duplicate device got intent %d, want a new registration request", m.Intent)
	}
	svc.expectNone(t)

	// Once the first connection goes away the device can register again.
	first.conn.Close() //nolint:errcheck
	svc.expect(t, "unsubscribe:"+id)
	second.register(reg)
	svc.expect(t, "register:"+id)
	svc.expect(t, "subscribe:"+id)
}

func TestGatewayRegistrationFailure(t *testing.T) {
	g, svc := newTestGateway(t)
	svc.registerErr = errors.New("network key mismatch")
	dev := connect(t, g)

	reg := sampleRegistration()
	dev.register(reg)
	svc.expect(t, "register:"+reg.ID.String())
	waitFor(t, "rollback", func() bool { return g.Stats().Devices == 0 })

	// The session survives and notifications are dropped.
	dev.notify(256, reg.Notifications[0].Params, nil)
	svc.expectNone(t)
	if got := g.Stats().Connections; got != 1 {
		t.Errorf("Stats().Connections = %d, want 1", got)
	}
}

func TestGatewayResubscribesOnConnectionClosed(t *testing.T) {
	g, svc := newTestGateway(t)
	dev := connect(t, g)

	reg := sampleRegistration()
	id := reg.ID.String()
	dev.register(reg)
	svc.expect(t, "register:"+id)
	svc.expect(t, "subscribe:"+id)

	svc.closeConnection()
	svc.expect(t, "subscribe:"+id)
}

func TestGatewayClose(t *testing.T) {
	svc := newFakeService()
	g := NewGateway(svc, GatewayConfig{})
	dev := connect(t, g)

	reg := sampleRegistration()
	dev.register(reg)
	svc.expect(t, "register:"+reg.ID.String())
	svc.expect(t, "subscribe:"+reg.ID.String())

	if err := g.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	svc.expect(t, "unsubscribe:"+reg.ID.String())
	if got := g.Stats(); got.Connections != 0 || got.Devices != 0 {
		t.Errorf("Stats() after Close = %+v, want zero", got)
	}
}

package binary

import (
	"bytes"
	"context"
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/hivehub/internal/device"
)

const testTimeout = 2 * time.Second

// testDevice plays the device end of a connection.
type testDevice struct {
	t    *testing.T
	conn net.Conn
}

func (d *testDevice) send(intent uint16, data []byte) {
	d.t.Helper()
	if err := d.conn.SetWriteDeadline(time.Now().Add(testTimeout)); err != nil {
		d.t.Fatalf("SetWriteDeadline() error = %v", err)
	}
	if err := WriteMessage(d.conn, NewMessage(intent, data)); err != nil {
		d.t.Fatalf("device WriteMessage() error = %v", err)
	}
}

func (d *testDevice) register(reg *Registration) {
	d.t.Helper()
	data, err := reg.MarshalBinary()
	if err != nil {
		d.t.Fatalf("MarshalBinary() error = %v", err)
	}
	d.send(IntentRegister, data)
}

func (d *testDevice) notify(intent uint16, p Parameter, values map[string]any) {
	d.t.Helper()
	data, err := EncodeValue(p, values)
	if err != nil {
		d.t.Fatalf("EncodeValue() error = %v", err)
	}
	d.send(intent, data)
}

func (d *testDevice) recv() *Message {
	d.t.Helper()
	if err := d.conn.SetReadDeadline(time.Now().Add(testTimeout)); err != nil {
		d.t.Fatalf("SetReadDeadline() error = %v", err)
	}
	m, err := ReadMessage(d.conn)
	if err != nil {
		d.t.Fatalf("device ReadMessage() error = %v", err)
	}
	return m
}

type recordingHandler struct {
	regs      chan *Registration
	results   chan CommandResult
	notes     chan *device.Notification
	notifyErr error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		regs:    make(chan *Registration, 4),
		results: make(chan CommandResult, 4),
		notes:   make(chan *device.Notification, 4),
	}
}

func (h *recordingHandler) HandleRegistration(_ context.Context, _ *Session, reg *Registration) error {
	h.regs <- reg
	return nil
}

func (h *recordingHandler) HandleCommandResult(_ context.Context, _ *Session, res CommandResult) error {
	h.results <- res
	return nil
}

func (h *recordingHandler) HandleNotification(_ context.Context, _ *Session, n *device.Notification) error {
	h.notes <- n
	return h.notifyErr
}

func receive[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// startSession runs a session on one end of a pipe and returns the other end.
func startSession(t *testing.T, h SessionHandler) (*Session, *testDevice, chan error) {
	t.Helper()
	server, client := net.Pipe()
	s := NewSession(server, h)

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(context.Background()) }()

	t.Cleanup(func() {
		s.Close()      //nolint:errcheck
		client.Close() //nolint:errcheck
	})
	return s, &testDevice{t: t, conn: client}, runErr
}

func TestSessionRegistrationAndNotification(t *testing.T) {
	h := newRecordingHandler()
	s, dev, _ := startSession(t, h)

	reg := sampleRegistration()
	dev.register(reg)
	got := receive(t, h.regs, "registration")
	if got.ID != reg.ID || len(got.Commands) != 2 {
		t.Errorf("registration = %+v", got)
	}
	if s.Registration() == nil {
		t.Error("Registration() = nil after registration")
	}

	dev.notify(256, reg.Notifications[0].Params, map[string]any{"equipment": "led", "state": true})
	n := receive(t, h.notes, "notification")
	if n.Name != "equipment" {
		t.Errorf("notification name = %q, want equipment", n.Name)
	}
	want := map[string]any{"equipment": "led", "state": true}
	if !reflect.DeepEqual(n.Parameters, want) {
		t.Errorf("notification parameters = %#v, want %#v", n.Parameters, want)
	}
}

func TestSessionJSONRegistration(t *testing.T) {
	h := newRecordingHandler()
	s, dev, _ := startSession(t, h)

	e := &encoder{}
	e.str(jsonRegistrationDoc)
	data, err := e.Bytes()
	if err != nil {
		t.Fatalf("encode error = %v", err)
	}
	dev.send(IntentRegister2, data)
	receive(t, h.regs, "registration")

	// Nested command shapes from the JSON form are encoded on the wire.
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.SendCommand(device.Command{
			ID:   1,
			Name: "configure",
			Parameters: map[string]any{
				"period": 60,
				"limits": map[string]any{"min": -5, "max": 40},
			},
		})
	}()

	m := dev.recv()
	if m.Intent != 301 {
		t.Errorf("command intent = %d, want 301", m.Intent)
	}
	want := []byte{0x01, 0x00, 0x00, 0x00, 0x3C, 0x00, 0x00, 0x00, 0xFB, 0xFF, 0x28, 0x00}
	if !bytes.Equal(m.Data, want) {
		t.Errorf("command payload = % X, want % X", m.Data, want)
	}
	if err := receive(t, errCh, "SendCommand"); err != nil {
		t.Errorf("SendCommand() error = %v", err)
	}
}

func TestSessionSendCommand(t *testing.T) {
	h := newRecordingHandler()
	s, dev, _ := startSession(t, h)

	if err := s.SendCommand(device.Command{ID: 1, Name: "Reset"}); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("SendCommand() before registration error = %v, want ErrNotRegistered", err)
	}

	dev.register(sampleRegistration())
	receive(t, h.regs, "registration")

	if err := s.SendCommand(device.Command{ID: 1, Name: "Explode"}); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("SendCommand() unknown command error = %v, want ErrUnknownCommand", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.SendCommand(device.Command{
			ID:         7,
			Name:       "UpdateLedState",
			Parameters: map[string]any{"equipment": "led", "state": 1},
		})
	}()

	m := dev.recv()
	if m.Intent != 257 {
		t.Errorf("command intent = %d, want 257", m.Intent)
	}
	want := []byte{0x07, 0x00, 0x00, 0x00, 0x03, 0x00, 'l', 'e', 'd', 0x01}
	if !bytes.Equal(m.Data, want) {
		t.Errorf("command payload = % X, want % X", m.Data, want)
	}
	if err := receive(t, errCh, "SendCommand"); err != nil {
		t.Errorf("SendCommand() error = %v", err)
	}
	if got := s.Stats().Commands; got != 1 {
		t.Errorf("Stats().Commands = %d, want 1", got)
	}
}

func TestSessionCommandResult(t *testing.T) {
	h := newRecordingHandler()
	_, dev, _ := startSession(t, h)

	data, err := CommandResult{CommandID: 42, Status: device.StatusSuccess, Result: "done"}.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	dev.send(IntentNotifyCommandResult, data)

	got := receive(t, h.results, "command result")
	want := CommandResult{CommandID: 42, Status: "Success", Result: "done"}
	if got != want {
		t.Errorf("command result = %+v, want %+v", got, want)
	}
}

func TestSessionProtocolErrorsEndSession(t *testing.T) {
	tests := []struct {
		name     string
		register bool
		intent   uint16
		data     []byte
		wantErr  error
	}{
		{"notification before registration", false, 256, nil, ErrNotRegistered},
		{"undeclared intent", true, 999, nil, ErrUnknownIntent},
		{"registration request from device", false, IntentRequestRegistration, nil, ErrUnknownIntent},
		{"truncated registration", false, IntentRegister, []byte{0x01, 0x02}, ErrDecodingFailed},
		{"truncated notification", true, 256, []byte{0x05, 0x00}, ErrDecodingFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRecordingHandler()
			s, dev, runErr := startSession(t, h)

			if tt.register {
				dev.register(sampleRegistration())
				receive(t, h.regs, "registration")
			}
			dev.send(tt.intent, tt.data)

			err := receive(t, runErr, "Run to return")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if !IsProtocolError(err) {
				t.Errorf("IsProtocolError(%v) = false, want true", err)
			}
			select {
			case <-s.Done():
			default:
				t.Error("session not closed after protocol error")
			}
		})
	}
}

func TestSessionHandlerErrorKeepsSession(t *testing.T) {
	h := newRecordingHandler()
	h.notifyErr = errors.New("store unavailable")
	s, dev, _ := startSession(t, h)

	reg := sampleRegistration()
	dev.register(reg)
	receive(t, h.regs, "registration")

	params := reg.Notifications[0].Params
	dev.notify(256, params, map[string]any{"equipment": "led", "state": true})
	receive(t, h.notes, "first notification")
	dev.notify(256, params, map[string]any{"equipment": "led", "state": false})
	receive(t, h.notes, "second notification")

	if got := s.Stats().HandlerErrors; got < 1 {
		t.Errorf("Stats().HandlerErrors = %d, want at least 1", got)
	}
}

func TestSessionClose(t *testing.T) {
	h := newRecordingHandler()
	s, _, runErr := startSession(t, h)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := receive(t, runErr, "Run to return"); err != nil {
		t.Errorf("Run() after Close error = %v, want nil", err)
	}
	if err := s.RequestRegistration(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("RequestRegistration() after Close error = %v, want ErrSessionClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestSessionContextCancel(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close() //nolint:errcheck

	s := NewSession(server, newRecordingHandler())
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	cancel()
	if err := receive(t, runErr, "Run to return"); err != nil {
		t.Errorf("Run() after cancel error = %v, want nil", err)
	}
}

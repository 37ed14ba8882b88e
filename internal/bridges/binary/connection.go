package binary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/tarm/serial"
)

const (
	// serviceCallTimeout bounds service calls made outside a session's context.
	serviceCallTimeout = 30 * time.Second

	// defaultBaudRate is used for serial endpoints without a baud parameter.
	defaultBaudRate = 9600

	// defaultReopenInterval is the delay before a lost serial port is reopened.
	defaultReopenInterval = 5 * time.Second
)

// Endpoint is where the gateway finds binary devices.
type Endpoint struct {
	// Network is "serial" or "tcp".
	Network string

	// Address is the serial device path or the TCP listen address.
	Address string

	// Baud is the serial baud rate.
	Baud int
}

func (e Endpoint) String() string {
	if e.Network == "serial" {
		return fmt.Sprintf("serial://%s?baud=%d", e.Address, e.Baud)
	}
	return e.Network + "://" + e.Address
}

// ParseEndpoint parses an endpoint URL.
//
// Supported forms:
//   - "serial:///dev/ttyUSB0?baud=115200" → one device on a serial port
//   - "tcp://0.0.0.0:7000" → accept device connections on a TCP port
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidConnection, err)
	}

	switch u.Scheme {
	case "serial":
		ep := Endpoint{Network: "serial", Address: u.Path, Baud: defaultBaudRate}
		if ep.Address == "" {
			ep.Address = u.Opaque
		}
		if ep.Address == "" {
			return Endpoint{}, fmt.Errorf("%w: serial endpoint %q has no device path", ErrInvalidConnection, raw)
		}
		if b := u.Query().Get("baud"); b != "" {
			baud, err := strconv.Atoi(b)
			if err != nil || baud <= 0 {
				return Endpoint{}, fmt.Errorf("%w: invalid baud rate %q", ErrInvalidConnection, b)
			}
			ep.Baud = baud
		}
		return ep, nil
	case "tcp":
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("%w: tcp endpoint %q has no address", ErrInvalidConnection, raw)
		}
		return Endpoint{Network: "tcp", Address: u.Host}, nil
	default:
		return Endpoint{}, fmt.Errorf("%w: unsupported scheme %q (use serial or tcp)", ErrInvalidConnection, u.Scheme)
	}
}

// OpenSerial opens a serial port in blocking mode.
func OpenSerial(name string, baud int) (io.ReadWriteCloser, error) {
	if baud == 0 {
		baud = defaultBaudRate
	}
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", name, err)
	}
	return port, nil
}

// Serve attaches an endpoint to the gateway and blocks until ctx ends.
//
// A serial endpoint carries a single device; when its session ends the port
// is reopened after a short delay. A TCP endpoint accepts any number of
// device connections.
//
// Returns:
//   - error: nil when ctx is cancelled, or the listen error
func (g *Gateway) Serve(ctx context.Context, ep Endpoint) error {
	switch ep.Network {
	case "serial":
		return g.serveSerial(ctx, ep)
	case "tcp":
		ln, err := net.Listen("tcp", ep.Address)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", ep.Address, err)
		}
		return g.ServeListener(ctx, ln)
	default:
		return fmt.Errorf("%w: unsupported network %q", ErrInvalidConnection, ep.Network)
	}
}

// ServeListener accepts device connections from ln until ctx ends. The
// listener is closed on return.
func (g *Gateway) ServeListener(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() }) //nolint:errcheck // unblocks Accept
	defer stop()
	defer ln.Close() //nolint:errcheck // best-effort

	g.logInfo("accepting binary device connections", "address", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			g.logError("accept failed", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		g.logInfo("binary device connected", "remote", conn.RemoteAddr().String())
		g.AddConnection(conn)
	}
}

func (g *Gateway) serveSerial(ctx context.Context, ep Endpoint) error {
	for {
		port, err := OpenSerial(ep.Address, ep.Baud)
		if err != nil {
			g.logError("serial port unavailable", err, "port", ep.Address)
		} else {
			s := g.AddConnection(port)
			select {
			case <-s.Done():
			case <-ctx.Done():
				s.Close() //nolint:errcheck // best-effort
				return nil
			}
			g.logWarn("serial session ended, reopening", "port", ep.Address)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(defaultReopenInterval):
		}
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/hivehub/internal/channel"
	"github.com/nerrad567/hivehub/internal/device"
	"github.com/nerrad567/hivehub/internal/protocol"
)

// MessageFilter narrows notification and command queries.
type MessageFilter struct {
	// Start and End bound the timestamp; zero values leave the bound open.
	Start time.Time
	End   time.Time

	// Names restricts the notification or command names.
	Names []string

	// Take limits the number of results (0 = server default).
	Take int

	// Skip drops the first results.
	Skip int
}

func (f MessageFilter) query() url.Values {
	q := url.Values{}
	if !f.Start.IsZero() {
		q.Set("start", device.FormatTimestamp(f.Start))
	}
	if !f.End.IsZero() {
		q.Set("end", device.FormatTimestamp(f.End))
	}
	if len(f.Names) > 0 {
		q.Set("names", strings.Join(f.Names, ","))
	}
	if f.Take > 0 {
		q.Set("take", strconv.Itoa(f.Take))
	}
	if f.Skip > 0 {
		q.Set("skip", strconv.Itoa(f.Skip))
	}
	return q
}

// GetInfo returns the server info.
func (c *Client) GetInfo(ctx context.Context) (*protocol.APIInfo, error) {
	return c.rest.GetInfo(ctx)
}

// GetCurrentUser returns the authenticated user.
func (c *Client) GetCurrentUser(ctx context.Context) (*protocol.User, error) {
	var u protocol.User
	if err := c.rest.Get(ctx, "user/current", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateCurrentUser changes the password or data of the authenticated user.
func (c *Client) UpdateCurrentUser(ctx context.Context, u *protocol.User) error {
	if u == nil {
		return fmt.Errorf("%w: nil user", channel.ErrInvalidArgument)
	}
	return c.rest.Put(ctx, "user/current", u, nil)
}

// GetNetworks returns the networks visible to the user.
func (c *Client) GetNetworks(ctx context.Context) ([]device.Network, error) {
	var networks []device.Network
	if err := c.rest.Get(ctx, "network", nil, &networks); err != nil {
		return nil, err
	}
	return networks, nil
}

// GetDevices returns the devices visible to the user.
func (c *Client) GetDevices(ctx context.Context) ([]device.Device, error) {
	var devices []device.Device
	if err := c.rest.Get(ctx, "device", nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// GetDevice returns a device, or device.ErrDeviceNotFound.
func (c *Client) GetDevice(ctx context.Context, id string) (*device.Device, error) {
	var d device.Device
	if err := c.rest.Get(ctx, deviceResource(id), nil, &d); err != nil {
		return nil, mapNotFound(err, device.ErrDeviceNotFound)
	}
	return &d, nil
}

// UpdateDevice registers a device or updates a registered one.
func (c *Client) UpdateDevice(ctx context.Context, d *device.Device) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: device without id", channel.ErrInvalidArgument)
	}
	return c.rest.Put(ctx, deviceResource(d.ID), d, nil)
}

// GetEquipmentState returns the last reported state of each equipment of a device.
func (c *Client) GetEquipmentState(ctx context.Context, id string) ([]device.EquipmentState, error) {
	var states []device.EquipmentState
	if err := c.rest.Get(ctx, deviceResource(id)+"/equipment", nil, &states); err != nil {
		return nil, mapNotFound(err, device.ErrDeviceNotFound)
	}
	return states, nil
}

// GetNotifications queries the stored notifications of a device.
func (c *Client) GetNotifications(ctx context.Context, id string, f MessageFilter) ([]device.Notification, error) {
	var notifications []device.Notification
	if err := c.rest.Get(ctx, deviceResource(id)+"/notification", f.query(), &notifications); err != nil {
		return nil, mapNotFound(err, device.ErrDeviceNotFound)
	}
	return notifications, nil
}

// GetCommands queries the stored commands of a device.
func (c *Client) GetCommands(ctx context.Context, id string, f MessageFilter) ([]device.Command, error) {
	var commands []device.Command
	if err := c.rest.Get(ctx, deviceResource(id)+"/command", f.query(), &commands); err != nil {
		return nil, mapNotFound(err, device.ErrDeviceNotFound)
	}
	return commands, nil
}

// PollCommands long-polls for commands of one device newer than since.
// An empty result means the server wait expired.
func (c *Client) PollCommands(ctx context.Context, id string, since time.Time) ([]device.Command, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("timestamp", device.FormatTimestamp(since))
	}
	var commands []device.Command
	if err := c.rest.Get(ctx, deviceResource(id)+"/command/poll", q, &commands); err != nil {
		return nil, mapNotFound(err, device.ErrDeviceNotFound)
	}
	return commands, nil
}

func deviceResource(id string) string {
	return "device/" + url.PathEscape(id)
}

func mapNotFound(err error, notFound error) error {
	var serr *channel.ServerError
	if errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", notFound, err)
	}
	return err
}

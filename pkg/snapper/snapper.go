package snapper

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	// ServiceName is the well-known bus name snapperd owns on the system bus
	ServiceName = "org.opensuse.Snapper"
	// ObjectPath is the path of the snapperd object
	ObjectPath = dbus.ObjectPath("/org/opensuse/Snapper")
	// Interface is the D-Bus interface exposing the snapshot methods
	Interface = "org.opensuse.Snapper"

	busStartServiceByName = "org.freedesktop.DBus.StartServiceByName"

	// CleanupNumber selects the "number" cleanup algorithm for created
	// snapshots
	CleanupNumber = "number"
)

// caller is the subset of dbus.BusObject the client needs
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Client talks to snapperd over a private system bus connection
type Client struct {
	conn *dbus.Conn
	obj  caller
}

// Connect opens a private connection to the system bus and binds it to the
// snapperd object. It fails if the bus cannot resolve or activate snapperd.
func Connect(ctx context.Context) (*Client, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	c, err := bind(ctx, conn.BusObject(), conn.Object(ServiceName, ObjectPath))
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// bind asks the bus daemon to start snapperd unless it already runs
func bind(ctx context.Context, bus, obj caller) (*Client, error) {
	var reply uint32
	if err := bus.CallWithContext(ctx, busStartServiceByName, 0, ServiceName, uint32(0)).Store(&reply); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ServiceName, err)
	}
	return &Client{obj: obj}, nil
}

// CreatePreSnapshot asks snapperd to create a pre snapshot for the given
// config and returns its number
func (c *Client) CreatePreSnapshot(ctx context.Context, config, description string) (uint32, error) {
	var number uint32
	err := c.obj.CallWithContext(ctx, Interface+".CreatePreSnapshot", 0,
		config,
		description,
		CleanupNumber,
		map[string]string{},
	).Store(&number)
	if err != nil {
		return 0, fmt.Errorf("CreatePreSnapshot(%s): %w", config, err)
	}
	return number, nil
}

// CreatePostSnapshot asks snapperd to create the post snapshot paired with
// pre and returns its number
func (c *Client) CreatePostSnapshot(ctx context.Context, config string, pre uint32, description string) (uint32, error) {
	var number uint32
	err := c.obj.CallWithContext(ctx, Interface+".CreatePostSnapshot", 0,
		config,
		pre,
		description,
		CleanupNumber,
		map[string]string{},
	).Store(&number)
	if err != nil {
		return 0, fmt.Errorf("CreatePostSnapshot(%s, %d): %w", config, pre, err)
	}
	return number, nil
}

// Close closes the underlying bus connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Package nic manages the layer-2 child interfaces that let each virtual
// camera appear as an independent host on the LAN. The capability is probed
// at startup; on hosts without it, cameras requesting a virtual NIC are
// rejected at validation time.
package nic

import (
	"context"
	"errors"
	"fmt"

	"github.com/onvifcam/gateway/config"
)

var ErrCreate = errors.New("failed to create virtual NIC")
var ErrLease = errors.New("failed to obtain DHCP lease")
var ErrStatic = errors.New("failed to assign static address")
var ErrUnsupported = errors.New("virtual NICs are not supported on this host")

// Manager creates and destroys the virtual NICs of cameras.
type Manager interface {
	// Supported reports whether the host can create virtual NICs.
	Supported() bool

	// Up brings up the camera's child interface and returns the assigned
	// IPv4 address. Repeated calls for the same camera are idempotent.
	// On failure, partially applied side effects are reverted.
	Up(ctx context.Context, cam *config.Camera) (string, error)

	// Down releases the lease and deletes the child interface. Absent
	// interfaces are not an error.
	Down(cam *config.Camera) error

	// Sweep removes leftover child interfaces from a previous run.
	Sweep() error
}

// InterfaceName returns the name of the camera's child interface. The id
// keeps it traceable back to the camera.
func InterfaceName(cam *config.Camera) string {
	return fmt.Sprintf("vcam%d", cam.ID)
}

// interfacePrefix tags all interfaces owned by the gateway.
const interfacePrefix = "vcam"

type unsupported struct{}

// NewUnsupported returns a Manager for hosts without virtual NIC support.
func NewUnsupported() Manager {
	return &unsupported{}
}

func (m *unsupported) Supported() bool { return false }

func (m *unsupported) Up(ctx context.Context, cam *config.Camera) (string, error) {
	return "", ErrUnsupported
}

func (m *unsupported) Down(cam *config.Camera) error { return nil }

func (m *unsupported) Sweep() error { return nil }

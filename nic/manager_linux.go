//go:build linux

package nic

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/onvifcam/gateway/config"
	"github.com/onvifcam/gateway/log"
	"github.com/onvifcam/gateway/process"

	"github.com/vishvananda/netlink"
)

// leaseTimeout is how long a camera start waits for a DHCP lease.
const leaseTimeout = 15 * time.Second

type manager struct {
	logger log.Logger

	// The kernel interface table is shared state; interface creation and
	// teardown are serialized.
	lock sync.Mutex

	// Running DHCP clients, by interface name.
	dhcp map[string]process.Process
}

// New probes the host for virtual NIC support and returns the matching
// Manager implementation.
func New(logger log.Logger) Manager {
	if logger == nil {
		logger = log.New("VirtualNIC")
	}

	// Listing links requires a working netlink socket; without one (e.g.
	// in a restricted container) the feature is unavailable.
	if _, err := netlink.LinkList(); err != nil {
		logger.WithError(err).Info().Log("Virtual NICs are unavailable")
		return NewUnsupported()
	}

	return &manager{
		logger: logger,
		dhcp:   map[string]process.Process{},
	}
}

func (m *manager) Supported() bool { return true }

func (m *manager) Up(ctx context.Context, cam *config.Camera) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	name := InterfaceName(cam)

	logger := m.logger.WithFields(log.Fields{
		"interface": name,
		"parent":    cam.NIC.ParentInterface,
	})

	parent, err := netlink.LinkByName(cam.NIC.ParentInterface)
	if err != nil {
		return "", fmt.Errorf("%w: parent interface %s: %s", ErrCreate, cam.NIC.ParentInterface, err)
	}

	mac, err := net.ParseMAC(cam.MACAddress())
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrCreate, err)
	}

	link, err := netlink.LinkByName(name)
	if err == nil {
		// Repeated start yields the same child interface
		logger.Debug().Log("Interface already exists")
	} else {
		macvlan := &netlink.Macvlan{
			LinkAttrs: netlink.LinkAttrs{
				Name:         name,
				ParentIndex:  parent.Attrs().Index,
				HardwareAddr: mac,
			},
			Mode: netlink.MACVLAN_MODE_BRIDGE,
		}

		if err := netlink.LinkAdd(macvlan); err != nil {
			return "", fmt.Errorf("%w: %s", ErrCreate, err)
		}

		link = macvlan

		logger.WithField("mac", mac.String()).Info().Log("Created interface")
	}

	if err := netlink.LinkSetUp(link); err != nil {
		m.teardown(name)
		return "", fmt.Errorf("%w: %s", ErrCreate, err)
	}

	// Keep the host from answering ARP for the virtual address on its
	// other interfaces (ARP flux breaks per-camera reachability).
	m.sysctl(name, "arp_ignore", "1")
	m.sysctl(name, "arp_announce", "2")

	ip := ""

	if cam.NIC.IPMode == "static" {
		ip, err = m.assignStatic(link, cam)
		if err != nil {
			m.teardown(name)
			return "", err
		}
	} else {
		ip, err = m.lease(ctx, link, name)
		if err != nil {
			m.teardown(name)
			return "", err
		}
	}

	logger.WithField("ip", ip).Info().Log("Interface is up")

	return ip, nil
}

func (m *manager) assignStatic(link netlink.Link, cam *config.Camera) (string, error) {
	prefix := cam.NIC.Prefix
	if prefix == 0 {
		prefix = 24
	}

	addr, err := netlink.ParseAddr(fmt.Sprintf("%s/%d", cam.NIC.StaticIP, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrStatic, err)
	}

	if err := netlink.AddrAdd(link, addr); err != nil && !os.IsExist(err) {
		return "", fmt.Errorf("%w: %s", ErrStatic, err)
	}

	if len(cam.NIC.Gateway) != 0 {
		gw := net.ParseIP(cam.NIC.Gateway)
		if gw == nil {
			return "", fmt.Errorf("%w: invalid gateway %s", ErrStatic, cam.NIC.Gateway)
		}

		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Gw:        gw,
			// High metric keeps the host's own default route in charge
			Priority: 1000,
		}

		if err := netlink.RouteAdd(route); err != nil && !os.IsExist(err) {
			return "", fmt.Errorf("%w: default route via %s: %s", ErrStatic, cam.NIC.Gateway, err)
		}
	}

	return cam.NIC.StaticIP, nil
}

// lease spawns a DHCP client bound to the interface and waits for an IPv4
// address to appear. The lease is transient and not persisted.
func (m *manager) lease(ctx context.Context, link netlink.Link, name string) (string, error) {
	if _, ok := m.dhcp[name]; !ok {
		client, err := process.New(process.Config{
			Binary: "dhclient",
			Args:   []string{"-d", "-1", name},
			Logger: m.logger.WithComponent("DHCP").WithField("interface", name),
		})
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrLease, err)
		}

		if err := client.Start(); err != nil {
			return "", fmt.Errorf("%w: %s", ErrLease, err)
		}

		m.dhcp[name] = client
	}

	deadline := time.Now().Add(leaseTimeout)

	for {
		if ip := m.addressOf(link); len(ip) != 0 {
			return ip, nil
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: no address on %s after %s", ErrLease, name, leaseTimeout)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %s", ErrLease, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (m *manager) addressOf(link netlink.Link) string {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil || len(addrs) == 0 {
		return ""
	}

	return addrs[0].IP.String()
}

func (m *manager) Down(cam *config.Camera) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	return m.teardown(InterfaceName(cam))
}

// teardown releases the lease and removes the interface. The caller holds
// the lock.
func (m *manager) teardown(name string) error {
	if client, ok := m.dhcp[name]; ok {
		client.Stop(true)
		delete(m.dhcp, name)

		// Tell the server the lease is gone
		exec.Command("dhclient", "-r", name).Run()
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}

	if err := netlink.LinkDel(link); err != nil {
		return err
	}

	m.logger.WithField("interface", name).Info().Log("Removed interface")

	return nil
}

func (m *manager) Sweep() error {
	m.lock.Lock()
	defer m.lock.Unlock()

	links, err := netlink.LinkList()
	if err != nil {
		return err
	}

	swept := 0

	for _, link := range links {
		name := link.Attrs().Name

		if len(name) <= len(interfacePrefix) || name[:len(interfacePrefix)] != interfacePrefix {
			continue
		}

		if err := m.teardown(name); err == nil {
			swept++
		}
	}

	if swept > 0 {
		m.logger.Info().Log("Removed %d stale interfaces", swept)
	}

	return nil
}

func (m *manager) sysctl(iface, key, value string) {
	path := fmt.Sprintf("/proc/sys/net/ipv4/conf/%s/%s", iface, key)

	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		m.logger.WithError(err).Debug().Log("Failed to set %s", path)
	}
}

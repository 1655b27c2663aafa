package network

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Connection describes the link currently used for downloads.
type Connection struct {
	Unmetered bool   `json:"unmetered"`
	Interface string `json:"interface,omitempty"`
}

// Probe reports the current connection.
type Probe interface {
	Current(ctx context.Context) (Connection, error)
}

// Mode overrides interface classification.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeUnmetered Mode = "unmetered"
	ModeMetered   Mode = "metered"
)

// ErrNoConnection is returned when no usable interface is up.
var ErrNoConnection = errors.New("no active network interface")

type interfaceLister func(ctx context.Context) (psnet.InterfaceStatList, error)

// InterfaceProbe classifies the host's active interfaces by name prefix.
type InterfaceProbe struct {
	mode      Mode
	unmetered []string
	metered   []string
	list      interfaceLister
}

func NewInterfaceProbe(mode Mode, unmeteredPrefixes, meteredPrefixes []string) *InterfaceProbe {
	return &InterfaceProbe{
		mode:      mode,
		unmetered: unmeteredPrefixes,
		metered:   meteredPrefixes,
		list:      psnet.InterfacesWithContext,
	}
}

// Current returns unmetered when any active interface matches an unmetered
// prefix. Metered prefixes win over unmetered ones on the same name.
func (p *InterfaceProbe) Current(ctx context.Context) (Connection, error) {
	switch p.mode {
	case ModeUnmetered:
		return Connection{Unmetered: true}, nil
	case ModeMetered:
		return Connection{Unmetered: false}, nil
	}

	ifaces, err := p.list(ctx)
	if err != nil {
		return Connection{}, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	var fallback string

	for _, iface := range ifaces {
		if !isActive(iface) {
			continue
		}

		name := strings.ToLower(iface.Name)

		if hasPrefix(name, p.metered) {
			if fallback == "" {
				fallback = iface.Name
			}

			continue
		}

		if hasPrefix(name, p.unmetered) {
			return Connection{Unmetered: true, Interface: iface.Name}, nil
		}

		if fallback == "" {
			fallback = iface.Name
		}
	}

	if fallback == "" {
		return Connection{}, ErrNoConnection
	}

	return Connection{Unmetered: false, Interface: fallback}, nil
}

func isActive(iface psnet.InterfaceStat) bool {
	return slices.Contains(iface.Flags, "up") &&
		!slices.Contains(iface.Flags, "loopback") &&
		len(iface.Addrs) > 0
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, strings.ToLower(p)) {
			return true
		}
	}

	return false
}

// StaticProbe always reports the same connection until Set changes it.
type StaticProbe struct {
	mu   sync.RWMutex
	conn Connection
}

func NewStaticProbe(unmetered bool) *StaticProbe {
	return &StaticProbe{conn: Connection{Unmetered: unmetered, Interface: "static"}}
}

func (p *StaticProbe) Current(_ context.Context) (Connection, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.conn, nil
}

func (p *StaticProbe) Set(unmetered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.conn.Unmetered = unmetered
}

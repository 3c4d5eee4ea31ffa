// Package netcheck answers the single synchronous question upload workers ask
// before every attempt: is a usable network up right now?
package netcheck

import (
	"net"
	"strings"
	"sync/atomic"

	"github.com/guido-cesarano/pipelined/pkg/tasks"
)

// Connectivity reports whether a network satisfying the constraint is available.
type Connectivity interface {
	Online(constraint tasks.NetworkConstraint) bool
}

// DefaultWifiPrefixes are interface name prefixes treated as wireless.
var DefaultWifiPrefixes = []string{"wl", "wlan"}

// Checker inspects the host's network interfaces.
type Checker struct {
	wifiPrefixes []string
	interfaces   func() ([]net.Interface, error)
}

// NewChecker creates a checker. Empty prefixes fall back to DefaultWifiPrefixes.
func NewChecker(wifiPrefixes []string) *Checker {
	if len(wifiPrefixes) == 0 {
		wifiPrefixes = DefaultWifiPrefixes
	}
	return &Checker{wifiPrefixes: wifiPrefixes, interfaces: net.Interfaces}
}

func (c *Checker) Online(constraint tasks.NetworkConstraint) bool {
	ifaces, err := c.interfaces()
	if err != nil {
		return false
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if constraint == tasks.NetworkWifiOnly && !c.isWifi(ifc.Name) {
			continue
		}
		return true
	}
	return false
}

func (c *Checker) isWifi(name string) bool {
	for _, p := range c.wifiPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Static is a Connectivity with fixed answers that can be flipped at runtime.
type Static struct {
	any  atomic.Bool
	wifi atomic.Bool
}

// NewStatic creates a Static reporting the given state for both constraints.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.Set(online, online)
	return s
}

// Set changes the answers for ANY and WIFI_ONLY.
func (s *Static) Set(anyNetwork, wifi bool) {
	s.any.Store(anyNetwork)
	s.wifi.Store(wifi)
}

func (s *Static) Online(constraint tasks.NetworkConstraint) bool {
	if constraint == tasks.NetworkWifiOnly {
		return s.wifi.Load()
	}
	return s.any.Load()
}

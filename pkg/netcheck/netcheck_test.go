package netcheck

import (
	"errors"
	"net"
	"testing"

	"github.com/guido-cesarano/pipelined/pkg/tasks"
)

func fakeInterfaces(ifaces ...net.Interface) func() ([]net.Interface, error) {
	return func() ([]net.Interface, error) { return ifaces, nil }
}

func TestCheckerOnline(t *testing.T) {
	lo := net.Interface{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}
	eth := net.Interface{Name: "eth0", Flags: net.FlagUp}
	wlan := net.Interface{Name: "wlan0", Flags: net.FlagUp}
	wlanDown := net.Interface{Name: "wlan0"}

	tests := []struct {
		name       string
		ifaces     []net.Interface
		constraint tasks.NetworkConstraint
		want       bool
	}{
		{"loopback only", []net.Interface{lo}, tasks.NetworkAny, false},
		{"ethernet any", []net.Interface{lo, eth}, tasks.NetworkAny, true},
		{"ethernet wifi only", []net.Interface{lo, eth}, tasks.NetworkWifiOnly, false},
		{"wifi up", []net.Interface{eth, wlan}, tasks.NetworkWifiOnly, true},
		{"wifi down", []net.Interface{wlanDown}, tasks.NetworkWifiOnly, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(nil)
			c.interfaces = fakeInterfaces(tt.ifaces...)
			if got := c.Online(tt.constraint); got != tt.want {
				t.Errorf("Online(%s) = %v, want %v", tt.constraint, got, tt.want)
			}
		})
	}
}

func TestCheckerInterfaceError(t *testing.T) {
	c := NewChecker([]string{"wl"})
	c.interfaces = func() ([]net.Interface, error) { return nil, errors.New("no netlink") }
	if c.Online(tasks.NetworkAny) {
		t.Error("Expected offline when interfaces cannot be listed")
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(false)
	if s.Online(tasks.NetworkAny) {
		t.Error("Expected offline")
	}
	s.Set(true, false)
	if !s.Online(tasks.NetworkAny) || s.Online(tasks.NetworkWifiOnly) {
		t.Error("Expected online on any network but not on wifi")
	}
}

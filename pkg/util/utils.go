package util

import (
	"strings"

	"github.com/currantlabs/ble"
)

// AddrEqualAddr compares two addresses case insensitively
func AddrEqualAddr(a, b ble.Addr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return strings.ToUpper(a.String()) == strings.ToUpper(b.String())
}

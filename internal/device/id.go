package device

import (
	"errors"
	"net"
	"strings"
)

// Resolve returns the device id used in object keys: the configured id, or
// one derived from the primary MAC address.
func Resolve(configured string) (string, error) {
	if id := strings.TrimSpace(configured); id != "" {
		return id, nil
	}
	mac, err := GetMACAddress()
	if err != nil {
		return "", err
	}
	return FromMAC(mac), nil
}

// FromMAC turns "aa:bb:cc:dd:ee:ff" into "sud-aabbccddeeff".
func FromMAC(mac string) string {
	return "sud-" + strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(mac))
}

// GetMACAddress returns the MAC address of the first valid network interface (non-loopback).
func GetMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}

	return "", errors.New("no valid network interface found")
}

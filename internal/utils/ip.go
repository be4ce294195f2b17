package utils

import (
	"net"
)

// IsAllowedIP checks whether the IP address falls inside one of the allowed
// CIDR subnetworks. Used to restrict the deposit webhook to the monitor's
// network. An empty allow-list permits everything.
func IsAllowedIP(ip string, allowedCIDRs []string) bool {
	if len(allowedCIDRs) == 0 {
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	for _, cidr := range allowedCIDRs {
		_, netblock, err := net.ParseCIDR(cidr)
		if err != nil {
			// Skip invalid CIDR
			continue
		}
		if netblock.Contains(parsed) {
			return true
		}
	}
	return false
}

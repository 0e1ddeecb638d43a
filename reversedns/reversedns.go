// Package reversedns resolves hop addresses to hostnames for result
// enrichment.
package reversedns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const lookupTimeout = 5 * time.Second

// LookupAddrFn is a variable so tests can stub the resolver
var LookupAddrFn = net.DefaultResolver.LookupAddr

// GetReverseDnsForIP resolves the hostnames of a net.IP hop address.
func GetReverseDnsForIP(ipAddress net.IP) ([]string, error) {
	if ipAddress == nil {
		return nil, errors.New("invalid nil IP address")
	}
	return GetReverseDns(ipAddress.String())
}

// GetReverseDns resolves the hostnames of a textual hop address,
// trimming the trailing dots DNS answers carry.
func GetReverseDns(ipAddr string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	rawReverseDnsNames, err := LookupAddrFn(ctx, ipAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get reverse dns: %w", err)
	}

	reverseDnsNames := []string{}
	for _, name := range rawReverseDnsNames {
		reverseDnsNames = append(reverseDnsNames, strings.TrimRight(name, "."))
	}
	return reverseDnsNames, nil
}

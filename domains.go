package lnaddr

import (
	"net"
	"strings"
)

// DomainValidator decides which hosts the server answers for. It is
// immutable after construction.
type DomainValidator struct {
	allowed map[string]struct{}
}

// NewDomainValidator builds a validator from an allow-list. An empty list
// rejects every host.
func NewDomainValidator(domains []string) *DomainValidator {
	allowed := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = normalizeHost(d)
		if d == "" {
			continue
		}
		allowed[d] = struct{}{}
	}

	return &DomainValidator{allowed: allowed}
}

// Allowed reports whether host, optionally carrying a port, is on the
// allow-list. Matching is case-insensitive.
func (v *DomainValidator) Allowed(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}

	_, ok := v.allowed[host]

	return ok
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return strings.TrimSuffix(strings.ToLower(host), ".")
}

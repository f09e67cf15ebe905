// Package resumer implements the resumable response stream: a distributed
// single-writer, many-reader tail of model output tokens. Tokens spill to a
// per-node temp file; a shared locator registry lets any node redirect a
// replay request to the node actually recording.
package resumer

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Locator identifies the node and temp file of an in-progress recording.
// Wire format: "host|port|fileName".
type Locator struct {
	Host     string
	Port     int
	FileName string
}

// Encode renders the registry wire format.
func (l Locator) Encode() string {
	return fmt.Sprintf("%s|%d|%s", l.Host, l.Port, l.FileName)
}

// Address renders "host:port" for redirects, bracketing IPv6 hosts.
func (l Locator) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// ParseLocator parses the registry wire format.
func ParseLocator(s string) (Locator, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return Locator{}, fmt.Errorf("malformed locator %q", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return Locator{}, fmt.Errorf("malformed locator port %q", parts[1])
	}
	return Locator{Host: parts[0], Port: port, FileName: parts[2]}, nil
}

// normalizeHost lowercases a host and strips IPv6 brackets and zone suffixes
// so "[FE80::1%eth0]" matches "fe80::1".
func normalizeHost(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	if i := strings.IndexByte(h, '%'); i >= 0 {
		h = h[:i]
	}
	return h
}

// ParseAddress splits "host:port"; a bare host is taken with port 0.
func ParseAddress(addr string) (host string, port int) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return normalizeHost(addr), 0
	}
	n, _ := strconv.Atoi(p)
	return normalizeHost(h), n
}

// SameNode reports whether the caller's advertised "host:port" names this
// locator's node. Host comparison is case-insensitive; ports compare exactly.
func (l Locator) SameNode(addr string) bool {
	host, port := ParseAddress(addr)
	return host == normalizeHost(l.Host) && port == l.Port
}

// RedirectError tells the caller to retry against the node that owns the
// recording.
type RedirectError struct {
	Target string
}

func (e *RedirectError) Error() string {
	return "recording lives on " + e.Target
}

package engine

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"
)

// newWorkerTransport builds an http.Transport that forces HTTP/1.1 — so each
// stream gets its own TCP connection rather than sharing one HTTP/2 session,
// which would let the origin multiplex load traffic in a way that distorts
// saturation — and optionally binds to a named local interface. Adapted
// near-verbatim from the teacher's speedtest/transport.go.
func newWorkerTransport(ifaceName string) (*http.Transport, error) {
	t := &http.Transport{
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 1,
		TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}

	if ifaceName != "" {
		localAddr, err := resolveInterfaceAddr(ifaceName)
		if err != nil {
			return nil, err
		}
		dialer := &net.Dialer{LocalAddr: localAddr, Timeout: 30 * time.Second}
		t.DialContext = dialer.DialContext
	}

	return t, nil
}

// newWorkerClient creates an HTTP client for a single stream or prober, with
// the given request timeout.
func newWorkerClient(timeout time.Duration, ifaceName string) (*http.Client, error) {
	t, err := newWorkerTransport(ifaceName)
	if err != nil {
		return nil, err
	}
	return &http.Client{Timeout: timeout, Transport: t}, nil
}

// resolveInterfaceAddr finds the first IPv4 address on the named interface.
func resolveInterfaceAddr(name string) (*net.TCPAddr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("interface %q addrs: %w", name, err)
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.To4() == nil {
			continue
		}
		return &net.TCPAddr{IP: ip}, nil
	}
	return nil, fmt.Errorf("interface %q has no IPv4 address", name)
}

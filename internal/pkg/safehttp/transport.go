// Package safehttp provides HTTP transports that refuse to reach internal
// networks, for outbound calls whose targets come from configuration.
package safehttp

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrDeniedAddress is returned when a connection targets a denied address.
var ErrDeniedAddress = errors.New("safehttp: access to address denied")

// DefaultDialTimeout bounds connection setup.
const DefaultDialTimeout = 5 * time.Second

// NewTransport returns a transport that refuses loopback, private, link-local
// and unspecified addresses. The check runs on the resolved address right
// before connecting, so DNS names pointing inside are rejected too.
func NewTransport(dialTimeout time.Duration) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: dialTimeout, Control: denyInternal}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = dialer.DialContext
	t.Proxy = nil
	return t
}

// NewClient returns a client using NewTransport with an overall timeout.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: NewTransport(DefaultDialTimeout)}
}

// Denied reports whether ip is an address outbound calls may not reach.
func Denied(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func denyInternal(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDeniedAddress, address)
	}
	ip := net.ParseIP(host)
	if ip == nil || Denied(ip) {
		return fmt.Errorf("%w: %s", ErrDeniedAddress, host)
	}
	return nil
}

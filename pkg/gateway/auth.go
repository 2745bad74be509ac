package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrAddrNotAllowed is returned by AllowlistAuthorizer for unlisted peers.
var ErrAddrNotAllowed = errors.New("gateway: remote address not allowed")

// Authorizer controls incoming gateway connections before any command is read.
type Authorizer interface {
	Allow(ctx context.Context, remoteAddr string) error
}

type NoopAuthorizer struct{}

func (NoopAuthorizer) Allow(ctx context.Context, remoteAddr string) error {
	_ = ctx
	_ = remoteAddr
	return nil
}

// AllowlistAuthorizer allows only listed hosts, host:port pairs or CIDR ranges.
type AllowlistAuthorizer struct {
	Allowed []string
}

func (a AllowlistAuthorizer) Allow(ctx context.Context, remoteAddr string) error {
	_ = ctx
	if len(a.Allowed) == 0 {
		return nil
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	for _, addr := range a.Allowed {
		if addr == remoteAddr || addr == host {
			return nil
		}
		if _, network, err := net.ParseCIDR(addr); err == nil && ip != nil && network.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrAddrNotAllowed, remoteAddr)
}

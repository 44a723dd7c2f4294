// Package endpoint decides where peer connections actually go. Connections
// to the loopback address are redirected to the orchestrator's local socket,
// everything else keeps its network address.
package endpoint

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// LoopbackHost is the only host that is redirected
const LoopbackHost = "127.0.0.1"

// Target is a "connect to configured host" request
type Target struct {
	Host   string
	Port   int
	Secure bool
	Path   string
}

// ParseTarget parses a ws:// or wss:// peer URL
func ParseTarget(rawURL string) (Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, fmt.Errorf("invalid peer url %q: %w", rawURL, err)
	}

	var secure bool
	switch u.Scheme {
	case "ws":
	case "wss":
		secure = true
	default:
		return Target{}, fmt.Errorf("invalid peer url %q: unsupported scheme %q", rawURL, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("invalid peer url %q: missing host", rawURL)
	}
	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return Target{}, fmt.Errorf("invalid peer url %q: bad port", rawURL)
		}
	}

	return Target{Host: host, Port: port, Secure: secure, Path: u.EscapedPath()}, nil
}

// URL renders the target as a websocket URL
func (t Target) URL() string {
	scheme := "ws"
	if t.Secure {
		scheme = "wss"
	}
	path := t.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(t.Host, strconv.Itoa(t.Port)), path)
}

// Endpoint is a resolved target
type Endpoint struct {
	Addr ma.Multiaddr
	URI  string
}

// IsSocket reports whether the endpoint is the local socket
func (e Endpoint) IsSocket() bool {
	_, err := e.Addr.ValueForProtocol(ma.P_UNIX)
	return err == nil
}

// DialArgs returns the network and address to pass to a net.Dialer
func (e Endpoint) DialArgs() (string, string, error) {
	return manet.DialArgs(e.Addr)
}

func (e Endpoint) String() string {
	return e.URI
}

// Router resolves targets to endpoints
type Router interface {
	Resolve(t Target) (Endpoint, error)
}

// SocketRouter sends loopback targets to a unix socket
type SocketRouter struct {
	socket string
}

// NewSocketRouter returns a router redirecting 127.0.0.1 to socket
func NewSocketRouter(socket string) *SocketRouter {
	return &SocketRouter{socket: socket}
}

func (r *SocketRouter) Resolve(t Target) (Endpoint, error) {
	if t.Host == LoopbackHost {
		return SocketEndpoint(r.socket)
	}
	return NetworkEndpoint(t)
}

// SocketEndpoint is the endpoint of a unix socket
func SocketEndpoint(socket string) (Endpoint, error) {
	abs, err := filepath.Abs(socket)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid socket path %q: %w", socket, err)
	}
	addr, err := ma.NewMultiaddr("/unix" + abs)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid socket path %q: %w", socket, err)
	}
	return Endpoint{Addr: addr, URI: "ws+unix://" + abs}, nil
}

// NetworkEndpoint is the unchanged network endpoint of t
func NetworkEndpoint(t Target) (Endpoint, error) {
	proto := "dns"
	if ip := net.ParseIP(t.Host); ip != nil {
		proto = "ip6"
		if ip.To4() != nil {
			proto = "ip4"
		}
	}
	addr, err := ma.NewMultiaddr(fmt.Sprintf("/%s/%s/tcp/%d", proto, t.Host, t.Port))
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid target %s:%d: %w", t.Host, t.Port, err)
	}
	return Endpoint{Addr: addr, URI: t.URL()}, nil
}

// ContextDialer is satisfied by net.Dialer and by SOCKS dialers
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dialer dials through a Router. Socket endpoints are dialed locally,
// network endpoints through Upstream (a plain net.Dialer when nil).
type Dialer struct {
	Router   Router
	Upstream ContextDialer

	local net.Dialer
}

// NewDialer returns a dialer resolving through router
func NewDialer(router Router, upstream ContextDialer) *Dialer {
	return &Dialer{Router: router, Upstream: upstream}
}

func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %w", address, err)
	}

	ep, err := d.Router.Resolve(Target{Host: host, Port: port})
	if err != nil {
		return nil, err
	}

	if ep.IsSocket() {
		socketNet, socketAddr, err := ep.DialArgs()
		if err != nil {
			return nil, err
		}
		return d.local.DialContext(ctx, socketNet, socketAddr)
	}

	if d.Upstream != nil {
		return d.Upstream.DialContext(ctx, network, address)
	}
	return d.local.DialContext(ctx, network, address)
}

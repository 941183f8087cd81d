package types

import (
	"fmt"
	"net/netip"
	"strings"
)

// Route represents one entry of a node's routing table
type Route struct {
	Prefix    netip.Prefix // Destination network
	Gateway   netip.Addr   // Next hop, zero value when the route is on-link
	Interface string       // Outgoing interface name
	Metric    uint32       // Route metric/priority, lower wins
	Flags     []string
}

// Validate checks the prefix against its address family and returns the
// route with the prefix masked to its network address
func (r Route) Validate() (Route, error) {
	if !r.Prefix.IsValid() {
		return r, &RouteOperationError{ErrorType: RouteErrInvalidRoute, Destination: r.Prefix.String(), Cause: fmt.Errorf("invalid prefix")}
	}
	addr := r.Prefix.Addr()
	bits := r.Prefix.Bits()
	if addr.Is4In6() {
		if bits < 96 {
			return r, &RouteOperationError{ErrorType: RouteErrInvalidRoute, Destination: r.Prefix.String(), Cause: fmt.Errorf("mask length %d out of range for mapped IPv4", bits)}
		}
		addr = addr.Unmap()
		bits -= 96
	}
	if bits < 0 || bits > addr.BitLen() {
		return r, &RouteOperationError{ErrorType: RouteErrInvalidRoute, Destination: r.Prefix.String(), Cause: fmt.Errorf("mask length %d out of range", bits)}
	}
	if r.Gateway.IsValid() && r.Gateway.Unmap().Is4() != addr.Is4() {
		return r, &RouteOperationError{ErrorType: RouteErrInvalidRoute, Destination: r.Prefix.String(), Gateway: r.Gateway.String(), Cause: fmt.Errorf("gateway address family does not match destination")}
	}

	out := r
	out.Prefix = netip.PrefixFrom(addr, bits).Masked()
	if out.Gateway.IsValid() {
		out.Gateway = out.Gateway.Unmap()
	}
	return out, nil
}

// IsDefault reports whether the route is a default route for its family
func (r Route) IsDefault() bool {
	return r.Prefix.IsValid() && r.Prefix.Bits() == 0
}

// String returns a compact, ip-route-like representation
func (r Route) String() string {
	var b strings.Builder
	b.WriteString(r.Prefix.String())
	if r.Gateway.IsValid() {
		b.WriteString(" via ")
		b.WriteString(r.Gateway.String())
	}
	if r.Interface != "" {
		b.WriteString(" dev ")
		b.WriteString(r.Interface)
	}
	fmt.Fprintf(&b, " metric %d", r.Metric)
	return b.String()
}

// RouteRecord is the external representation of a route
type RouteRecord struct {
	Destination string   `json:"destination" yaml:"destination"`
	Gateway     *string  `json:"gateway" yaml:"gateway,omitempty"`
	Interface   string   `json:"interface" yaml:"interface"`
	Metric      uint32   `json:"metric" yaml:"metric"`
	Flags       []string `json:"flags" yaml:"flags,omitempty"`
}

// Record converts the route to its external form
func (r Route) Record() RouteRecord {
	rec := RouteRecord{
		Destination: r.Prefix.String(),
		Interface:   r.Interface,
		Metric:      r.Metric,
		Flags:       r.Flags,
	}
	if rec.Flags == nil {
		rec.Flags = []string{}
	}
	if r.Gateway.IsValid() {
		gw := r.Gateway.String()
		rec.Gateway = &gw
	}
	return rec
}

// RouteFromRecord parses an external route record. "default" is accepted
// for the IPv4 default route and bare addresses become host routes.
func RouteFromRecord(rec RouteRecord) (Route, error) {
	prefix, err := ParseDestination(rec.Destination)
	if err != nil {
		return Route{}, &RouteOperationError{ErrorType: RouteErrInvalidRoute, Destination: rec.Destination, Cause: err}
	}
	route := Route{
		Prefix:    prefix,
		Interface: rec.Interface,
		Metric:    rec.Metric,
		Flags:     rec.Flags,
	}
	if rec.Gateway != nil && *rec.Gateway != "" {
		gw, err := netip.ParseAddr(*rec.Gateway)
		if err != nil {
			return Route{}, &RouteOperationError{ErrorType: RouteErrInvalidRoute, Destination: rec.Destination, Gateway: *rec.Gateway, Cause: err}
		}
		route.Gateway = gw
	}
	return route.Validate()
}

// ParseDestination parses CIDR text, "default", or a bare address
func ParseDestination(dest string) (netip.Prefix, error) {
	dest = strings.TrimSpace(dest)
	switch dest {
	case "default", "0/0":
		return netip.MustParsePrefix("0.0.0.0/0"), nil
	case "default6":
		return netip.MustParsePrefix("::/0"), nil
	case "":
		return netip.Prefix{}, fmt.Errorf("empty destination")
	}
	if strings.Contains(dest, "/") {
		return netip.ParsePrefix(dest)
	}
	addr, err := netip.ParseAddr(dest)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("unsupported destination format: %s", dest)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Package source validates repository locators and acquires shallow snapshots.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strings"
)

// MaxLocatorLength bounds accepted repository URLs.
const MaxLocatorLength = 500

// ErrInvalidLocator is returned for malformed or disallowed repository URLs.
var ErrInvalidLocator = errors.New("invalid repository locator")

var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// Validator checks repository locators before any network call is made.
type Validator struct {
	// AllowedHosts, when non-empty, restricts locators to these hostnames.
	AllowedHosts []string
}

// Validate rejects locators that are malformed, use a non-network scheme,
// carry credentials, or name a loopback, private or otherwise internal host.
func (v Validator) Validate(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: repository URL is required", ErrInvalidLocator)
	}
	if len(raw) > MaxLocatorLength {
		return fmt.Errorf("%w: URL too long (max %d characters)", ErrInvalidLocator, MaxLocatorLength)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https", "http":
	case "":
		return fmt.Errorf("%w: missing scheme (https://)", ErrInvalidLocator)
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrInvalidLocator, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL not allowed", ErrInvalidLocator)
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidLocator)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q is internal", ErrInvalidLocator, host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && blockedAddr(addr) {
		return fmt.Errorf("%w: address %s is internal", ErrInvalidLocator, addr)
	}
	if len(v.AllowedHosts) > 0 && !slices.Contains(v.AllowedHosts, host) {
		return fmt.Errorf("%w: host %q not allowed", ErrInvalidLocator, host)
	}

	if _, _, err := RepoInfo(raw); err != nil {
		return err
	}
	return nil
}

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// CheckResolved resolves the locator's host and rejects it if any address is internal.
// Hostnames such as "internal.example" pointing at 10.0.0.1 pass Validate but fail here.
func CheckResolved(ctx context.Context, r Resolver, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	host := u.Hostname()
	if _, err := netip.ParseAddr(host); err == nil {
		return nil // literal addresses are checked by Validate
	}
	if r == nil {
		r = net.DefaultResolver
	}

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrCloneFailed, host, err)
	}
	for _, addr := range addrs {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: %s resolves to internal address %s", ErrInvalidLocator, host, addr)
		}
	}
	return nil
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		cgnat.Contains(addr)
}

// RepoInfo extracts the owner and repository name from a locator path.
// "https://github.com/acme/widgets.git" yields ("acme", "widgets").
func RepoInfo(raw string) (owner, name string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}

	var parts []string
	for _, p := range strings.Split(u.Path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) < 2 {
		return "", "", fmt.Errorf("%w: expected host/owner/repository", ErrInvalidLocator)
	}

	owner = parts[len(parts)-2]
	name = strings.TrimSuffix(parts[len(parts)-1], ".git")
	if name == "" {
		return "", "", fmt.Errorf("%w: empty repository name", ErrInvalidLocator)
	}
	return owner, name, nil
}

// Package security validates outbound URLs before block handlers fetch
// them. Workflow configs are user-supplied, so a worker running inside the
// cluster must refuse requests aimed at itself, its peers, or the cloud
// metadata service.
package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// allowedSchemes is the closed set of protocols handlers may fetch.
// Everything else (file, gopher, dict, redis, ...) is an SSRF vector.
var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// blockedHostnames are literal spellings of the local host that resolve
// checks would miss
var blockedHostnames = map[string]bool{
	"localhost":        true,
	"0.0.0.0":          true,
	"::":               true,
	"::1":              true,
	"127.0.0.1":        true,
	"::ffff:127.0.0.1": true,
}

// blockedPathPatterns reject obvious file-access and traversal attempts
// in paths and query values
var blockedPathPatterns = []string{
	"file://",
	"../",
	"..\\",
	"/etc/",
	"/proc/",
	"/sys/",
	"%2e%2e/",
	"%2e%2e%2f",
	"..%2f",
	"%2e%2e%5c",
	"..%5c",
}

// URLValidator rejects URLs that would let a workflow reach private
// infrastructure. The zero value is not usable; construct with
// NewURLValidator.
type URLValidator struct {
	lookupIP func(host string) ([]net.IP, error)
}

// NewURLValidator creates a validator using the system resolver
func NewURLValidator() *URLValidator {
	return &URLValidator{lookupIP: net.LookupIP}
}

// Validate parses and checks the URL's scheme, host, path, and query
// values. A nil return means the URL is safe to fetch.
func (v *URLValidator) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	if err := v.checkScheme(parsed.Scheme); err != nil {
		return err
	}
	if err := v.checkHost(parsed.Hostname()); err != nil {
		return err
	}
	if err := checkPath(parsed.Path); err != nil {
		return err
	}
	for key, values := range parsed.Query() {
		for _, value := range values {
			if err := checkPath(value); err != nil {
				return fmt.Errorf("query parameter %q: %w", key, err)
			}
		}
	}
	return nil
}

func (v *URLValidator) checkScheme(scheme string) error {
	normalized := strings.ToLower(strings.TrimSpace(scheme))
	if normalized == "" {
		return fmt.Errorf("url has no scheme")
	}
	if !allowedSchemes[normalized] {
		return fmt.Errorf("scheme %q is not allowed, only http and https", scheme)
	}
	return nil
}

// checkHost blocks local hostnames, then resolves the host and checks
// every address. A failed lookup passes; the fetch itself will fail with
// a clearer error.
func (v *URLValidator) checkHost(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("url has no host")
	}

	normalized := strings.ToLower(strings.TrimSpace(hostname))
	if blockedHostnames[normalized] {
		return fmt.Errorf("host %q is blocked: local address", hostname)
	}

	ips, err := v.lookupIP(hostname)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return err
		}
	}
	return nil
}

// checkIP blocks address ranges that point back into the deployment:
// loopback, RFC1918/ULA private space, link-local (cloud metadata),
// multicast, and unspecified addresses.
func checkIP(ip net.IP) error {
	switch {
	case ip == nil:
		return fmt.Errorf("host resolved to a nil address")
	case ip.IsLoopback():
		return fmt.Errorf("address %s is blocked: loopback", ip)
	case ip.IsPrivate():
		return fmt.Errorf("address %s is blocked: private network", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("address %s is blocked: link-local", ip)
	case ip.IsMulticast():
		return fmt.Errorf("address %s is blocked: multicast", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("address %s is blocked: unspecified", ip)
	}
	return nil
}

func checkPath(s string) error {
	if s == "" {
		return nil
	}
	normalized := strings.ToLower(s)
	for _, pattern := range blockedPathPatterns {
		if strings.Contains(normalized, pattern) {
			return fmt.Errorf("path contains blocked pattern %q", pattern)
		}
	}
	return nil
}

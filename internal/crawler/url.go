package crawler

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
)

var (
	// ErrUnsupportedScheme is returned for anything other than http and https.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	// ErrMissingHost is returned for URLs without a host.
	ErrMissingHost = errors.New("url has no host")
)

// Canonicalize standardizes a URL so equivalent spellings dedupe to one key.
// It lowercases the scheme and host, removes default ports, resolves dot
// segments, strips the fragment, sorts query parameters and normalizes the
// trailing slash (an empty path becomes "/", other paths lose a trailing "/").
func Canonicalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return canonical(u)
}

// Resolve canonicalizes ref relative to base.
func Resolve(base *url.URL, ref string) (string, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if base != nil {
		r = base.ResolveReference(r)
	}
	return canonical(r)
}

func canonical(u *url.URL) (string, error) {
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%q: %w", u.Scheme, ErrUnsupportedScheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", ErrMissingHost
	}
	host = strings.TrimSuffix(host, ".")
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		u.Host = "[" + host + "]"
	} else {
		u.Host = host
	}

	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	p = path.Clean(p)
	if p != "/" {
		p = strings.TrimSuffix(p, "/")
	}
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return "", fmt.Errorf("unescape path: %w", err)
	}
	u.Path = decoded
	u.RawPath = ""
	if p != u.EscapedPath() {
		u.RawPath = p
	}

	if u.RawQuery != "" {
		q := u.Query()
		u.RawQuery = q.Encode()
	}
	u.ForceQuery = false
	u.Opaque = ""

	return u.String(), nil
}

// Domain returns the lowercase host of rawURL without port.
func Domain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

// IsSubdomain reports whether host equals parent or sits beneath it.
func IsSubdomain(host, parent string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	parent = strings.ToLower(strings.TrimSuffix(parent, "."))
	if host == "" || parent == "" {
		return false
	}
	return host == parent || strings.HasSuffix(host, "."+parent)
}

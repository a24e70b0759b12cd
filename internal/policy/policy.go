/*
Package policy holds the authorization policy for the proxy: the set of
valid credentials and the destination allow-list.

A Policy is immutable once built. Reloading is done by building a new
Policy and swapping it into a Store; requests that already loaded the old
Policy keep using it.

Lookups fail closed. An empty or malformed credential is never valid and
a hostname that cannot be normalized is never allowed.
*/
package policy

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/idna"
)

// ErrInvalidHost is returned when a hostname cannot be normalized.
var ErrInvalidHost = errors.New("invalid hostname")

// User is a username/password pair accepted for Basic authentication.
// Password is either plaintext or a bcrypt hash.
type User struct {
	Username string
	Password string
}

// Policy is the immutable composition of valid credentials and the
// destination allow-list.
type Policy struct {
	users     map[string]string
	tokens    []string
	allowlist []string
}

// New builds a Policy. Allow-list entries are lower-cased and converted to
// their ASCII (punycode) form. An entry that cannot be normalized is an error.
func New(users []User, tokens, allowlist []string) (*Policy, error) {
	p := &Policy{
		users: make(map[string]string, len(users)),
	}

	for i, u := range users {
		if u.Username == "" || strings.Contains(u.Username, ":") {
			return nil, fmt.Errorf("users[%d]: invalid username %q", i, u.Username)
		}
		if u.Password == "" {
			return nil, fmt.Errorf("users[%d]: empty password for %q", i, u.Username)
		}
		if _, dup := p.users[u.Username]; dup {
			return nil, fmt.Errorf("users[%d]: duplicate username %q", i, u.Username)
		}
		p.users[u.Username] = u.Password
	}

	for i, tok := range tokens {
		if strings.TrimSpace(tok) == "" {
			return nil, fmt.Errorf("tokens[%d]: empty token", i)
		}
		p.tokens = append(p.tokens, tok)
	}

	seen := make(map[string]struct{}, len(allowlist))
	for i, entry := range allowlist {
		host, err := NormalizeHost(entry)
		if err != nil {
			return nil, fmt.Errorf("allowlist[%d]: %w", i, err)
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		p.allowlist = append(p.allowlist, host)
	}

	return p, nil
}

// IsValidCredential reports whether the credential matches a configured
// user (username and password) or bearer token.
func (p *Policy) IsValidCredential(c Credential) bool {
	if p == nil {
		return false
	}
	switch c.Scheme {
	case SchemeBasic:
		if c.Username == "" || c.Password == "" {
			return false
		}
		stored, ok := p.users[c.Username]
		if !ok {
			return false
		}
		if IsHashed(stored) {
			return bcrypt.CompareHashAndPassword([]byte(stored), []byte(c.Password)) == nil
		}
		return subtle.ConstantTimeCompare([]byte(stored), []byte(c.Password)) == 1
	case SchemeBearer:
		if c.Token == "" {
			return false
		}
		match := 0
		for _, tok := range p.tokens {
			match |= subtle.ConstantTimeCompare([]byte(tok), []byte(c.Token))
		}
		return match == 1
	default:
		return false
	}
}

// IsAllowedHost reports whether hostname matches any allow-list entry.
func (p *Policy) IsAllowedHost(hostname string) bool {
	_, ok := p.MatchHost(hostname)
	return ok
}

// MatchHost returns the first allow-list entry that matches hostname.
// A hostname matches an entry if it is equal to it or a strict subdomain
// of it. IP literals only match exactly.
func (p *Policy) MatchHost(hostname string) (string, bool) {
	if p == nil {
		return "", false
	}
	host, err := NormalizeHost(hostname)
	if err != nil {
		return "", false
	}
	isIP := net.ParseIP(host) != nil
	for _, entry := range p.allowlist {
		if host == entry {
			return entry, true
		}
		if !isIP && net.ParseIP(entry) == nil && strings.HasSuffix(host, "."+entry) {
			return entry, true
		}
	}
	return "", false
}

// UserCount returns the number of Basic users.
func (p *Policy) UserCount() int {
	if p == nil {
		return 0
	}
	return len(p.users)
}

// TokenCount returns the number of bearer tokens.
func (p *Policy) TokenCount() int {
	if p == nil {
		return 0
	}
	return len(p.tokens)
}

// Allowlist returns a copy of the normalized allow-list in match order.
func (p *Policy) Allowlist() []string {
	if p == nil {
		return nil
	}
	out := make([]string, len(p.allowlist))
	copy(out, p.allowlist)
	return out
}

// NormalizeHost lower-cases a hostname, strips a trailing dot and IPv6
// brackets, and converts internationalized names to ASCII. Hostnames with
// ports, paths, wildcards or whitespace are rejected.
func NormalizeHost(hostname string) (string, error) {
	h := strings.TrimSpace(hostname)
	if h != hostname || h == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, hostname)
	}
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	if ip := net.ParseIP(h); ip != nil {
		return ip.String(), nil
	}
	if strings.ContainsAny(h, "/*@: \t") {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, hostname)
	}
	h = strings.TrimSuffix(h, ".")
	ascii, err := idna.Lookup.ToASCII(h)
	if err != nil || ascii == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidHost, hostname)
	}
	return strings.ToLower(ascii), nil
}

// IsHashed reports whether a stored password is a bcrypt hash.
func IsHashed(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// HashPassword returns a bcrypt hash suitable for a users[].password entry.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

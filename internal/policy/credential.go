package policy

import (
	"crypto/sha256"
	"encoding/hex"
)

// Scheme identifies how a credential was presented.
type Scheme string

// Supported Proxy-Authorization schemes.
const (
	SchemeBasic  Scheme = "basic"
	SchemeBearer Scheme = "bearer"
)

// Credential is a parsed Proxy-Authorization value. Basic credentials carry
// Username and Password; bearer credentials carry Token.
type Credential struct {
	Scheme   Scheme
	Username string
	Password string
	Token    string
}

// IsZero reports whether no credential was presented.
func (c Credential) IsZero() bool {
	return c.Scheme == "" && c.Username == "" && c.Password == "" && c.Token == ""
}

// Masked returns an identity for the credential that is safe to log.
// Usernames are not secret; passwords and tokens never appear.
func (c Credential) Masked() string {
	switch c.Scheme {
	case SchemeBasic:
		if c.Username == "" {
			return "user:-"
		}
		return "user:" + c.Username
	case SchemeBearer:
		if c.Token == "" {
			return "token:-"
		}
		sum := sha256.Sum256([]byte(c.Token))
		return "token:" + hex.EncodeToString(sum[:4])
	default:
		return "-"
	}
}

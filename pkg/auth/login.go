// Package auth provides login callbacks for server-side handshake
// verification.
//
// Clients never send a clear-text password. The pw header field carries the
// lowercase hex SHA-256 digest of the password, and a LoginFunc decides
// whether that digest is acceptable. The server runs login callbacks on
// worker goroutines, bounded by GOMAXPROCS, so a slow callback delays only
// the handshake it verifies.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/bcrypt"
)

// LoginFunc reports whether a received password digest is accepted.
type LoginFunc func(digest string) bool

// HashPassword returns the digest a client sends for password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// DefaultLogin accepts only the digest of the empty password. It is a
// placeholder; deployments inject their own LoginFunc.
func DefaultLogin(digest string) bool {
	return StaticLogin("")(digest)
}

// StaticLogin accepts exactly one password, compared in constant time.
func StaticLogin(password string) LoginFunc {
	want := []byte(HashPassword(password))
	return func(digest string) bool {
		return subtle.ConstantTimeCompare(want, []byte(digest)) == 1
	}
}

// DefaultBcryptCacheSize is the number of verified digests, and separately of
// rejected digests, BcryptLogin remembers.
const DefaultBcryptCacheSize = 128

// BcryptLogin verifies digests against a bcrypt hash of the password digest,
// as produced by GenerateBcrypt. The N members of one stream all present the
// same digest, so digests that verified once are remembered and the bcrypt
// cost is paid once per stream rather than once per member. Rejected digests
// are remembered too, so a client retrying a wrong password costs one
// comparison.
func BcryptLogin(hash []byte, cacheSize int) (LoginFunc, error) {
	if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("auth: invalid bcrypt hash: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultBcryptCacheSize
	}
	verified, err := lru.New2Q(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("auth: create cache: %w", err)
	}
	rejected, err := lru.New2Q(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("auth: create cache: %w", err)
	}

	stored := append([]byte(nil), hash...)
	return func(digest string) bool {
		if verified.Contains(digest) {
			return true
		}
		if rejected.Contains(digest) {
			return false
		}
		if bcrypt.CompareHashAndPassword(stored, []byte(digest)) != nil {
			rejected.Add(digest, struct{}{})
			return false
		}
		verified.Add(digest, struct{}{})
		return true
	}, nil
}

// GenerateBcrypt returns the bcrypt hash BcryptLogin expects for password.
// A cost of zero selects bcrypt.DefaultCost.
func GenerateBcrypt(password string, cost int) ([]byte, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(HashPassword(password)), cost)
}

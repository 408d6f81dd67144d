package auth

import (
	"crypto/sha512"
	"encoding/hex"
	"net/mail"
	"strings"
)

// passwordSalt is the fixed prefix concatenated before hashing. Stored
// hashes depend on it, so it must never change for an existing deployment.
const passwordSalt = "us"

// HashPassword derives the persisted one-way password hash. Masking is
// transport obfuscation only; storage always goes through this.
func HashPassword(password string) string {
	sum := sha512.Sum512([]byte(passwordSalt + password))
	return hex.EncodeToString(sum[:])
}

// CheckPassword compares a candidate against a stored hash.
func CheckPassword(password, hash string) bool {
	return HashPassword(password) == hash
}

// ValidEmail reports whether s parses as a bare address.
func ValidEmail(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t\r\n") {
		return false
	}
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

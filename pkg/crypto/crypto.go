package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

// codeAlphabet excludes easily confused characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateToken returns a random URL-safe token of the requested byte length.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// GenerateCode returns a short human-friendly code, suitable for referral codes
// embedded in SMS messages.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("crypto: code length must be positive")
	}

	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}

	out := make([]byte, length)
	for i, b := range buffer {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// Package credentials generates RADIUS username/password pairs for
// billing sessions. Passwords are short-lived hotspot credentials that
// subscribers type on a captive portal, so the alphabet excludes
// characters that are easy to misread (0/O, 1/I/l).
package credentials

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	// passwordAlphabet omits 0, O, 1, I and l.
	passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz23456789"

	// PasswordLength is the length of generated hotspot passwords.
	PasswordLength = 8

	usernamePrefix = "User"
)

// Credentials is a plaintext RADIUS username/password pair. The password
// is only observable at generation time; afterwards it lives in the
// attribute store as a check attribute.
type Credentials struct {
	Username string
	Password string
}

// Generate returns fresh credentials for the given stable username. The
// password is always newly drawn, so issuing a new session for the same
// username never reuses the previous session's pair.
func Generate(username string) (Credentials, error) {
	password, err := NewPassword()
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Username: username, Password: password}, nil
}

// NewPassword draws a fresh pseudorandom password of PasswordLength
// characters from the unambiguous alphabet.
func NewPassword() (string, error) {
	buf := make([]byte, PasswordLength)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("draw password character: %w", err)
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// NewUsername generates a stable subscriber username of the form
// User##### (five digits). Assigned once, on first successful payment.
func NewUsername() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(90000))
	if err != nil {
		return "", fmt.Errorf("draw username suffix: %w", err)
	}
	return fmt.Sprintf("%s%d", usernamePrefix, n.Int64()+10000), nil
}

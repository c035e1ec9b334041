package internal

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// AuthToken computes the obs-websocket v5 challenge response:
//
//	secret = Base64(SHA256(password + salt))
//	token  = Base64(SHA256(secret + challenge))
//
// The second hash runs over the Base64 text of the secret, not its raw
// bytes. All three inputs must be non-empty.
func AuthToken(password, salt, challenge string) (string, error) {
	if password == "" || salt == "" || challenge == "" {
		return "", fmt.Errorf("password, salt and challenge are all required: %w", ErrAuthenticationFailed)
	}

	secretSum := sha256.Sum256([]byte(password + salt))
	secret := base64.StdEncoding.EncodeToString(secretSum[:])

	tokenSum := sha256.Sum256([]byte(secret + challenge))
	return base64.StdEncoding.EncodeToString(tokenSum[:]), nil
}

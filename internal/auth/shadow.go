package auth

import (
	"crypto/sha256"

	"golang.org/x/crypto/argon2"
)

// ShadowSize is the length of shadows produced by DeriveShadow. It is a
// valid AES-256 key length.
const ShadowSize = 32

// Argon2id parameters for DeriveShadow.
const (
	shadowTime    = 1
	shadowMemory  = 64 * 1024
	shadowThreads = 4
)

// DeriveShadow turns a viewer's password into the shadow it presents to
// the camera. The salt is derived from the user name so the same
// credentials always produce the same shadow.
func DeriveShadow(user, password string) []byte {
	salt := sha256.Sum256([]byte("p2pcam:" + user))
	return argon2.IDKey([]byte(password), salt[:16], shadowTime, shadowMemory, shadowThreads, ShadowSize)
}

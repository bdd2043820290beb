package webauthn

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/AndreevSemen/twofactor/internal/structures"
	"github.com/AndreevSemen/twofactor/internal/utilities"
)

const (
	challengeSize = 32

	publicKeyType = "public-key"
	algES256      = -7
	algRS256      = -257
)

func MakeChallenge() (string, error) {
	buf := make([]byte, challengeSize)
	if _, err := rand.Read(buf); err != nil {
		err = errors.Wrap(err, "read random challenge")
		return "", err
	}
	return utilities.EncodeBase64URL(buf), nil
}

// MakeUserID derives a stable user handle that does not expose the login.
func MakeUserID(login string) string {
	sum := sha1.Sum([]byte(login))
	return utilities.EncodeBase64URL([]byte(hex.EncodeToString(sum[:])))
}

func descriptors(devices []structures.Device) []structures.CredentialDescriptor {
	list := make([]structures.CredentialDescriptor, 0, len(devices))
	for _, d := range devices {
		list = append(list, structures.CredentialDescriptor{
			Type: publicKeyType,
			ID:   d.KeyHandle,
		})
	}
	return list
}

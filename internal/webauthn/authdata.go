package webauthn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	authDataMinLen = 37

	flagUserPresent  = 0x01
	flagUserVerified = 0x04
)

var (
	ErrBadAuthenticatorData = errors.New("authenticator data is too short")
	ErrRPIDMismatch         = errors.New("authenticator data is for another relying party")
	ErrUserNotPresent       = errors.New("user presence flag is not set")
	ErrUserNotVerified      = errors.New("user verification flag is not set")
)

// AuthenticatorData holds the fixed-size prefix of authenticatorData:
// rpIdHash (32) | flags (1) | signCount (4, big endian).
type AuthenticatorData struct {
	RPIDHash  [32]byte
	Flags     byte
	SignCount uint32
}

func ParseAuthenticatorData(raw []byte) (AuthenticatorData, error) {
	if len(raw) < authDataMinLen {
		return AuthenticatorData{}, ErrBadAuthenticatorData
	}

	var ad AuthenticatorData
	copy(ad.RPIDHash[:], raw[:32])
	ad.Flags = raw[32]
	ad.SignCount = binary.BigEndian.Uint32(raw[33:37])

	return ad, nil
}

func (ad AuthenticatorData) Verify(rpID string, uvRequired bool) error {
	want := sha256.Sum256([]byte(rpID))
	if subtle.ConstantTimeCompare(ad.RPIDHash[:], want[:]) != 1 {
		return ErrRPIDMismatch
	}
	if ad.Flags&flagUserPresent == 0 {
		return ErrUserNotPresent
	}
	if uvRequired && ad.Flags&flagUserVerified == 0 {
		return ErrUserNotVerified
	}
	return nil
}

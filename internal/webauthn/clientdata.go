package webauthn

import (
	"crypto/subtle"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/AndreevSemen/twofactor/internal/utilities"
)

const (
	typeCreate = "webauthn.create"
	typeGet    = "webauthn.get"
)

var (
	ErrBadClientData     = errors.New("client data is malformed")
	ErrChallengeMismatch = errors.New("client data challenge does not match")
	ErrOriginMismatch    = errors.New("client data origin does not match")
)

type ClientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin bool   `json:"crossOrigin,omitempty"`
}

// ParseClientData decodes the URL-safe clientDataJSON field.
func ParseClientData(encoded string) (ClientData, error) {
	raw, err := utilities.DecodeBase64URL(encoded)
	if err != nil {
		return ClientData{}, err
	}

	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return ClientData{}, errors.Wrap(ErrBadClientData, err.Error())
	}

	return cd, nil
}

func (cd ClientData) Verify(typ, challenge, origin string) error {
	if cd.Type != typ {
		return errors.Wrapf(ErrBadClientData, "unexpected type '%s'", cd.Type)
	}

	got := strings.TrimRight(cd.Challenge, "=")
	want := strings.TrimRight(challenge, "=")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrChallengeMismatch
	}

	if cd.Origin != origin {
		return ErrOriginMismatch
	}

	return nil
}

package utilities

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	toURLSafe   = strings.NewReplacer("/", "_", "+", "-")
	fromURLSafe = strings.NewReplacer("_", "/", "-", "+")

	errExcessPadding = errors.New("excess trailing padding")
)

// DecodeError is returned by DecodeBase64URL when the token is not valid
// base64 after the URL-safe substitution is reversed.
type DecodeError struct {
	Input string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode base64url '%s': %s", e.Input, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Cause() error { return e.Err }

// EncodeBase64URL encodes data as unpadded URL-safe base64.
func EncodeBase64URL(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	return strings.TrimRight(toURLSafe.Replace(encoded), "=")
}

// DecodeBase64URL accepts tokens with or without trailing padding. At most
// the padding the unpadded body needs may be present.
func DecodeBase64URL(token string) ([]byte, error) {
	std := fromURLSafe.Replace(token)
	body := strings.TrimRight(std, "=")

	pad := (4 - len(body)%4) % 4
	if len(std)-len(body) > pad {
		return nil, &DecodeError{Input: token, Err: errExcessPadding}
	}

	decoded, err := base64.StdEncoding.DecodeString(body + "==="[:pad])
	if err != nil {
		return nil, &DecodeError{Input: token, Err: err}
	}
	return decoded, nil
}

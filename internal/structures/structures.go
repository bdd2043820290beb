package structures

import "time"

type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type ErrorResponse struct {
	Err interface{} `json:"error"`
}

type SignInResponse struct {
	Result      string `json:"result"`
	MFARequired bool   `json:"mfaRequired"`
}

type BackupTokensResponse struct {
	Tokens []string `json:"tokens"`
}

type BackupTokenRequest struct {
	Token string `json:"token"`
}

// RegistrationResponse is the JSON form of the credential returned by
// navigator.credentials.create, with every binary field URL-safe encoded.
type RegistrationResponse struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AttestationObject string `json:"attestationObject"`

		// older clients post the short names
		ClientData string `json:"clientData,omitempty"`
		AttObj     string `json:"attObj,omitempty"`
	} `json:"response"`
}

func (r RegistrationResponse) ClientData() string {
	return firstNonEmpty(r.Response.ClientDataJSON, r.Response.ClientData)
}

func (r RegistrationResponse) AttestationObject() string {
	return firstNonEmpty(r.Response.AttestationObject, r.Response.AttObj)
}

// AssertionResponse is the JSON form of the credential returned by
// navigator.credentials.get.
type AssertionResponse struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AuthenticatorData string `json:"authenticatorData"`
		Signature         string `json:"signature"`
		UserHandle        string `json:"userHandle,omitempty"`

		ClientData string `json:"clientData,omitempty"`
		AuthData   string `json:"authData,omitempty"`
	} `json:"response"`
}

func (r AssertionResponse) ClientData() string {
	return firstNonEmpty(r.Response.ClientDataJSON, r.Response.ClientData)
}

func (r AssertionResponse) AuthenticatorData() string {
	return firstNonEmpty(r.Response.AuthenticatorData, r.Response.AuthData)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type Device struct {
	ID         string     `json:"id"`
	Login      string     `json:"-"`
	Name       string     `json:"name"`
	KeyHandle  string     `json:"keyHandle"`
	PublicKey  []byte     `json:"-"`
	SignCount  uint32     `json:"signCount"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

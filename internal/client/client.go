package client

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/structures"
	"github.com/AndreevSemen/twofactor/internal/utilities"
)

var (
	ErrNoToken     = errors.New("got no token from server")
	ErrNotSignedIn = errors.New("client is not signed in")
)

// CredentialCreation is CreationOptions with every binary field decoded,
// the shape navigator.credentials.create expects.
type CredentialCreation struct {
	RP                 structures.RelyingParty
	UserID             []byte
	UserName           string
	DisplayName        string
	Challenge          []byte
	PubKeyCredParams   []structures.CredentialParameter
	Timeout            time.Duration
	ExcludeCredentials [][]byte
	UserVerification   string
	Attestation        string
}

// CredentialRequest is RequestOptions with every binary field decoded.
type CredentialRequest struct {
	RPID             string
	Challenge        []byte
	Timeout          time.Duration
	AllowCredentials [][]byte
	UserVerification string
}

type Client struct {
	cfg    config.ClientConfig
	client *http.Client
	token  string
}

func NewClient(cfg config.ClientConfig) (*Client, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.Insecure,
	}

	// Create a pool with the server certificate since it is not signed
	// by a known CA
	if cfg.CertPath != "" {
		caCert, err := ioutil.ReadFile(cfg.CertPath)
		if err != nil {
			err = errors.Wrap(err, "read server certificate")
			return nil, err
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("server certificate is not a PEM certificate")
		}
		tlsConfig.RootCAs = caCertPool
	}

	c := &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
	}

	return c, nil
}

func (c *Client) SignOn() error {
	resp, err := c.do(http.MethodPost, "/signon", nil, c.credentials(), false)
	if err != nil {
		err = errors.Wrap(err, "do sign on")
		return err
	}
	resp.Body.Close()

	return nil
}

// SignIn stores the returned token. When mfaRequired is true the token only
// opens the WebAuthn login ceremony.
func (c *Client) SignIn() (mfaRequired bool, err error) {
	resp, err := c.do(http.MethodPost, "/signin", nil, c.credentials(), false)
	if err != nil {
		err = errors.Wrap(err, "do sign in")
		return false, err
	}
	defer resp.Body.Close()

	token := resp.Header.Get("Authorization")
	if token == "" {
		return false, ErrNoToken
	}
	c.token = token

	var result structures.SignInResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		err = errors.Wrap(err, "decode sign in result")
		return false, err
	}

	logrus.WithField("logging-entity", "client/signin").Infof("signed in as '%s'", c.cfg.Login)
	return result.MFARequired, nil
}

func (c *Client) RegistrationOptions(displayName string) (CredentialCreation, error) {
	q := url.Values{}
	if displayName != "" {
		q.Set("displayName", displayName)
	}

	var opts structures.CreationOptions
	if err := c.doJSON(http.MethodPost, "/webauthn/register/begin", q, nil, &opts); err != nil {
		err = errors.Wrap(err, "begin registration")
		return CredentialCreation{}, err
	}

	return decodeCreationOptions(opts)
}

// FinishRegistration sends the authenticator's response back to the server,
// which stores the new device under name.
func (c *Client) FinishRegistration(name string, cred structures.RegistrationResponse) (structures.Device, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}

	var device structures.Device
	if err := c.doJSON(http.MethodPost, "/webauthn/register/complete", q, cred, &device); err != nil {
		err = errors.Wrap(err, "complete registration")
		return structures.Device{}, err
	}

	return device, nil
}

func (c *Client) LoginOptions() (CredentialRequest, error) {
	var opts structures.RequestOptions
	if err := c.doJSON(http.MethodPost, "/webauthn/login/begin", nil, nil, &opts); err != nil {
		err = errors.Wrap(err, "begin login")
		return CredentialRequest{}, err
	}

	return decodeRequestOptions(opts)
}

func (c *Client) ListDevices() ([]structures.Device, error) {
	var devices []structures.Device
	if err := c.doJSON(http.MethodGet, "/webauthn/devices", nil, nil, &devices); err != nil {
		err = errors.Wrap(err, "list devices")
		return nil, err
	}

	return devices, nil
}

func (c *Client) DeleteDevice(id string) error {
	resp, err := c.do(http.MethodDelete, "/webauthn/devices/"+url.PathEscape(id), nil, nil, true)
	if err != nil {
		err = errors.Wrap(err, "delete device")
		return err
	}
	resp.Body.Close()

	return nil
}

// GenerateBackupTokens replaces the account's backup tokens. The returned
// tokens are shown once and never stored by the server in plain text.
func (c *Client) GenerateBackupTokens() ([]string, error) {
	var result structures.BackupTokensResponse
	if err := c.doJSON(http.MethodPost, "/webauthn/backup-tokens", nil, nil, &result); err != nil {
		err = errors.Wrap(err, "generate backup tokens")
		return nil, err
	}

	return result.Tokens, nil
}

// RedeemBackupToken passes the second factor with a backup token instead of a
// device and stores the full-stage token.
func (c *Client) RedeemBackupToken(token string) error {
	resp, err := c.do(http.MethodPost, "/webauthn/login/backup", nil, structures.BackupTokenRequest{Token: token}, true)
	if err != nil {
		err = errors.Wrap(err, "redeem backup token")
		return err
	}
	resp.Body.Close()

	full := resp.Header.Get("Authorization")
	if full == "" {
		return ErrNoToken
	}
	c.token = full

	logrus.WithField("logging-entity", "client/backup").Infof("'%s' passed second factor with a backup token", c.cfg.Login)
	return nil
}

func decodeCreationOptions(opts structures.CreationOptions) (CredentialCreation, error) {
	challenge, err := utilities.DecodeBase64URL(opts.Challenge)
	if err != nil {
		err = errors.Wrap(err, "decode challenge")
		return CredentialCreation{}, err
	}

	userID, err := utilities.DecodeBase64URL(opts.User.ID)
	if err != nil {
		err = errors.Wrap(err, "decode user id")
		return CredentialCreation{}, err
	}

	exclude, err := decodeDescriptors(opts.ExcludeCredentials)
	if err != nil {
		return CredentialCreation{}, err
	}

	cc := CredentialCreation{
		RP:                 opts.RP,
		UserID:             userID,
		UserName:           opts.User.Name,
		DisplayName:        opts.User.DisplayName,
		Challenge:          challenge,
		PubKeyCredParams:   opts.PubKeyCredParams,
		Timeout:            time.Duration(opts.Timeout) * time.Millisecond,
		ExcludeCredentials: exclude,
		UserVerification:   opts.AuthenticatorSelection.UserVerification,
		Attestation:        opts.Attestation,
	}

	return cc, nil
}

func decodeRequestOptions(opts structures.RequestOptions) (CredentialRequest, error) {
	challenge, err := utilities.DecodeBase64URL(opts.Challenge)
	if err != nil {
		err = errors.Wrap(err, "decode challenge")
		return CredentialRequest{}, err
	}

	allow, err := decodeDescriptors(opts.AllowCredentials)
	if err != nil {
		return CredentialRequest{}, err
	}

	cr := CredentialRequest{
		RPID:             opts.RPID,
		Challenge:        challenge,
		Timeout:          time.Duration(opts.Timeout) * time.Millisecond,
		AllowCredentials: allow,
		UserVerification: opts.UserVerification,
	}

	return cr, nil
}

func decodeDescriptors(list []structures.CredentialDescriptor) ([][]byte, error) {
	ids := make([][]byte, 0, len(list))
	for _, d := range list {
		id, err := utilities.DecodeBase64URL(d.ID)
		if err != nil {
			err = errors.Wrap(err, "decode credential id")
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Client) credentials() structures.Credentials {
	return structures.Credentials{
		Login:    c.cfg.Login,
		Password: c.cfg.Password,
	}
}

func (c *Client) doJSON(method, path string, query url.Values, body, out interface{}) error {
	resp, err := c.do(method, path, query, body, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		err = errors.Wrap(err, "decode response")
		return err
	}
	return nil
}

// do sends the request and turns non-200 responses into errors carrying the
// server's error message.
func (c *Client) do(method, path string, query url.Values, body interface{}, authorized bool) (*http.Response, error) {
	if authorized && c.token == "" {
		return nil, ErrNotSignedIn
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			err = errors.Wrap(err, "marshal request body")
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	u := url.URL{
		Scheme:   "https",
		Host:     c.cfg.ServerAddr,
		Path:     path,
		RawQuery: query.Encode(),
	}
	req, err := http.NewRequest(method, u.String(), reqBody)
	if err != nil {
		err = errors.Wrap(err, "make request")
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		var errResp structures.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Err == nil {
			return nil, errors.Errorf("server responded %s", resp.Status)
		}
		return nil, errors.Errorf("server responded %s: %v", resp.Status, errResp.Err)
	}

	return resp, nil
}

package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AndreevSemen/twofactor/internal/auth"
	"github.com/AndreevSemen/twofactor/internal/challenges"
	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/db"
	"github.com/AndreevSemen/twofactor/internal/structures"
	"github.com/AndreevSemen/twofactor/internal/utilities"
	"github.com/AndreevSemen/twofactor/internal/webauthn"
)

const (
	testLogin    = "alice.smith"
	testPassword = "password.1"
	testOrigin   = "https://example.com"
	testRPID     = "example.com"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	var cfg config.Config
	cfg.Server.Expiration = time.Hour
	cfg.Redis.ChallengeTTL = time.Minute
	cfg.WebAuthn = config.WebAuthn{RPID: testRPID, RPName: "Example", Origin: testOrigin, Timeout: time.Minute}

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := db.Open(":memory:")
	require.NoError(t, err)

	authManager := auth.NewAuthManager(cfg, store, "test-secret")
	manager := webauthn.NewManager(cfg, store, challenges.NewStore(rdb, "test"))
	ts := httptest.NewServer(NewServer(cfg, authManager, manager, store).Handler())

	t.Cleanup(func() {
		ts.Close()
		store.Close()
		_ = rdb.Close()
		mr.Close()
	})

	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func clientData(t *testing.T, typ, challenge string) string {
	raw, err := json.Marshal(webauthn.ClientData{Type: typ, Challenge: challenge, Origin: testOrigin})
	require.NoError(t, err)
	return utilities.EncodeBase64URL(raw)
}

func authData(counter uint32) string {
	hash := sha256.Sum256([]byte(testRPID))
	raw := append(hash[:], 0x01, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(raw[33:], counter)
	return utilities.EncodeBase64URL(raw)
}

func signIn(t *testing.T, ts *httptest.Server) (string, bool) {
	resp := do(t, ts, http.MethodPost, "/signin", "", structures.Credentials{Login: testLogin, Password: testPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result structures.SignInResponse
	decode(t, resp, &result)
	return resp.Header.Get("Authorization"), result.MFARequired
}

func TestSignOnAndSignIn(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts, http.MethodPost, "/signon", "", structures.Credentials{Login: testLogin, Password: testPassword})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json; charset=utf-8", resp.Header.Get("Content-Type"))

	resp = do(t, ts, http.MethodPost, "/signon", "", structures.Credentials{Login: testLogin, Password: testPassword})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/signon", "", structures.Credentials{Login: "x", Password: testPassword})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/signin", "", structures.Credentials{Login: testLogin, Password: "password.2"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, mfa := signIn(t, ts)
	assert.True(t, strings.HasPrefix(token, "Bearer "))
	assert.False(t, mfa)

	resp = do(t, ts, http.MethodGet, "/signin", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	resp := do(t, ts, http.MethodGet, "/webauthn/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, ts, http.MethodGet, "/webauthn/devices", "Bearer garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var errResp structures.ErrorResponse
	decode(t, resp, &errResp)
	assert.Equal(t, auth.ErrBadToken.Error(), errResp.Err)
}

func TestWebAuthnFlow(t *testing.T) {
	ts := newTestServer(t)
	credID := utilities.EncodeBase64URL([]byte("credential-id"))

	do(t, ts, http.MethodPost, "/signon", "", structures.Credentials{Login: testLogin, Password: testPassword})
	fullToken, _ := signIn(t, ts)

	// registration
	resp := do(t, ts, http.MethodPost, "/webauthn/register/begin?displayName=Alice", fullToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var creation structures.CreationOptions
	decode(t, resp, &creation)
	assert.Equal(t, "Alice", creation.User.DisplayName)

	var reg structures.RegistrationResponse
	reg.ID, reg.RawID, reg.Type = credID, credID, "public-key"
	reg.Response.ClientDataJSON = clientData(t, "webauthn.create", creation.Challenge)
	reg.Response.AttestationObject = utilities.EncodeBase64URL([]byte{0xa0})

	resp = do(t, ts, http.MethodPost, "/webauthn/register/complete?name=laptop", fullToken, reg)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var device structures.Device
	decode(t, resp, &device)
	assert.Equal(t, "laptop", device.Name)
	assert.Equal(t, credID, device.KeyHandle)

	// password alone is no longer enough
	mfaToken, mfa := signIn(t, ts)
	require.True(t, mfa)

	resp = do(t, ts, http.MethodGet, "/webauthn/devices", mfaToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = do(t, ts, http.MethodPost, "/webauthn/login/begin", fullToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/webauthn/login/begin", mfaToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var request structures.RequestOptions
	decode(t, resp, &request)
	require.Len(t, request.AllowCredentials, 1)

	var assertion structures.AssertionResponse
	assertion.ID, assertion.RawID, assertion.Type = credID, credID, "public-key"
	assertion.Response.ClientDataJSON = clientData(t, "webauthn.get", request.Challenge)
	assertion.Response.AuthenticatorData = authData(1)
	assertion.Response.Signature = utilities.EncodeBase64URL([]byte{0x30})

	resp = do(t, ts, http.MethodPost, "/webauthn/login/complete", mfaToken, assertion)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	secondFactorToken := resp.Header.Get("Authorization")
	require.NotEmpty(t, secondFactorToken)

	resp = do(t, ts, http.MethodGet, "/webauthn/devices", secondFactorToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var devices []structures.Device
	decode(t, resp, &devices)
	require.Len(t, devices, 1)
	assert.Equal(t, uint32(1), devices[0].SignCount)

	// replaying the same assertion finds no pending challenge
	resp = do(t, ts, http.MethodPost, "/webauthn/login/complete", mfaToken, assertion)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodDelete, "/webauthn/devices/"+device.ID, secondFactorToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = do(t, ts, http.MethodDelete, "/webauthn/devices/"+device.ID, secondFactorToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedBase64Field(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/signon", "", structures.Credentials{Login: testLogin, Password: testPassword})
	token, _ := signIn(t, ts)

	resp := do(t, ts, http.MethodPost, "/webauthn/register/begin", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reg structures.RegistrationResponse
	reg.ID = "%%%"
	reg.Response.ClientDataJSON = "%%%"

	resp = do(t, ts, http.MethodPost, "/webauthn/register/complete", token, reg)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp structures.ErrorResponse
	decode(t, resp, &errResp)
	assert.Equal(t, "malformed base64url field", errResp.Err)
}

func TestRegisterCompleteRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/signon", "", structures.Credentials{Login: testLogin, Password: testPassword})
	token, _ := signIn(t, ts)

	resp := do(t, ts, http.MethodPost, "/webauthn/register/complete", token, structures.RegistrationResponse{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/webauthn/register/complete", token, "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBackupTokenLogin(t *testing.T) {
	ts := newTestServer(t)
	credID := utilities.EncodeBase64URL([]byte("lost-key"))

	do(t, ts, http.MethodPost, "/signon", "", structures.Credentials{Login: testLogin, Password: testPassword})
	fullToken, _ := signIn(t, ts)

	resp := do(t, ts, http.MethodPost, "/webauthn/register/begin", fullToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var creation structures.CreationOptions
	decode(t, resp, &creation)

	var reg structures.RegistrationResponse
	reg.ID, reg.RawID, reg.Type = credID, credID, "public-key"
	reg.Response.ClientDataJSON = clientData(t, "webauthn.create", creation.Challenge)
	reg.Response.AttestationObject = utilities.EncodeBase64URL([]byte{0xa0})
	resp = do(t, ts, http.MethodPost, "/webauthn/register/complete?name=spare", fullToken, reg)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/webauthn/backup-tokens", fullToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var issued structures.BackupTokensResponse
	decode(t, resp, &issued)
	require.Len(t, issued.Tokens, 10)

	mfaToken, mfa := signIn(t, ts)
	require.True(t, mfa)

	resp = do(t, ts, http.MethodPost, "/webauthn/backup-tokens", mfaToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/webauthn/login/backup", mfaToken, structures.BackupTokenRequest{Token: "wrongtkn"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/webauthn/login/backup", mfaToken, structures.BackupTokenRequest{Token: issued.Tokens[0]})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	recovered := resp.Header.Get("Authorization")
	require.NotEmpty(t, recovered)

	resp = do(t, ts, http.MethodGet, "/webauthn/devices", recovered, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, http.MethodPost, "/webauthn/login/backup", mfaToken, structures.BackupTokenRequest{Token: issued.Tokens[0]})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

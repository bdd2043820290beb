package webauthn

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/AndreevSemen/twofactor/internal/challenges"
	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/db"
	"github.com/AndreevSemen/twofactor/internal/structures"
	"github.com/AndreevSemen/twofactor/internal/utilities"
)

const (
	testRPID   = "example.com"
	testOrigin = "https://example.com"
	testLogin  = "alice.smith"
)

func testConfig() config.Config {
	var cfg config.Config
	cfg.Redis.ChallengeTTL = time.Minute
	cfg.WebAuthn = config.WebAuthn{
		RPID:    testRPID,
		RPName:  "Example",
		Origin:  testOrigin,
		Timeout: 30 * time.Second,
	}
	return cfg
}

func newTestManager(t *testing.T, cfg config.Config) (*Manager, *db.SQLiteDB, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.SetPassword(testLogin, []byte("hash")))

	t.Cleanup(func() {
		store.Close()
		_ = rdb.Close()
		mr.Close()
	})

	return NewManager(cfg, store, challenges.NewStore(rdb, "test")), store, mr
}

func encodeClientData(t *testing.T, typ, challenge, origin string) string {
	t.Helper()

	raw, err := json.Marshal(ClientData{Type: typ, Challenge: challenge, Origin: origin})
	require.NoError(t, err)
	return utilities.EncodeBase64URL(raw)
}

func authenticatorData(rpID string, flags byte, counter uint32) []byte {
	hash := sha256.Sum256([]byte(rpID))
	raw := make([]byte, 0, authDataMinLen)
	raw = append(raw, hash[:]...)
	raw = append(raw, flags)
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	return append(raw, c[:]...)
}

func registration(t *testing.T, credID []byte, challenge string) structures.RegistrationResponse {
	var r structures.RegistrationResponse
	r.ID = utilities.EncodeBase64URL(credID)
	r.RawID = r.ID
	r.Type = publicKeyType
	r.Response.ClientDataJSON = encodeClientData(t, typeCreate, challenge, testOrigin)
	r.Response.AttestationObject = utilities.EncodeBase64URL([]byte{0xa3, 0x63, 0x66, 0x6d, 0x74})
	return r
}

func assertion(t *testing.T, credID []byte, challenge string, counter uint32) structures.AssertionResponse {
	var r structures.AssertionResponse
	r.ID = utilities.EncodeBase64URL(credID)
	r.RawID = r.ID
	r.Type = publicKeyType
	r.Response.ClientDataJSON = encodeClientData(t, typeGet, challenge, testOrigin)
	r.Response.AuthenticatorData = utilities.EncodeBase64URL(authenticatorData(testRPID, flagUserPresent, counter))
	r.Response.Signature = utilities.EncodeBase64URL([]byte{0x30, 0x45, 0x02})
	r.Response.UserHandle = MakeUserID(testLogin)
	return r
}

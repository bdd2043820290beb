package webauthn

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AndreevSemen/twofactor/internal/challenges"
	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/db"
	"github.com/AndreevSemen/twofactor/internal/structures"
	"github.com/AndreevSemen/twofactor/internal/utilities"
)

const defaultDeviceName = "security key"

var (
	ErrNoDevices          = errors.New("account has no registered devices")
	ErrUnknownCredential  = errors.New("credential is not registered for this account")
	ErrCredentialMismatch = errors.New("credential id does not match raw id")
	ErrEmptyField         = errors.New("required credential field is empty")
	ErrUserHandleMismatch = errors.New("user handle does not match account")
	ErrCounterRegression  = errors.New("signature counter did not increase")
)

type Devices interface {
	AddDevice(d structures.Device) (structures.Device, error)
	ListDevices(login string) ([]structures.Device, error)
	GetDevice(login, keyHandle string) (structures.Device, error)
	UpdateSignCount(id string, count uint32, usedAt time.Time) error
}

type Challenges interface {
	Put(ctx context.Context, ceremony challenges.Ceremony, login, challenge string, ttl time.Duration) error
	Take(ctx context.Context, ceremony challenges.Ceremony, login string) (string, error)
}

// Manager runs registration and login ceremonies. Signatures are not
// checked: it trusts TLS plus the challenge and counter bookkeeping.
type Manager struct {
	cfg        config.WebAuthn
	ttl        time.Duration
	devices    Devices
	challenges Challenges
	now        func() time.Time
}

func NewManager(cfg config.Config, devices Devices, challenges Challenges) *Manager {
	return &Manager{
		cfg:        cfg.WebAuthn,
		ttl:        cfg.Redis.ChallengeTTL,
		devices:    devices,
		challenges: challenges,
		now:        time.Now,
	}
}

func (m *Manager) BeginRegistration(ctx context.Context, login, displayName string) (structures.CreationOptions, error) {
	devices, err := m.devices.ListDevices(login)
	if err != nil {
		err = errors.Wrap(err, "list devices")
		return structures.CreationOptions{}, err
	}

	challenge, err := m.newChallenge(ctx, challenges.Registration, login)
	if err != nil {
		return structures.CreationOptions{}, err
	}

	if displayName == "" {
		displayName = login
	}

	opts := structures.CreationOptions{
		RP: structures.RelyingParty{
			ID:   m.cfg.RPID,
			Name: m.cfg.RPName,
		},
		User: structures.UserEntity{
			ID:          MakeUserID(login),
			Name:        login,
			DisplayName: displayName,
		},
		Challenge: challenge,
		PubKeyCredParams: []structures.CredentialParameter{
			{Type: publicKeyType, Alg: algES256},
			{Type: publicKeyType, Alg: algRS256},
		},
		Timeout:            m.cfg.Timeout.Milliseconds(),
		ExcludeCredentials: descriptors(devices),
		AuthenticatorSelection: structures.AuthenticatorSelection{
			RequireResidentKey: false,
			UserVerification:   m.cfg.UserVerification(),
		},
		Attestation: "none",
	}

	return opts, nil
}

func (m *Manager) FinishRegistration(ctx context.Context, login, name string, resp structures.RegistrationResponse) (structures.Device, error) {
	challenge, err := m.challenges.Take(ctx, challenges.Registration, login)
	if err != nil {
		return structures.Device{}, err
	}

	cd, err := ParseClientData(resp.ClientData())
	if err != nil {
		return structures.Device{}, err
	}
	if err := cd.Verify(typeCreate, challenge, m.cfg.Origin); err != nil {
		return structures.Device{}, err
	}

	keyHandle, err := credentialID(resp.ID, resp.RawID)
	if err != nil {
		return structures.Device{}, err
	}

	if resp.AttestationObject() == "" {
		return structures.Device{}, ErrEmptyField
	}
	attestation, err := utilities.DecodeBase64URL(resp.AttestationObject())
	if err != nil {
		return structures.Device{}, err
	}

	if name == "" {
		name = defaultDeviceName
	}

	device, err := m.devices.AddDevice(structures.Device{
		Login:     login,
		Name:      name,
		KeyHandle: keyHandle,
		PublicKey: attestation,
		CreatedAt: m.now(),
	})
	if err != nil {
		return structures.Device{}, err
	}

	logrus.WithField("logging-entity", "webauthn/register").Infof("device '%s' registered for '%s'", device.ID, login)
	return device, nil
}

func (m *Manager) BeginLogin(ctx context.Context, login string) (structures.RequestOptions, error) {
	devices, err := m.devices.ListDevices(login)
	if err != nil {
		err = errors.Wrap(err, "list devices")
		return structures.RequestOptions{}, err
	}
	if len(devices) == 0 {
		return structures.RequestOptions{}, ErrNoDevices
	}

	challenge, err := m.newChallenge(ctx, challenges.Login, login)
	if err != nil {
		return structures.RequestOptions{}, err
	}

	opts := structures.RequestOptions{
		Challenge:        challenge,
		Timeout:          m.cfg.Timeout.Milliseconds(),
		RPID:             m.cfg.RPID,
		AllowCredentials: descriptors(devices),
		UserVerification: m.cfg.UserVerification(),
	}

	return opts, nil
}

func (m *Manager) FinishLogin(ctx context.Context, login string, resp structures.AssertionResponse) (structures.Device, error) {
	challenge, err := m.challenges.Take(ctx, challenges.Login, login)
	if err != nil {
		return structures.Device{}, err
	}

	cd, err := ParseClientData(resp.ClientData())
	if err != nil {
		return structures.Device{}, err
	}
	if err := cd.Verify(typeGet, challenge, m.cfg.Origin); err != nil {
		return structures.Device{}, err
	}

	keyHandle, err := credentialID(resp.ID, resp.RawID)
	if err != nil {
		return structures.Device{}, err
	}

	device, err := m.devices.GetDevice(login, keyHandle)
	if err == db.ErrDeviceNotFound {
		return structures.Device{}, ErrUnknownCredential
	} else if err != nil {
		return structures.Device{}, err
	}

	rawAuthData, err := utilities.DecodeBase64URL(resp.AuthenticatorData())
	if err != nil {
		return structures.Device{}, err
	}
	authData, err := ParseAuthenticatorData(rawAuthData)
	if err != nil {
		return structures.Device{}, err
	}
	if err := authData.Verify(m.cfg.RPID, m.cfg.UserVerificationRequired); err != nil {
		return structures.Device{}, err
	}

	// TODO: verify the signature over authenticatorData||sha256(clientDataJSON)
	// once the COSE key is extracted from the attestation object at registration.
	signature, err := utilities.DecodeBase64URL(resp.Response.Signature)
	if err != nil {
		return structures.Device{}, err
	}
	if len(signature) == 0 {
		return structures.Device{}, ErrEmptyField
	}

	if resp.Response.UserHandle != "" {
		if err := checkUserHandle(login, resp.Response.UserHandle); err != nil {
			return structures.Device{}, err
		}
	}

	if (device.SignCount != 0 || authData.SignCount != 0) && authData.SignCount <= device.SignCount {
		logrus.WithField("logging-entity", "webauthn/login").Warnf(
			"counter regression on device '%s': stored %d, got %d", device.ID, device.SignCount, authData.SignCount,
		)
		return structures.Device{}, ErrCounterRegression
	}

	usedAt := m.now()
	if err := m.devices.UpdateSignCount(device.ID, authData.SignCount, usedAt); err != nil {
		err = errors.Wrap(err, "update sign count")
		return structures.Device{}, err
	}
	device.SignCount = authData.SignCount
	device.LastUsedAt = &usedAt

	return device, nil
}

func (m *Manager) newChallenge(ctx context.Context, ceremony challenges.Ceremony, login string) (string, error) {
	challenge, err := MakeChallenge()
	if err != nil {
		return "", err
	}
	if err := m.challenges.Put(ctx, ceremony, login, challenge, m.ttl); err != nil {
		return "", err
	}
	return challenge, nil
}

// credentialID returns the normalized key handle, checking that id and
// rawId carry the same bytes when both are sent.
func credentialID(id, rawID string) (string, error) {
	if id == "" {
		id = rawID
	}
	if id == "" {
		return "", ErrEmptyField
	}

	idBytes, err := utilities.DecodeBase64URL(id)
	if err != nil {
		return "", err
	}
	if len(idBytes) == 0 {
		return "", ErrEmptyField
	}

	if rawID != "" {
		rawBytes, err := utilities.DecodeBase64URL(rawID)
		if err != nil {
			return "", err
		}
		if !bytes.Equal(idBytes, rawBytes) {
			return "", ErrCredentialMismatch
		}
	}

	return utilities.EncodeBase64URL(idBytes), nil
}

func checkUserHandle(login, userHandle string) error {
	got, err := utilities.DecodeBase64URL(userHandle)
	if err != nil {
		return err
	}
	want, err := utilities.DecodeBase64URL(MakeUserID(login))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return ErrUserHandleMismatch
	}
	return nil
}

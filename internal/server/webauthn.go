package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AndreevSemen/twofactor/internal/challenges"
	"github.com/AndreevSemen/twofactor/internal/db"
	"github.com/AndreevSemen/twofactor/internal/structures"
	"github.com/AndreevSemen/twofactor/internal/utilities"
	"github.com/AndreevSemen/twofactor/internal/webauthn"
)

type registrationQuery struct {
	Name        string `schema:"name"`
	DisplayName string `schema:"displayName"`
}

func (s *Server) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	logger := logrus.WithField("logging-entity", "webauthn/register-begin")

	var q registrationQuery
	if err := s.decoder.Decode(&q, r.URL.Query()); err != nil {
		responseWithError(w, ErrBadQuery.Error(), http.StatusBadRequest)
		return
	}

	opts, err := s.webauthn.BeginRegistration(r.Context(), loginFrom(r), q.DisplayName)
	if err != nil {
		responseWithWebAuthnError(logger, w, err)
		return
	}

	responseWithJSON(w, opts)
}

func (s *Server) handleRegisterComplete(w http.ResponseWriter, r *http.Request) {
	logger := logrus.WithField("logging-entity", "webauthn/register-complete")

	var q registrationQuery
	if err := s.decoder.Decode(&q, r.URL.Query()); err != nil {
		responseWithError(w, ErrBadQuery.Error(), http.StatusBadRequest)
		return
	}

	var resp structures.RegistrationResponse
	if err := decodeBody(w, r, &resp); err != nil {
		responseWithError(w, ErrBadBody.Error(), http.StatusBadRequest)
		return
	}

	device, err := s.webauthn.FinishRegistration(r.Context(), loginFrom(r), q.Name, resp)
	if err != nil {
		responseWithWebAuthnError(logger, w, err)
		return
	}

	responseWithJSON(w, device)
}

func (s *Server) handleLoginBegin(w http.ResponseWriter, r *http.Request) {
	logger := logrus.WithField("logging-entity", "webauthn/login-begin")

	opts, err := s.webauthn.BeginLogin(r.Context(), loginFrom(r))
	if err != nil {
		responseWithWebAuthnError(logger, w, err)
		return
	}

	responseWithJSON(w, opts)
}

func (s *Server) handleLoginComplete(w http.ResponseWriter, r *http.Request) {
	logger := logrus.WithField("logging-entity", "webauthn/login-complete")
	login := loginFrom(r)

	var resp structures.AssertionResponse
	if err := decodeBody(w, r, &resp); err != nil {
		responseWithError(w, ErrBadBody.Error(), http.StatusBadRequest)
		return
	}

	device, err := s.webauthn.FinishLogin(r.Context(), login, resp)
	if err != nil {
		responseWithWebAuthnError(logger, w, err)
		return
	}

	token, err := s.auth.IssueFull(login)
	if err != nil {
		logger.Error(err.Error())
		responseWithError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	logger.Infof("'%s' passed second factor with device '%s'", login, device.ID)
	w.Header().Set("Authorization", fmt.Sprintf("Bearer %s", token))
	responseWithSuccess(w)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(loginFrom(r))
	if err != nil {
		logrus.WithField("logging-entity", "webauthn/devices").Error(err.Error())
		responseWithError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	responseWithJSON(w, devices)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	err := s.devices.DeleteDevice(loginFrom(r), mux.Vars(r)["id"])
	switch err {
	case nil:
		responseWithSuccess(w)

	case db.ErrDeviceNotFound:
		responseWithError(w, err.Error(), http.StatusNotFound)

	default:
		logrus.WithField("logging-entity", "webauthn/delete-device").Error(err.Error())
		responseWithError(w, "internal server error", http.StatusInternalServerError)
	}
}

func responseWithWebAuthnError(logger *logrus.Entry, w http.ResponseWriter, err error) {
	var decodeErr *utilities.DecodeError
	if errors.As(err, &decodeErr) {
		logger.Debug(err.Error())
		responseWithError(w, "malformed base64url field", http.StatusBadRequest)
		return
	}

	cause := errors.Cause(err)
	switch cause {
	case challenges.ErrChallengeNotFound,
		webauthn.ErrBadClientData,
		webauthn.ErrBadAuthenticatorData,
		webauthn.ErrCredentialMismatch,
		webauthn.ErrEmptyField:
		responseWithError(w, cause.Error(), http.StatusBadRequest)

	case webauthn.ErrChallengeMismatch,
		webauthn.ErrOriginMismatch,
		webauthn.ErrRPIDMismatch,
		webauthn.ErrUserNotPresent,
		webauthn.ErrUserNotVerified,
		webauthn.ErrUnknownCredential,
		webauthn.ErrUserHandleMismatch,
		webauthn.ErrCounterRegression:
		logger.Warn(err.Error())
		responseWithError(w, cause.Error(), http.StatusUnauthorized)

	case webauthn.ErrNoDevices:
		responseWithError(w, cause.Error(), http.StatusNotFound)

	case db.ErrDeviceExists:
		responseWithError(w, cause.Error(), http.StatusConflict)

	case challenges.ErrBackend:
		logger.Error(err.Error())
		responseWithError(w, "service unavailable", http.StatusServiceUnavailable)

	default:
		logger.Error(err.Error())
		responseWithError(w, "internal server error", http.StatusInternalServerError)
	}
}

package server

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/AndreevSemen/twofactor/internal/auth"
	"github.com/AndreevSemen/twofactor/internal/structures"
)

func (s *Server) handleGenerateBackupTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.auth.GenerateBackupTokens(loginFrom(r))
	if err != nil {
		logrus.WithField("logging-entity", "backup/generate").Error(err.Error())
		responseWithError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	responseWithJSON(w, structures.BackupTokensResponse{Tokens: tokens})
}

func (s *Server) handleLoginBackup(w http.ResponseWriter, r *http.Request) {
	logger := logrus.WithField("logging-entity", "backup/login")
	login := loginFrom(r)

	var req structures.BackupTokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		responseWithError(w, ErrBadBody.Error(), http.StatusBadRequest)
		return
	}

	token, err := s.auth.RedeemBackupToken(login, req.Token)
	switch err {
	case nil:
		logger.Infof("'%s' passed second factor with a backup token", login)
		w.Header().Set("Authorization", fmt.Sprintf("Bearer %s", token))
		responseWithSuccess(w)

	case auth.ErrBadBackupToken:
		logger.Warnf("bad backup token for '%s'", login)
		responseWithError(w, err.Error(), http.StatusUnauthorized)

	default:
		logger.Error(err.Error())
		responseWithError(w, "internal server error", http.StatusInternalServerError)
	}
}

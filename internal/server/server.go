package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/AndreevSemen/twofactor/internal/auth"
	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/structures"
	"github.com/AndreevSemen/twofactor/internal/webauthn"
)

const maxBodySize = 64 << 10

var (
	ErrBadMethod      = errors.New("bad HTTP method")
	ErrBadTokenFormat = errors.New("invalid access token format")
	ErrBadQuery       = errors.New("bad query parameters")
	ErrBadBody        = errors.New("bad request body")
)

// DeviceStore is the device management surface the server exposes directly.
type DeviceStore interface {
	ListDevices(login string) ([]structures.Device, error)
	DeleteDevice(login, id string) error
}

type contextKey struct{}

type Server struct {
	server   *http.Server
	auth     *auth.AuthManager
	webauthn *webauthn.Manager
	devices  DeviceStore
	decoder  *schema.Decoder
	cfg      config.Config
}

func NewServer(cfg config.Config, authManager *auth.AuthManager, manager *webauthn.Manager, devices DeviceStore) *Server {
	decoder := schema.NewDecoder()
	decoder.IgnoreUnknownKeys(true)

	s := &Server{
		auth:     authManager,
		webauthn: manager,
		devices:  devices,
		decoder:  decoder,
		cfg:      cfg,
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/signon", s.handleSignOn).Methods(http.MethodPost)
	r.HandleFunc("/signin", s.handleSignIn).Methods(http.MethodPost)

	full := r.PathPrefix("/webauthn").Subrouter()
	full.Use(s.middlewareAuthz(auth.StageFull))
	full.HandleFunc("/register/begin", s.handleRegisterBegin).Methods(http.MethodPost)
	full.HandleFunc("/register/complete", s.handleRegisterComplete).Methods(http.MethodPost)
	full.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	full.HandleFunc("/devices/{id}", s.handleDeleteDevice).Methods(http.MethodDelete)
	full.HandleFunc("/backup-tokens", s.handleGenerateBackupTokens).Methods(http.MethodPost)

	mfa := r.PathPrefix("/webauthn/login").Subrouter()
	mfa.Use(s.middlewareAuthz(auth.StageMFA))
	mfa.HandleFunc("/begin", s.handleLoginBegin).Methods(http.MethodPost)
	mfa.HandleFunc("/complete", s.handleLoginComplete).Methods(http.MethodPost)
	mfa.HandleFunc("/backup", s.handleLoginBackup).Methods(http.MethodPost)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responseWithError(w, ErrBadMethod.Error(), http.StatusMethodNotAllowed)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		responseWithError(w, "not found", http.StatusNotFound)
	})

	return commonMiddleware(r)
}

func (s *Server) Start(lis net.Listener) {
	logrus.Info("starting twofactor server...")
	if err := s.server.ServeTLS(lis, s.cfg.Server.CertPath, s.cfg.Server.KeyPath); err == http.ErrServerClosed {
		logrus.Info("twofactor server successfully stopped.")
	} else {
		logrus.Errorf("twofactor server stopped: %s", err)
	}
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleSignOn(w http.ResponseWriter, r *http.Request) {
	var creds structures.Credentials
	if err := decodeBody(w, r, &creds); err != nil {
		responseWithError(w, "bad credentials format", http.StatusBadRequest)
		return
	}

	err := s.auth.SignOn(creds.Login, creds.Password)
	switch err {
	case nil:
		responseWithSuccess(w)

	case auth.ErrBadLogin, auth.ErrBadPassword:
		responseWithError(w, err.Error(), http.StatusBadRequest)

	case auth.ErrLoginExists:
		responseWithError(w, err.Error(), http.StatusConflict)

	default:
		logrus.WithField("logging-entity", "auth/signon").Error(err.Error())
		responseWithError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var creds structures.Credentials
	if err := decodeBody(w, r, &creds); err != nil {
		responseWithError(w, "bad credentials format", http.StatusBadRequest)
		return
	}

	token, mfaRequired, err := s.auth.SignIn(creds.Login, creds.Password)
	switch err {
	case nil:
		w.Header().Set("Authorization", fmt.Sprintf("Bearer %s", token))
		responseWithJSON(w, structures.SignInResponse{Result: "success", MFARequired: mfaRequired})

	case auth.ErrBadCreds:
		responseWithError(w, err.Error(), http.StatusUnauthorized)

	default:
		logrus.WithField("logging-entity", "auth/signin").Error(err.Error())
		responseWithError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) middlewareAuthz(stage auth.Stage) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			splittedHeader := strings.Split(r.Header.Get("Authorization"), " ")
			if len(splittedHeader) != 2 || (splittedHeader[0] != "Bearer") {
				responseWithError(w, ErrBadTokenFormat.Error(), http.StatusUnauthorized)
				return
			}
			token := splittedHeader[1]

			claims, err := s.auth.Require(token, stage)
			switch errors.Cause(err) {
			case nil:
				ctx := context.WithValue(r.Context(), contextKey{}, claims.Subject)
				next.ServeHTTP(w, r.WithContext(ctx))

			case auth.ErrWrongStage:
				responseWithError(w, auth.ErrWrongStage.Error(), http.StatusForbidden)

			default:
				logrus.WithField("logging-entity", "auth/check-token").Debug(err.Error())
				responseWithError(w, auth.ErrBadToken.Error(), http.StatusUnauthorized)
			}
		})
	}
}

func loginFrom(r *http.Request) string {
	login, _ := r.Context().Value(contextKey{}).(string)
	return login
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()

	d := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := d.Decode(v); err != nil {
		return errors.Wrap(ErrBadBody, err.Error())
	}
	return nil
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func responseWithSuccess(w http.ResponseWriter) {
	w.Write([]byte(`{"result": "success"}`))
}

func responseWithJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logrus.Errorf("can't marshal '%#v': %s", v, err)
		responseWithError(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Write(data)
}

func responseWithError(w http.ResponseWriter, err interface{}, code int) {
	errResp := structures.ErrorResponse{
		Err: err,
	}
	data, marshalErr := json.Marshal(errResp)
	if marshalErr != nil {
		logrus.Errorf("can't marshal '%#v': %s", err, marshalErr)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":"500 Internal server error"}`)
		return
	}

	w.WriteHeader(code)
	w.Write(data)
}

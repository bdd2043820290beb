package auth

import (
	"fmt"
	"regexp"
	"time"

	"github.com/dgrijalva/jwt-go/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/AndreevSemen/twofactor/internal/config"
	"github.com/AndreevSemen/twofactor/internal/db"
)

var (
	ErrBadLogin    = errors.New("login has invalid format")
	ErrBadPassword = errors.New("password has invalid format")
	ErrLoginExists = errors.New("user with such login already exists")
	ErrBadCreds    = errors.New("invalid login or password")
	ErrBadToken    = errors.New("bad authorization token")
	ErrWrongStage  = errors.New("token is not valid for this action")

	loginRegexp    = regexp.MustCompile(`^[a-zA-Z0-9._]{8,20}$`)
	passwordRegexp = regexp.MustCompile(`^[a-zA-Z0-9._]{8,20}$`)
)

type Stage string

const (
	// StageMFA tokens only open the WebAuthn login ceremony.
	StageMFA  Stage = "mfa"
	StageFull Stage = "full"

	mfaTokenExpiration = 5 * time.Minute
)

type Claims struct {
	jwt.StandardClaims
	Stage Stage `json:"stage"`
}

// Accounts is the persistence AuthManager needs.
type Accounts interface {
	IsLoginExists(login string) (bool, error)
	SetPassword(login string, hash []byte) error
	GetPasswordHash(login string) ([]byte, bool, error)
	CountDevices(login string) (int, error)

	ReplaceBackupTokens(login string, hashes [][]byte) error
	ListBackupTokens(login string) ([]db.BackupToken, error)
	DeleteBackupToken(login string, id int64) error
}

type AuthManager struct {
	accounts Accounts
	cfg      config.Config
	secret   string
	now      func() time.Time

	backupCost int
}

func NewAuthManager(cfg config.Config, accounts Accounts, secret string) *AuthManager {
	return &AuthManager{
		accounts: accounts,
		cfg:      cfg,
		secret:   secret,
		now:      time.Now,

		backupCost: bcrypt.DefaultCost,
	}
}

func (m *AuthManager) SignOn(login, password string) error {
	if !loginRegexp.MatchString(login) {
		return ErrBadLogin
	} else if !passwordRegexp.MatchString(password) {
		return ErrBadPassword
	}

	exists, err := m.accounts.IsLoginExists(login)
	if err != nil {
		err = errors.Wrap(err, "check login")
		return err
	}
	if exists {
		return ErrLoginExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		err = errors.Wrap(err, "hash password")
		return err
	}

	if err := m.accounts.SetPassword(login, hash); err != nil {
		err = errors.Wrap(err, "store password")
		return err
	}

	return nil
}

// SignIn checks the password. Accounts with registered devices receive an
// MFA-stage token and mfaRequired is true.
func (m *AuthManager) SignIn(login, password string) (token string, mfaRequired bool, err error) {
	hash, ok, err := m.accounts.GetPasswordHash(login)
	if err != nil {
		err = errors.Wrap(err, "get password hash")
		return "", false, err
	}
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return "", false, ErrBadCreds
	}

	devices, err := m.accounts.CountDevices(login)
	if err != nil {
		err = errors.Wrap(err, "count devices")
		return "", false, err
	}

	if devices > 0 {
		token, err = m.issue(login, StageMFA, mfaTokenExpiration)
		return token, true, err
	}

	token, err = m.IssueFull(login)
	return token, false, err
}

func (m *AuthManager) IssueFull(login string) (string, error) {
	return m.issue(login, StageFull, m.cfg.Server.Expiration)
}

func (m *AuthManager) issue(login string, stage Stage, ttl time.Duration) (string, error) {
	now := m.now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   login,
			ExpiresAt: jwt.At(now.Add(ttl)),
			IssuedAt:  jwt.At(now),
		},
		Stage: stage,
	})

	accessToken, err := t.SignedString([]byte(m.secret))
	if err != nil {
		err = errors.Wrap(err, "sign token")
		return "", err
	}

	return accessToken, nil
}

func (m *AuthManager) Authz(token string) (Claims, error) {
	var claims Claims
	t, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New(fmt.Sprintf("unexpected signing method: %v", t.Header["alg"]))
		}

		return []byte(m.secret), nil
	})
	if err != nil {
		err = errors.Wrap(ErrBadToken, err.Error())
		return Claims{}, err
	}

	if !t.Valid || claims.Subject == "" {
		return Claims{}, ErrBadToken
	}

	return claims, nil
}

// Require checks the token and that it was issued for stage.
func (m *AuthManager) Require(token string, stage Stage) (Claims, error) {
	claims, err := m.Authz(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.Stage != stage {
		return Claims{}, ErrWrongStage
	}
	return claims, nil
}

package auth

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/AndreevSemen/twofactor/internal/db"
)

const (
	backupTokenCount = 10
	backupTokenBytes = 5
)

var (
	ErrBadBackupToken = errors.New("invalid backup token")

	backupEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

// GenerateBackupTokens replaces the unused backup tokens of login with a
// fresh set. The plain tokens are returned once and only hashes are stored.
func (m *AuthManager) GenerateBackupTokens(login string) ([]string, error) {
	tokens := make([]string, 0, backupTokenCount)
	hashes := make([][]byte, 0, backupTokenCount)

	for i := 0; i < backupTokenCount; i++ {
		buf := make([]byte, backupTokenBytes)
		if _, err := rand.Read(buf); err != nil {
			err = errors.Wrap(err, "read random token")
			return nil, err
		}
		token := backupEncoding.EncodeToString(buf)

		hash, err := bcrypt.GenerateFromPassword([]byte(token), m.backupCost)
		if err != nil {
			err = errors.Wrap(err, "hash backup token")
			return nil, err
		}

		tokens = append(tokens, token)
		hashes = append(hashes, hash)
	}

	if err := m.accounts.ReplaceBackupTokens(login, hashes); err != nil {
		err = errors.Wrap(err, "store backup tokens")
		return nil, err
	}

	return tokens, nil
}

// RedeemBackupToken consumes a matching token and issues a full-stage token.
func (m *AuthManager) RedeemBackupToken(login, token string) (string, error) {
	token = strings.ToLower(strings.Join(strings.Fields(token), ""))
	if token == "" {
		return "", ErrBadBackupToken
	}

	stored, err := m.accounts.ListBackupTokens(login)
	if err != nil {
		err = errors.Wrap(err, "list backup tokens")
		return "", err
	}

	for _, t := range stored {
		if bcrypt.CompareHashAndPassword(t.Hash, []byte(token)) != nil {
			continue
		}

		err := m.accounts.DeleteBackupToken(login, t.ID)
		if err == db.ErrTokenNotFound {
			// redeemed concurrently
			return "", ErrBadBackupToken
		} else if err != nil {
			err = errors.Wrap(err, "consume backup token")
			return "", err
		}

		return m.IssueFull(login)
	}

	return "", ErrBadBackupToken
}

package challenges

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var (
	ErrChallengeNotFound = errors.New("challenge not found or expired")
	ErrBackend           = errors.New("challenge backend unavailable")
)

type Ceremony string

const (
	Registration Ceremony = "reg"
	Login        Ceremony = "login"
)

// Store keeps single-use ceremony challenges in redis.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "wac"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) key(ceremony Ceremony, login string) string {
	return s.prefix + ":" + string(ceremony) + ":" + login
}

// Put replaces any pending challenge of the same ceremony for login.
func (s *Store) Put(ctx context.Context, ceremony Ceremony, login, challenge string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(ceremony, login), challenge, ttl).Err(); err != nil {
		return errors.Wrapf(ErrBackend, "set challenge: %s", err)
	}
	return nil
}

func (s *Store) Take(ctx context.Context, ceremony Ceremony, login string) (string, error) {
	challenge, err := s.redis.GetDel(ctx, s.key(ceremony, login)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrChallengeNotFound
	} else if err != nil {
		return "", errors.Wrapf(ErrBackend, "take challenge: %s", err)
	}

	return challenge, nil
}

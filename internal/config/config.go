package config

import (
	"io/ioutil"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	defaultChallengeTTL    = 2 * time.Minute
	defaultCeremonyTimeout = 60 * time.Second
	defaultRedisPrefix     = "wac"
	defaultTokenExpiration = time.Hour
)

var (
	ErrNoSecretEnv       = errors.New("secret env name is not set")
	ErrNoRelyingParty    = errors.New("relying party id and name must be set")
	ErrBadOrigin         = errors.New("origin must be an absolute URL")
	ErrOriginOutsideRPID = errors.New("origin host is outside of relying party id")
	ErrBadDuration       = errors.New("durations must be positive")
)

type Config struct {
	Server struct {
		Port       int           `yaml:"port"`
		Expiration time.Duration `yaml:"jwtTokenExpiration"`
		SecretEnv  string        `yaml:"secretEnv"`
		CertPath   string        `yaml:"sslCertPath"`
		KeyPath    string        `yaml:"sslKeyPath"`
	} `yaml:"fileserver"`
	Database struct {
		SQLiteDB string `yaml:"sqliteDB"`
	} `yaml:"database"`
	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		Prefix       string        `yaml:"prefix"`
		ChallengeTTL time.Duration `yaml:"challengeTTL"`
	} `yaml:"redis"`
	WebAuthn WebAuthn `yaml:"webauthn"`
}

type WebAuthn struct {
	RPID                     string        `yaml:"rpID"`
	RPName                   string        `yaml:"rpName"`
	Origin                   string        `yaml:"origin"`
	UserVerificationRequired bool          `yaml:"userVerificationRequired"`
	Timeout                  time.Duration `yaml:"timeout"`
}

func Parse(path string) (Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		err = errors.Wrap(err, "read config file")
		return Config{}, err
	}

	return ParseBytes(data)
}

func ParseBytes(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		err = errors.Wrap(err, "parse config file")
		return Config{}, err
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Server.Expiration == 0 {
		cfg.Server.Expiration = defaultTokenExpiration
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = defaultRedisPrefix
	}
	if cfg.Redis.ChallengeTTL == 0 {
		cfg.Redis.ChallengeTTL = defaultChallengeTTL
	}
	if cfg.WebAuthn.Timeout == 0 {
		cfg.WebAuthn.Timeout = defaultCeremonyTimeout
	}
}

func (cfg *Config) validate() error {
	if cfg.Server.SecretEnv == "" {
		return ErrNoSecretEnv
	}
	if cfg.Server.Expiration < 0 || cfg.Redis.ChallengeTTL < 0 || cfg.WebAuthn.Timeout < 0 {
		return ErrBadDuration
	}

	return cfg.WebAuthn.validate()
}

func (w WebAuthn) validate() error {
	if w.RPID == "" || w.RPName == "" {
		return ErrNoRelyingParty
	}

	origin, err := url.Parse(w.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return ErrBadOrigin
	}

	// rpID is a registrable domain suffix of the origin host
	host := origin.Hostname()
	if host != w.RPID && !strings.HasSuffix(host, "."+w.RPID) {
		return ErrOriginOutsideRPID
	}

	return nil
}

// UserVerification returns the WebAuthn userVerification requirement string.
func (w WebAuthn) UserVerification() string {
	if w.UserVerificationRequired {
		return "required"
	}
	return "discouraged"
}

type ClientConfig struct {
	ServerAddr string `yaml:"serverAddr"`
	CertPath   string `yaml:"sslCertPath"`
	Insecure   bool   `yaml:"insecure"`

	Login    string `yaml:"login"`
	Password string `yaml:"password"`
}

func ParseClientConfig(path string) (ClientConfig, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		err = errors.Wrap(err, "read client config file")
		return ClientConfig{}, err
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		err = errors.Wrap(err, "parse client config file")
		return ClientConfig{}, err
	}

	return cfg, nil
}

package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"tradeorch/internal/config"
)

// Credentials holds the API key triplet used for HMAC-signed requests.
type Credentials struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth signs brokerage requests with HMAC-SHA256 over
// "timestamp + method + path [+ body]" using the base64-decoded API secret.
type Auth struct {
	creds Credentials
}

// NewAuth creates an Auth from config.
func NewAuth(cfg config.BrokerConfig) *Auth {
	return &Auth{creds: Credentials{
		APIKey:     cfg.APIKey,
		Secret:     cfg.APISecret,
		Passphrase: cfg.Passphrase,
	}}
}

// HasCredentials reports whether the key triplet is configured.
func (a *Auth) HasCredentials() bool {
	return a.creds.APIKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// Headers generates the auth headers for one request.
func (a *Auth) Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.sign(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"X-API-KEY":        a.creds.APIKey,
		"X-API-SIGNATURE":  sig,
		"X-API-TIMESTAMP":  timestamp,
		"X-API-PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// sign computes the HMAC-SHA256 signature.
// message = timestamp + method + requestPath [+ body]
func (a *Auth) sign(timestamp, method, path, body string) (string, error) {
	// Secrets arrive in whichever base64 alphabet the venue issued them in.
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

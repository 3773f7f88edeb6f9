package exchange

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Auth signs Kalshi API requests. Every authenticated call carries three
// headers:
//
//	KALSHI-ACCESS-KEY       API key ID
//	KALSHI-ACCESS-TIMESTAMP current time in ms since epoch
//	KALSHI-ACCESS-SIGNATURE RSA-PSS / SHA-256 over timestamp + method + path
//
// The signed path excludes the query string.
type Auth struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewAuth parses the PEM private key (PKCS#1 or PKCS#8). Escaped newlines
// are unescaped so the key can be passed through an environment variable.
func NewAuth(keyID, privateKeyPEM string) (*Auth, error) {
	if keyID == "" {
		return nil, fmt.Errorf("api key id is empty")
	}

	raw := strings.ReplaceAll(privateKeyPEM, `\n`, "\n")
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("parse private key: %w", err8)
		}
		var ok bool
		key, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", parsed)
		}
	}

	return &Auth{keyID: keyID, key: key}, nil
}

// Headers builds the auth headers for one request. path must include the
// API prefix (e.g. /trade-api/v2/markets) and no query string.
func (a *Auth) Headers(method, path string) (map[string]string, error) {
	ts := time.Now().UnixMilli()
	sig, err := a.sign(ts, method, path)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	return map[string]string{
		"KALSHI-ACCESS-KEY":       a.keyID,
		"KALSHI-ACCESS-TIMESTAMP": strconv.FormatInt(ts, 10),
		"KALSHI-ACCESS-SIGNATURE": sig,
	}, nil
}

func (a *Auth) sign(timestampMS int64, method, path string) (string, error) {
	msg := []byte(strconv.FormatInt(timestampMS, 10) + method + path)
	digest := sha256.Sum256(msg)

	// Maximum salt length, matching what the exchange verifies against.
	sig, err := rsa.SignPSS(rand.Reader, a.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

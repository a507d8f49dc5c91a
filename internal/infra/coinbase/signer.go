package coinbase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
	"time"
)

// Signer produces the CB-ACCESS-* authentication headers.
type Signer struct {
	key        string
	secret     []byte
	passphrase string
	now        func() time.Time
}

// NewSigner creates a Signer. The venue hands out base64 secrets; a secret
// that does not decode is used as raw bytes.
func NewSigner(key, secret, passphrase string) *Signer {
	return &Signer{
		key:        key,
		secret:     decodeSecret(secret),
		passphrase: passphrase,
		now:        time.Now,
	}
}

func decodeSecret(secret string) []byte {
	if b, err := base64.StdEncoding.DecodeString(secret); err == nil && len(b) > 0 {
		return b
	}
	return []byte(secret)
}

// Key returns the API key.
func (s *Signer) Key() string { return s.key }

// Passphrase returns the API passphrase.
func (s *Signer) Passphrase() string { return s.passphrase }

// Timestamp is the current unix time in seconds, as the venue expects it.
func (s *Signer) Timestamp() string {
	return strconv.FormatInt(s.now().Unix(), 10)
}

// Sign returns base64(HMAC-SHA256(secret, timestamp+method+path+body)).
// path includes the query string when there is one.
func (s *Signer) Sign(timestamp, method, path, body string) string {
	return computeHmacSha256(timestamp+method+path+body, s.secret)
}

// GenerateHeaders creates the headers for one request.
// method: GET, POST, DELETE
// path: /orders (no host)
// query: status=open (empty if none)
// body: json string (empty if none)
func (s *Signer) GenerateHeaders(method, path, query, body string) map[string]string {
	timestamp := s.Timestamp()

	fullPath := path
	if query != "" {
		fullPath = path + "?" + query
	}

	return map[string]string{
		"CB-ACCESS-KEY":        s.key,
		"CB-ACCESS-SIGN":       s.Sign(timestamp, method, fullPath, body),
		"CB-ACCESS-TIMESTAMP":  timestamp,
		"CB-ACCESS-PASSPHRASE": s.passphrase,
		"Content-Type":         "application/json",
	}
}

func computeHmacSha256(message string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

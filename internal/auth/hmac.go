package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// HMAC signs requests with HMAC-SHA256 over the canonical string
// method + path + query + timestamp + body.
type HMAC struct {
	secret []byte
}

func NewHMAC(secret string) (*HMAC, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("signing secret is required")
	}
	return &HMAC{secret: []byte(secret)}, nil
}

func (h *HMAC) Sign(method, path, timestamp, body, query string) (string, error) {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(strings.ToUpper(method)))
	mac.Write([]byte(path))
	mac.Write([]byte(query))
	mac.Write([]byte(timestamp))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

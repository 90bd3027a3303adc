package auth

import (
	"errors"
	"strconv"
	"time"
)

// Signer produces request signatures for the exchange API. The concrete
// algorithm (and key handling) lives with the transport integration, not
// in this repo.
type Signer interface {
	Sign(method, path, timestamp, body, query string) (string, error)
}

// Headers assembles the authentication header set the exchange expects on
// WebSocket handshakes and REST calls.
func Headers(signer Signer, apiKey string, now time.Time) (map[string]string, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	signature, err := signer.Sign("GET", "/", timestamp, "", "")
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"X-AUTH-APIKEY":    apiKey,
		"X-AUTH-SIGNATURE": signature,
		"X-AUTH-EPOCH":     timestamp,
	}, nil
}

package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"time"
)

var ErrMissingCredentials = errors.New("binance credentials are required")

type Signer struct {
	apiKey     string
	secret     []byte
	recvWindow time.Duration
	now        func() time.Time
}

func NewSigner(apiKey, secret string) (*Signer, error) {
	if apiKey == "" || secret == "" {
		return nil, ErrMissingCredentials
	}
	return &Signer{apiKey: apiKey, secret: []byte(secret), recvWindow: 5 * time.Second, now: time.Now}, nil
}

// Sign stamps params and returns the encoded query with its HMAC-SHA256
// signature appended. The returned string must be sent unchanged.
func (s *Signer) Sign(params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

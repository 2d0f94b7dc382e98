package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/url"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrMissingCredentials = errors.New("upbit credentials are required")

type authClaims struct {
	AccessKey    string `json:"access_key"`
	Nonce        string `json:"nonce"`
	QueryHash    string `json:"query_hash,omitempty"`
	QueryHashAlg string `json:"query_hash_alg,omitempty"`
	jwt.RegisteredClaims
}

type Signer struct {
	accessKey string
	secretKey []byte
	nonce     func() string
}

func NewSigner(accessKey, secretKey string) (*Signer, error) {
	if accessKey == "" || secretKey == "" {
		return nil, ErrMissingCredentials
	}
	return &Signer{
		accessKey: accessKey,
		secretKey: []byte(secretKey),
		nonce:     func() string { return uuid.NewString() },
	}, nil
}

// Token returns a bearer token for a request whose parameters are params.
// The query hash covers the unescaped form of the encoded parameters.
func (s *Signer) Token(params url.Values) (string, error) {
	claims := authClaims{AccessKey: s.accessKey, Nonce: s.nonce()}
	if len(params) > 0 {
		raw, err := url.QueryUnescape(params.Encode())
		if err != nil {
			return "", err
		}
		sum := sha512.Sum512([]byte(raw))
		claims.QueryHash = hex.EncodeToString(sum[:])
		claims.QueryHashAlg = "SHA512"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

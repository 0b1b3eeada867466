// Package signer issues HMAC-signed compact JWTs from token payloads.
package signer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"aapkit/internal/domain"
)

// RequestError reports a request the signer refuses to sign.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// IsRequestError reports whether err is caused by the caller's input.
func IsRequestError(err error) bool {
	var re *RequestError
	return errors.As(err, &re)
}

// Signer signs payloads with a fallback secret and algorithm.
type Signer struct {
	DefaultSecret    string
	DefaultAlgorithm string
}

func New(secret, algorithm string) Signer {
	return Signer{DefaultSecret: secret, DefaultAlgorithm: algorithm}
}

// Sign checks the signing preconditions and returns the compact token with
// its decoded header and claims.
func (s Signer) Sign(req domain.SignRequest) (domain.SignResponse, error) {
	if req.Payload == nil {
		return domain.SignResponse{}, &RequestError{Message: "Payload is required"}
	}
	for _, claim := range []string{"iss", "sub", "aud"} {
		if !truthy(req.Payload[claim]) {
			return domain.SignResponse{}, &RequestError{Message: "Missing required claims: iss, sub, aud are required"}
		}
	}

	alg := req.Algorithm
	if alg == "" {
		alg = s.DefaultAlgorithm
	}
	if alg == "" {
		alg = domain.DefaultAlgorithm
	}
	method, err := signingMethod(alg)
	if err != nil {
		return domain.SignResponse{}, err
	}
	secret := req.Secret
	if secret == "" {
		secret = s.DefaultSecret
	}
	if secret == "" {
		secret = domain.DefaultSecret
	}

	tok := jwt.NewWithClaims(method, jwt.MapClaims(req.Payload))
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		return domain.SignResponse{}, fmt.Errorf("sign token: %w", err)
	}
	decoded, err := Decode(signed)
	if err != nil {
		return domain.SignResponse{}, err
	}
	return domain.SignResponse{Success: true, Token: signed, Decoded: &decoded}, nil
}

// Decode splits a compact token into header and claims without checking
// the signature.
func Decode(token string) (domain.DecodedToken, error) {
	claims := jwt.MapClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return domain.DecodedToken{}, fmt.Errorf("decode token: %w", err)
	}
	return domain.DecodedToken{Header: parsed.Header, Payload: claims}, nil
}

// Verify checks the signature of token with secret and returns its claims.
func Verify(token, secret string) (map[string]any, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods(domain.Algorithms), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(alg) {
	case "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, &RequestError{Message: fmt.Sprintf("Unsupported algorithm: %s", alg)}
	}
}

// truthy mirrors how a JSON consumer treats a claim value as present.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	default:
		return true
	}
}

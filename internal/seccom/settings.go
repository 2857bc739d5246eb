// Package seccom implements the signed token exchange with upstreams:
// state challenge, state-response validation and the info claim token.
package seccom

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oto-proxy/oto/internal/config"
)

// KeyMaterial binds a JWT signing method to its parsed keys.
// HS algorithms share one secret; RS/ES split private and public keys.
type KeyMaterial struct {
	Method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

// SignKey returns the key used to produce tokens. Nil when the settings
// only carry a public key.
func (k *KeyMaterial) SignKey() any { return k.signKey }

// VerifyKey returns the key used to check token signatures.
func (k *KeyMaterial) VerifyKey() any { return k.verifyKey }

// Keyfunc adapts the material to the jwt parser, rejecting tokens whose
// header names a different algorithm than configured.
func (k *KeyMaterial) Keyfunc(token *jwt.Token) (any, error) {
	if token.Method.Alg() != k.Method.Alg() {
		return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
	}
	return k.verifyKey, nil
}

// ParseAlgo turns configured algorithm settings into usable key material.
// Unset settings fall back to HS512 with the stock shared secret.
func ParseAlgo(s config.AlgoSettings) (*KeyMaterial, error) {
	if s.Alg == "" {
		s.Alg = "HS512"
	}

	method := jwt.GetSigningMethod(s.Alg)
	if method == nil {
		return nil, fmt.Errorf("unknown algorithm %q", s.Alg)
	}

	switch s.Alg {
	case "HS256", "HS384", "HS512":
		if s.Secret == "" {
			s.Secret = "secret"
		}
		secret := []byte(s.Secret)
		return &KeyMaterial{Method: method, signKey: secret, verifyKey: secret}, nil

	case "RS256", "RS384", "RS512":
		var priv *rsa.PrivateKey
		var pub *rsa.PublicKey
		if s.PrivateKey != "" {
			k, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.PrivateKey))
			if err != nil {
				return nil, fmt.Errorf("invalid RSA private key: %w", err)
			}
			priv = k
			pub = &k.PublicKey
		}
		if s.PublicKey != "" {
			k, err := jwt.ParseRSAPublicKeyFromPEM([]byte(s.PublicKey))
			if err != nil {
				return nil, fmt.Errorf("invalid RSA public key: %w", err)
			}
			pub = k
		}
		if pub == nil {
			return nil, fmt.Errorf("algorithm %s requires a key", s.Alg)
		}
		km := &KeyMaterial{Method: method, verifyKey: pub}
		if priv != nil {
			km.signKey = priv
		}
		return km, nil

	case "ES256", "ES384", "ES512":
		var priv *ecdsa.PrivateKey
		var pub *ecdsa.PublicKey
		if s.PrivateKey != "" {
			k, err := jwt.ParseECPrivateKeyFromPEM([]byte(s.PrivateKey))
			if err != nil {
				return nil, fmt.Errorf("invalid EC private key: %w", err)
			}
			priv = k
			pub = &k.PublicKey
		}
		if s.PublicKey != "" {
			k, err := jwt.ParseECPublicKeyFromPEM([]byte(s.PublicKey))
			if err != nil {
				return nil, fmt.Errorf("invalid EC public key: %w", err)
			}
			pub = k
		}
		if pub == nil {
			return nil, fmt.Errorf("algorithm %s requires a key", s.Alg)
		}
		km := &KeyMaterial{Method: method, verifyKey: pub}
		if priv != nil {
			km.signKey = priv
		}
		return km, nil
	}

	return nil, fmt.Errorf("unsupported algorithm %q", s.Alg)
}

// Package auth verifies the bearer tokens presented by connecting subjects
// and supervisors. Tokens are issued elsewhere; only HS256 and RS256
// signatures are accepted.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rickgao/proctorhub/internal/model"
	"github.com/rickgao/proctorhub/internal/registry"
)

// Supported algorithms.
const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
)

// Claims are the token claims: the registered set plus the holder's role.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config holds verifier configuration.
type Config struct {
	Algorithm     string        // HS256 or RS256
	Secret        string        // HS256 shared secret
	PublicKeyPath string        // RS256 PEM public key or certificate
	Issuer        string        // Required iss when set
	Audience      string        // Required aud when set
	Leeway        time.Duration // Clock skew tolerance
}

// Verifier checks token signatures and claims.
type Verifier struct {
	key    any
	parser *jwt.Parser
}

// NewVerifier creates a Verifier from configuration.
func NewVerifier(cfg Config) (*Verifier, error) {
	var key any
	switch cfg.Algorithm {
	case AlgHS256:
		if cfg.Secret == "" {
			return nil, fmt.Errorf("HS256 requires a secret")
		}
		key = []byte(cfg.Secret)
	case AlgRS256:
		if cfg.PublicKeyPath == "" {
			return nil, fmt.Errorf("RS256 requires a public key path")
		}
		pub, err := LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load public key: %w", err)
		}
		key = pub
	default:
		return nil, fmt.Errorf("unsupported algorithm: %q", cfg.Algorithm)
	}

	return newVerifier(cfg, key), nil
}

// NewRSAVerifier creates an RS256 Verifier from an already loaded key.
func NewRSAVerifier(cfg Config, pub *rsa.PublicKey) *Verifier {
	cfg.Algorithm = AlgRS256
	return newVerifier(cfg, pub)
}

func newVerifier(cfg Config, key any) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{cfg.Algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{key: key, parser: jwt.NewParser(opts...)}
}

// Verify checks a token and returns the identity it was issued to. Expired
// tokens are reported as registry.ErrTokenExpired.
func (v *Verifier) Verify(tokenString string) (model.Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return model.Identity{}, fmt.Errorf("token cannot be empty")
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.Identity{}, fmt.Errorf("%w: %v", registry.ErrTokenExpired, err)
		}
		return model.Identity{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return model.Identity{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return model.Identity{}, fmt.Errorf("missing 'sub' claim")
	}

	role := model.Role(claims.Role)
	if role != "" && !role.Valid() {
		return model.Identity{}, fmt.Errorf("invalid 'role' claim %q", claims.Role)
	}

	return model.Identity{ID: claims.Subject, Role: role}, nil
}

// LoadPublicKey loads an RSA public key from a PEM file holding a PKIX key,
// a PKCS#1 key or a certificate.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return ParsePublicKey(data)
}

// ParsePublicKey parses PEM data as in LoadPublicKey.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		rsaKey, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("certificate key is not RSA")
		}
		return rsaKey, nil
	}

	// Try PKIX first (newer format)
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA public key")
		}
		return rsaKey, nil
	}

	// Fall back to PKCS#1 (older format)
	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return rsaKey, nil
}

package credentials

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const assertionLifetime = 10 * time.Minute

// CertStore locates a certificate and its private key by SHA-1 thumbprint.
type CertStore interface {
	Find(ctx context.Context, thumbprint string) (*x509.Certificate, crypto.Signer, error)
}

// DirStore is a CertStore over a directory of PEM files, each holding a
// CERTIFICATE block and its PRIVATE KEY block.
type DirStore struct {
	Dir string
}

// Find scans the directory for a certificate whose thumbprint matches.
func (s DirStore) Find(ctx context.Context, thumbprint string) (*x509.Certificate, crypto.Signer, error) {
	want := normalizeThumbprint(thumbprint)
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("credentials: read cert store %s: %w", s.Dir, err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.Dir, entry.Name()))
		if err != nil {
			return nil, nil, err
		}
		cert, key, err := parsePEMBundle(raw)
		if err != nil || cert == nil {
			continue
		}
		if Thumbprint(cert) != want {
			continue
		}
		if key == nil {
			return nil, nil, fmt.Errorf("credentials: certificate %s has no private key", want)
		}
		return cert, key, nil
	}
	return nil, nil, fmt.Errorf("%w: thumbprint %s", ErrCertificateNotFound, want)
}

// Thumbprint returns the upper-case hex SHA-1 digest of the certificate.
func Thumbprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func normalizeThumbprint(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}

func parsePEMBundle(raw []byte) (*x509.Certificate, crypto.Signer, error) {
	var (
		cert *x509.Certificate
		key  crypto.Signer
	)
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, err
			}
			cert = c
		case "PRIVATE KEY":
			k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, err
			}
			signer, ok := k.(crypto.Signer)
			if !ok {
				return nil, nil, errors.New("credentials: private key is not a signer")
			}
			key = signer
		case "RSA PRIVATE KEY":
			k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, nil, err
			}
			key = k
		}
	}
	return cert, key, nil
}

// assertionCertificate is the exported, portable form of the located certificate.
type assertionCertificate struct {
	x5t    string
	pkcs8  []byte
	signer crypto.Signer
}

// CertificateCredential authenticates with JWT client assertions signed by a
// certificate located once per process.
type CertificateCredential struct {
	clientID string
	tokenURL string
	now      func() time.Time
	logger   *zap.Logger
	cert     *Memo[*assertionCertificate]
}

// NewCertificateCredential prepares a credential; the certificate is loaded on first use.
// tokenURL is the assertion audience.
func NewCertificateCredential(clientID, tokenURL, thumbprint string, store CertStore, logger *zap.Logger) (*CertificateCredential, error) {
	clientID = strings.TrimSpace(clientID)
	thumbprint = normalizeThumbprint(thumbprint)
	if clientID == "" || thumbprint == "" || store == nil {
		return nil, fmt.Errorf("%w: client id, thumbprint and cert store are required", ErrNotConfigured)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &CertificateCredential{
		clientID: clientID,
		tokenURL: tokenURL,
		now:      time.Now,
		logger:   logger,
	}
	c.cert = NewMemo(func(ctx context.Context) (*assertionCertificate, error) {
		return c.loadCertificate(ctx, store, thumbprint)
	})
	return c, nil
}

func (c *CertificateCredential) ClientID() string { return c.clientID }

// Load forces the certificate to be located. Subsequent calls are free.
func (c *CertificateCredential) Load(ctx context.Context) error {
	_, err := c.cert.Get(ctx)
	return err
}

// Apply signs a fresh client assertion and adds it to the form.
func (c *CertificateCredential) Apply(ctx context.Context, form url.Values) error {
	assertion, err := c.Assertion(ctx)
	if err != nil {
		return err
	}
	form.Set("client_id", c.clientID)
	form.Set("client_assertion_type", ClientAssertionType)
	form.Set("client_assertion", assertion)
	return nil
}

// Assertion returns a signed client assertion for the token endpoint.
func (c *CertificateCredential) Assertion(ctx context.Context) (string, error) {
	cert, err := c.cert.Get(ctx)
	if err != nil {
		return "", err
	}
	now := c.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    c.clientID,
		Subject:   c.clientID,
		Audience:  jwt.ClaimStrings{c.tokenURL},
		ID:        uuid.NewString(),
		NotBefore: jwt.NewNumericDate(now),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(signingMethod(cert.signer), claims)
	token.Header["x5t"] = cert.x5t
	signed, err := token.SignedString(cert.signer)
	if err != nil {
		return "", fmt.Errorf("credentials: sign client assertion: %w", err)
	}
	return signed, nil
}

func (c *CertificateCredential) loadCertificate(ctx context.Context, store CertStore, thumbprint string) (*assertionCertificate, error) {
	start := time.Now()
	cert, key, err := store.Find(ctx, thumbprint)
	if err != nil {
		c.logger.Error("certificate lookup failed", zap.String("thumbprint", thumbprint), zap.Error(err))
		return nil, err
	}
	blob, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("credentials: export private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(blob)
	if err != nil {
		return nil, fmt.Errorf("credentials: import private key: %w", err)
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, errors.New("credentials: exported key is not a signer")
	}
	sum := sha1.Sum(cert.Raw)
	c.logger.Info("certificate loaded",
		zap.String("thumbprint", thumbprint),
		zap.Time("not_after", cert.NotAfter),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &assertionCertificate{
		x5t:    base64.RawURLEncoding.EncodeToString(sum[:]),
		pkcs8:  blob,
		signer: signer,
	}, nil
}

func signingMethod(signer crypto.Signer) jwt.SigningMethod {
	if _, ok := signer.(*ecdsa.PrivateKey); ok {
		return jwt.SigningMethodES256
	}
	return jwt.SigningMethodRS256
}

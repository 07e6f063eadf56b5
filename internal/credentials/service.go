package credentials

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Options select the credential variant. A non-empty Thumbprint selects the
// certificate credential; otherwise ClientSecret is used.
type Options struct {
	ClientID     string
	ClientSecret string
	Thumbprint   string
	CertStoreDir string
	TokenURL     string
	// Store overrides the directory-backed certificate store.
	Store  CertStore
	Logger *zap.Logger
}

// Service hands out the single reusable application credential.
type Service struct {
	credential Credential
}

// NewService builds the credential selected by opts. Nothing is loaded yet.
func NewService(opts Options) (*Service, error) {
	if strings.TrimSpace(opts.Thumbprint) != "" {
		store := opts.Store
		if store == nil {
			store = DirStore{Dir: opts.CertStoreDir}
		}
		cred, err := NewCertificateCredential(opts.ClientID, opts.TokenURL, opts.Thumbprint, store, opts.Logger)
		if err != nil {
			return nil, err
		}
		return &Service{credential: cred}, nil
	}
	cred, err := NewSecretCredential(opts.ClientID, opts.ClientSecret)
	if err != nil {
		return nil, err
	}
	return &Service{credential: cred}, nil
}

// NewStaticService wraps an existing credential.
func NewStaticService(cred Credential) *Service {
	return &Service{credential: cred}
}

// GetCredential returns the credential, loading certificate material on first use.
func (s *Service) GetCredential(ctx context.Context) (Credential, error) {
	if s == nil || s.credential == nil {
		return nil, ErrNotConfigured
	}
	if loader, ok := s.credential.(interface{ Load(context.Context) error }); ok {
		if err := loader.Load(ctx); err != nil {
			return nil, err
		}
	}
	return s.credential, nil
}

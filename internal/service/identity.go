package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/strogmv/sessionguard/internal/domain"
	apperrors "github.com/strogmv/sessionguard/internal/pkg/errors"
	"github.com/strogmv/sessionguard/internal/port"
)

// ProviderRegistry holds the configured federated login strategies by name.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]port.IdentityProvider
}

func NewProviderRegistry(providers ...port.IdentityProvider) (*ProviderRegistry, error) {
	r := &ProviderRegistry{providers: make(map[string]port.IdentityProvider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *ProviderRegistry) Register(p port.IdentityProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[p.Name()]; ok {
		return fmt.Errorf("identity provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

func (r *ProviderRegistry) Get(name string) (port.IdentityProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered providers in sorted order.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Exchange trades code at the named provider. A failed exchange is reported
// as invalid credentials.
func (r *ProviderRegistry) Exchange(ctx context.Context, name, code string) (domain.VerifiedIdentity, error) {
	p, ok := r.Get(name)
	if !ok {
		return domain.VerifiedIdentity{}, apperrors.Newf(apperrors.KindValidation, "unknown identity provider %q", name)
	}
	id, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return domain.VerifiedIdentity{}, apperrors.Wrap(apperrors.KindInvalidCredentials, err, "provider exchange")
	}
	return id, nil
}

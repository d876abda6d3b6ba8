package token

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// refreshMargin keeps a send from racing against a token that expires
// mid-flight: anything within a minute of expiry is treated as expired.
const refreshMargin = 60 * time.Second

const graphScope = "https://graph.microsoft.com/.default"

// Issuer identifies one client-credentials identity.
type Issuer struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

func (i Issuer) key() string {
	return i.TenantID + "|" + i.ClientID
}

// ExchangeError reports a failed token exchange. The dispatch layer
// treats it as a per-message failure, not an instance failure.
type ExchangeError struct {
	Tenant string
	Err    error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange for tenant %s: %v", e.Tenant, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

type entry struct {
	mu     sync.Mutex
	cfg    *clientcredentials.Config
	value  string
	expiry time.Time
}

// Cache holds one bearer token per issuer. Each entry carries its own
// lock, so concurrent callers for the same tenant serialize around the
// refresh while distinct tenants never block each other.
type Cache struct {
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache builds a cache issuing tokens from baseURL
// (https://login.microsoftonline.com in production). client is used for
// the exchange HTTP calls; nil means http.DefaultClient.
func NewCache(baseURL string, client *http.Client) *Cache {
	return &Cache{
		baseURL: baseURL,
		client:  client,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Token returns a currently valid bearer token for the issuer, refreshing
// it through the external exchange when none is cached or the cached one
// is within refreshMargin of expiry. At most one exchange per issuer is
// in flight at a time; a caller that was waiting on another caller's
// refresh re-checks freshness before starting its own.
func (c *Cache) Token(ctx context.Context, issuer Issuer) (string, error) {
	e := c.entry(issuer)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.value != "" && e.expiry.Sub(c.now()) > refreshMargin {
		return e.value, nil
	}

	if c.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	}
	tok, err := e.cfg.Token(ctx)
	if err != nil {
		return "", &ExchangeError{Tenant: issuer.TenantID, Err: err}
	}

	e.value = tok.AccessToken
	e.expiry = tok.Expiry
	if e.expiry.IsZero() {
		e.expiry = c.now().Add(time.Hour)
	}
	return e.value, nil
}

func (c *Cache) entry(issuer Issuer) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[issuer.key()]
	if !ok {
		e = &entry{
			cfg: &clientcredentials.Config{
				ClientID:     issuer.ClientID,
				ClientSecret: issuer.ClientSecret,
				TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.baseURL, issuer.TenantID),
				Scopes:       []string{graphScope},
			},
		}
		c.entries[issuer.key()] = e
	}
	return e
}

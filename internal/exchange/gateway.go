package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/core"
	"spot_trader/pkg/cryptoutil"

	apperrors "spot_trader/pkg/errors"
)

// VenueMock is the in-process venue name. It bypasses the connector
// cache and the circuit breaker.
const VenueMock = "mock"

type credentialBlob struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

type cachedConnector struct {
	exchange  core.IExchange
	createdAt time.Time
}

// Gateway builds and caches venue connectors per (venue, credential,
// mode) and runs every call through a per-venue circuit breaker.
type Gateway struct {
	cfg           config.GatewayConfig
	encryptionKey string
	logger        core.ILogger

	mu         sync.Mutex
	cache      map[string]cachedConnector
	breakers   map[string]*CircuitBreaker
	mock       core.IExchange
	newBreaker func(venue string) *CircuitBreaker
	now        func() time.Time
}

// NewGateway creates a gateway. mock may be nil when the deployment has
// no in-process venue wired.
func NewGateway(cfg config.GatewayConfig, encryptionKey string, mock core.IExchange, newBreaker func(venue string) *CircuitBreaker, logger core.ILogger) *Gateway {
	return &Gateway{
		cfg:           cfg,
		encryptionKey: encryptionKey,
		logger:        logger,
		cache:         make(map[string]cachedConnector),
		breakers:      make(map[string]*CircuitBreaker),
		mock:          mock,
		newBreaker:    newBreaker,
		now:           time.Now,
	}
}

// SetClock overrides the time source for tests.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Connector resolves the user's connector for a venue, reusing a cached
// instance when the credential and mode flags are unchanged.
func (g *Gateway) Connector(ctx context.Context, user *core.User, venue string) (core.IExchange, error) {
	if venue == "" {
		venue = user.DefaultVenue
	}
	if venue == VenueMock {
		if g.mock == nil {
			return nil, fmt.Errorf("%w: mock venue not configured", apperrors.ErrExchangeNotConfigured)
		}
		return g.mock, nil
	}

	cred, ok := user.Credentials[venue]
	if !ok {
		return nil, fmt.Errorf("%w: user %s has no credentials for %s", apperrors.ErrExchangeNotConfigured, user.ID, venue)
	}
	blob, err := g.decryptCredential(cred)
	if err != nil {
		return nil, err
	}

	key := connectorKey(venue, blob.APIKey, cred.Testnet, cred.UseMargin)

	g.mu.Lock()
	defer g.mu.Unlock()

	if entry, ok := g.cache[key]; ok {
		if g.now().Sub(entry.createdAt) < g.cfg.ConnectorCacheTTL {
			return entry.exchange, nil
		}
		delete(g.cache, key)
		if err := entry.exchange.Close(); err != nil {
			g.logger.Warn("failed to close expired connector", "venue", venue, "error", err)
		}
	}

	baseURL, err := g.baseURL(venue, cred.Testnet)
	if err != nil {
		return nil, err
	}
	conn := WrapWithBreaker(
		NewRESTVenue(venue, baseURL, blob.APIKey, g.cfg.SubmitTimeout),
		g.breakerLocked(venue),
	)
	g.cache[key] = cachedConnector{exchange: conn, createdAt: g.now()}
	g.logger.Info("created venue connector", "venue", venue, "testnet", cred.Testnet)
	return conn, nil
}

func (g *Gateway) decryptCredential(cred core.VenueCredential) (*credentialBlob, error) {
	plain, err := cryptoutil.Decrypt(cred.EncryptedBlob, g.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: credential decrypt failed: %v", apperrors.ErrCredentialInvalid, err)
	}
	var blob credentialBlob
	if err := json.Unmarshal(plain, &blob); err != nil {
		return nil, fmt.Errorf("%w: credential blob is not valid JSON", apperrors.ErrCredentialInvalid)
	}
	// Legacy blobs carried a bare key string with no secret. Those can no
	// longer authenticate anywhere and are rejected outright.
	if blob.APIKey == "" || blob.APISecret == "" {
		return nil, fmt.Errorf("%w: credential blob missing api_key or api_secret", apperrors.ErrCredentialInvalid)
	}
	return &blob, nil
}

func (g *Gateway) baseURL(venue string, testnet bool) (string, error) {
	lookup := venue
	if testnet {
		lookup = venue + "_testnet"
	}
	if url, ok := g.cfg.VenueURLs[lookup]; ok && url != "" {
		return url, nil
	}
	if g.cfg.MockBaseURL != "" {
		return g.cfg.MockBaseURL, nil
	}
	return "", fmt.Errorf("%w: no base URL for venue %s", apperrors.ErrExchangeNotConfigured, lookup)
}

func (g *Gateway) breakerLocked(venue string) *CircuitBreaker {
	if cb, ok := g.breakers[venue]; ok {
		return cb
	}
	cb := g.newBreaker(venue)
	g.breakers[venue] = cb
	return cb
}

// BreakerStates reports every known venue breaker, for health output.
func (g *Gateway) BreakerStates() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[string]string, len(g.breakers))
	for venue, cb := range g.breakers {
		states[venue] = cb.State().String()
	}
	return states
}

// CloseAll drops every cached connector.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, entry := range g.cache {
		if err := entry.exchange.Close(); err != nil {
			g.logger.Warn("failed to close connector", "key", key, "error", err)
		}
		delete(g.cache, key)
	}
}

// connectorKey identifies a connector by venue, a key prefix, and the
// mode flags. The prefix avoids holding full API keys in map keys.
func connectorKey(venue, apiKey string, testnet, margin bool) string {
	prefix := apiKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	var sb strings.Builder
	sb.WriteString(venue)
	sb.WriteByte(':')
	sb.WriteString(prefix)
	if testnet {
		sb.WriteString(":testnet")
	}
	if margin {
		sb.WriteString(":margin")
	}
	return sb.String()
}

var _ core.IExchangeGateway = (*Gateway)(nil)

package exchange

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"spot_trader/internal/config"
	"spot_trader/internal/core"
	"spot_trader/pkg/cryptoutil"
	"spot_trader/pkg/logging"
	"spot_trader/pkg/telemetry"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEncryptionKey = "unit-test-encryption-key"

func encryptBlob(t *testing.T, blob map[string]string) string {
	t.Helper()
	raw, err := json.Marshal(blob)
	require.NoError(t, err)
	sealed, err := cryptoutil.Encrypt(raw, testEncryptionKey)
	require.NoError(t, err)
	return sealed
}

func testGateway(t *testing.T, mock core.IExchange) *Gateway {
	t.Helper()
	cfg := config.Default().Gateway
	cfg.VenueURLs = map[string]string{
		"binance":         "http://localhost:18080",
		"binance_testnet": "http://localhost:18081",
	}
	metrics := telemetry.NewTestMetrics()
	newBreaker := func(venue string) *CircuitBreaker {
		return NewCircuitBreaker(venue, DefaultBreakerConfig(), metrics)
	}
	return NewGateway(cfg, testEncryptionKey, mock, newBreaker, logging.NewNopLogger())
}

func testUser(t *testing.T, venue string, blob map[string]string) *core.User {
	t.Helper()
	return &core.User{
		ID:           uuid.New(),
		DefaultVenue: venue,
		Credentials: map[string]core.VenueCredential{
			venue: {Venue: venue, EncryptedBlob: encryptBlob(t, blob)},
		},
	}
}

func TestGatewayCachesConnector(t *testing.T) {
	gw := testGateway(t, nil)
	user := testUser(t, "binance", map[string]string{"api_key": "key-abcdef12", "api_secret": "sec"})

	a, err := gw.Connector(context.Background(), user, "binance")
	require.NoError(t, err)
	b, err := gw.Connector(context.Background(), user, "binance")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestGatewayEvictsExpiredConnector(t *testing.T) {
	gw := testGateway(t, nil)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	gw.SetClock(func() time.Time { return now })

	user := testUser(t, "binance", map[string]string{"api_key": "key-abcdef12", "api_secret": "sec"})

	a, err := gw.Connector(context.Background(), user, "binance")
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	b, err := gw.Connector(context.Background(), user, "binance")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestGatewayDistinctKeysGetDistinctConnectors(t *testing.T) {
	gw := testGateway(t, nil)

	alice := testUser(t, "binance", map[string]string{"api_key": "alice-key-123", "api_secret": "s1"})
	bob := testUser(t, "binance", map[string]string{"api_key": "bob-key-456", "api_secret": "s2"})

	a, err := gw.Connector(context.Background(), alice, "binance")
	require.NoError(t, err)
	b, err := gw.Connector(context.Background(), bob, "binance")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestGatewayMockBypassesCache(t *testing.T) {
	mock := NewMockExchange("mock")
	gw := testGateway(t, mock)

	user := &core.User{ID: uuid.New(), DefaultVenue: "mock"}
	conn, err := gw.Connector(context.Background(), user, "")
	require.NoError(t, err)
	assert.Same(t, core.IExchange(mock), conn)
}

func TestGatewayRejectsLegacyCredentialBlob(t *testing.T) {
	gw := testGateway(t, nil)

	// Pre-rotation blobs held a bare key string, not a JSON document.
	sealed, err := cryptoutil.Encrypt([]byte("just-an-api-key"), testEncryptionKey)
	require.NoError(t, err)
	user := &core.User{
		ID: uuid.New(),
		Credentials: map[string]core.VenueCredential{
			"binance": {Venue: "binance", EncryptedBlob: sealed},
		},
	}

	_, err = gw.Connector(context.Background(), user, "binance")
	assert.ErrorIs(t, err, apperrors.ErrCredentialInvalid)
}

func TestGatewayRejectsMissingSecret(t *testing.T) {
	gw := testGateway(t, nil)
	user := testUser(t, "binance", map[string]string{"api_key": "only-a-key"})

	_, err := gw.Connector(context.Background(), user, "binance")
	assert.ErrorIs(t, err, apperrors.ErrCredentialInvalid)
}

func TestGatewayMissingCredentials(t *testing.T) {
	gw := testGateway(t, nil)
	user := &core.User{ID: uuid.New()}

	_, err := gw.Connector(context.Background(), user, "kraken")
	assert.ErrorIs(t, err, apperrors.ErrExchangeNotConfigured)
}

func TestGatewayBreakerStates(t *testing.T) {
	gw := testGateway(t, nil)
	user := testUser(t, "binance", map[string]string{"api_key": "key-abcdef12", "api_secret": "sec"})

	_, err := gw.Connector(context.Background(), user, "binance")
	require.NoError(t, err)

	states := gw.BreakerStates()
	assert.Equal(t, map[string]string{"binance": "closed"}, states)
}

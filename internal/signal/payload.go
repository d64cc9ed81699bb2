// Package signal validates inbound webhook intents and routes them to
// the queue or the synchronous exit path.
package signal

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"spot_trader/internal/core"

	apperrors "spot_trader/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payload is the inbound webhook document.
type Payload struct {
	UserID    uuid.UUID `json:"user_id"`
	Secret    string    `json:"secret"`
	Source    string    `json:"source"`
	Timestamp string    `json:"timestamp"`

	TV struct {
		Exchange   string          `json:"exchange"`
		Symbol     string          `json:"symbol"`
		Timeframe  int             `json:"timeframe"`
		Action     string          `json:"action"`
		EntryPrice decimal.Decimal `json:"entry_price"`
		OrderSize  decimal.Decimal `json:"order_size"`
	} `json:"tv"`

	ExecutionIntent struct {
		Type             string `json:"type"`
		Side             string `json:"side"`
		PositionSizeType string `json:"position_size_type"`
	} `json:"execution_intent"`

	StrategyInfo struct {
		TradeID string `json:"trade_id"`
	} `json:"strategy_info"`

	Risk struct {
		MaxSlippagePercent decimal.Decimal `json:"max_slippage_percent"`
	} `json:"risk"`
}

// Intent is the validated, normalized form handed to the router.
type Intent struct {
	UserID             uuid.UUID
	Venue              string
	Symbol             string
	Timeframe          int
	Action             string
	IsExit             bool
	EntryPrice         decimal.Decimal
	OrderSizeUSD       decimal.Decimal
	MaxSlippagePercent decimal.Decimal
	TradeID            string
	Raw                []byte
}

const (
	ActionBuy  = "buy"
	ActionSell = "sell"

	intentSignal = "signal"
	intentExit   = "exit"
)

// hasPlaceholder catches unexpanded template variables such as
// {{ticker}} that strategy platforms emit on misconfiguration.
func hasPlaceholder(fields ...string) bool {
	for _, f := range fields {
		if strings.Contains(f, "{{") || strings.Contains(f, "}}") {
			return true
		}
	}
	return false
}

// normalizeSymbol upcases and strips the slash separator.
func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(symbol), "/", ""))
}

// Validate checks the payload against the stored user record and
// returns the normalized intent. Secret comparison is constant time.
func Validate(p *Payload, pathUserID uuid.UUID, user *core.User, raw []byte) (*Intent, error) {
	if hasPlaceholder(p.TV.Exchange, p.TV.Symbol, p.TV.Action, p.ExecutionIntent.Type, p.ExecutionIntent.Side) {
		return nil, fmt.Errorf("%w: payload contains unexpanded placeholders", apperrors.ErrValidation)
	}
	if p.UserID != pathUserID {
		return nil, fmt.Errorf("%w: body user_id does not match path", apperrors.ErrValidation)
	}
	if subtle.ConstantTimeCompare([]byte(p.Secret), []byte(user.WebhookSecret)) != 1 {
		return nil, apperrors.ErrBadSecret
	}
	if p.Source == "" || p.Timestamp == "" {
		return nil, fmt.Errorf("%w: source and timestamp are required", apperrors.ErrValidation)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		return nil, fmt.Errorf("%w: timestamp is not ISO-8601", apperrors.ErrValidation)
	}

	action := strings.ToLower(p.TV.Action)
	if action != ActionBuy && action != ActionSell {
		return nil, fmt.Errorf("%w: action must be buy or sell", apperrors.ErrValidation)
	}
	intentType := strings.ToLower(p.ExecutionIntent.Type)
	if intentType != intentSignal && intentType != intentExit {
		return nil, fmt.Errorf("%w: execution_intent.type must be signal or exit", apperrors.ErrValidation)
	}
	if action == ActionSell && intentType != intentExit {
		return nil, apperrors.ErrShortNotSupported
	}

	symbol := normalizeSymbol(p.TV.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", apperrors.ErrValidation)
	}
	if p.TV.Timeframe <= 0 {
		return nil, fmt.Errorf("%w: timeframe must be a positive number of minutes", apperrors.ErrValidation)
	}
	if !p.TV.EntryPrice.IsPositive() {
		return nil, fmt.Errorf("%w: entry_price must be positive", apperrors.ErrValidation)
	}
	if action == ActionBuy && !p.TV.OrderSize.IsPositive() {
		return nil, fmt.Errorf("%w: order_size must be positive", apperrors.ErrValidation)
	}
	if p.StrategyInfo.TradeID == "" {
		return nil, fmt.Errorf("%w: strategy_info.trade_id is required", apperrors.ErrValidation)
	}

	venue := strings.ToLower(strings.TrimSpace(p.TV.Exchange))
	if venue == "" {
		venue = user.DefaultVenue
	}

	slippage := p.Risk.MaxSlippagePercent
	if slippage.IsZero() {
		slippage = decimal.NewFromInt(1)
	}

	orderSize := p.TV.OrderSize
	if strings.ToLower(p.ExecutionIntent.PositionSizeType) == "base" {
		orderSize = p.TV.OrderSize.Mul(p.TV.EntryPrice)
	}

	return &Intent{
		UserID:             user.ID,
		Venue:              venue,
		Symbol:             symbol,
		Timeframe:          p.TV.Timeframe,
		Action:             action,
		IsExit:             intentType == intentExit,
		EntryPrice:         p.TV.EntryPrice,
		OrderSizeUSD:       orderSize,
		MaxSlippagePercent: slippage,
		TradeID:            p.StrategyInfo.TradeID,
		Raw:                raw,
	}, nil
}

package logging

import (
	"context"
)

type contextKey string

const loggerKey contextKey = "logger"

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// MarketContext returns a logger tagged with a market code
func MarketContext(base *Logger, market string) *Logger {
	return base.WithField("market", market)
}

// OrderContext creates a logger context for order operations
func OrderContext(base *Logger, market, side, uuid string) *Logger {
	return base.WithFields(map[string]interface{}{
		"market": market,
		"side":   side,
		"uuid":   uuid,
	})
}

// PositionContext creates a logger context for position operations
func PositionContext(base *Logger, market string, entryPrice, volume float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"market":      market,
		"entry_price": entryPrice,
		"volume":      volume,
	})
}

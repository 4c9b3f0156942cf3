package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-trading-engine/internal/cache"
)

const (
	// MaxClientOrderIDLength is the maximum length allowed by Binance.
	MaxClientOrderIDLength = 36

	// FallbackMarker identifies IDs generated while Redis is unavailable.
	FallbackMarker = "FALLBACK"

	enginePrefix = "FTE"
)

// OrderKind is the one-letter suffix identifying the placement path an
// order belongs to.
type OrderKind string

const (
	KindOpen    OrderKind = "O"
	KindAverage OrderKind = "A"
	KindStop    OrderKind = "S"
	KindClose   OrderKind = "C"
)

var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidOrderKind     = errors.New("invalid order kind")
	ErrEmptySessionID       = errors.New("session ID cannot be empty")
)

// ClientOrderIDGenerator produces structured client order IDs that make
// retries idempotent: a placement whose acknowledgement was lost can be
// confirmed by looking the ID up before re-sending.
//
// Format: FTE-[DDMMM]-[NNNNN]-[KIND][-n] (e.g. "FTE-01SEP-00042-O").
// Fallback format when Redis is down: FTE-FALLBACK-[8CHAR]-[KIND].
type ClientOrderIDGenerator struct {
	cacheService *cache.CacheService
	sessionID    string
	logger       zerolog.Logger
	now          func() time.Time
}

// NewClientOrderIDGenerator creates a generator for one trading session.
// cacheService may be nil; every ID then uses the fallback format.
func NewClientOrderIDGenerator(cacheService *cache.CacheService, sessionID string, logger zerolog.Logger) (*ClientOrderIDGenerator, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	return &ClientOrderIDGenerator{
		cacheService: cacheService,
		sessionID:    sessionID,
		logger:       logger.With().Str("component", "ClientOrderIDGenerator").Logger(),
		now:          time.Now,
	}, nil
}

// Generate creates a new client order ID with an atomic daily sequence
// number. Falls back to a UUID-derived ID when Redis is unavailable.
func (g *ClientOrderIDGenerator) Generate(ctx context.Context, kind OrderKind) (string, error) {
	if err := validateKind(kind); err != nil {
		return "", err
	}

	now := g.now().UTC()
	dateStr := strings.ToUpper(now.Format("02Jan")) // "01SEP"

	if g.cacheService != nil {
		dateKey := now.Format("20060102")
		seq, err := g.cacheService.IncrementDailySequence(ctx, g.sessionID, dateKey)
		if err == nil {
			id := fmt.Sprintf("%s-%s-%05d-%s", enginePrefix, dateStr, seq, kind)
			if len(id) > MaxClientOrderIDLength {
				return "", fmt.Errorf("%w: %q is %d characters", ErrClientOrderIDTooLong, id, len(id))
			}
			return id, nil
		}
		g.logger.Warn().Err(err).Msg("redis unavailable for sequence generation, using fallback ID")
	}

	return g.GenerateFallback(kind), nil
}

// GenerateFallback creates a UUID-derived ID that needs no external state.
func (g *ClientOrderIDGenerator) GenerateFallback(kind OrderKind) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s-%s", enginePrefix, FallbackMarker, short, kind)
}

// ChunkID derives the ID for the n-th chunk of a split order from the
// base ID so all chunks of one logical placement stay linkable.
func ChunkID(baseID string, n int) string {
	if n == 0 {
		return baseID
	}
	id := fmt.Sprintf("%s-%d", baseID, n)
	if len(id) > MaxClientOrderIDLength {
		return id[:MaxClientOrderIDLength]
	}
	return id
}

// IsFallbackID reports whether the ID was generated without Redis.
func IsFallbackID(id string) bool {
	return strings.Contains(id, "-"+FallbackMarker+"-")
}

func validateKind(kind OrderKind) error {
	switch kind {
	case KindOpen, KindAverage, KindStop, KindClose:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidOrderKind, kind)
}

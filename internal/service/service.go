package service

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"retailpos/backend/internal/access"
	"retailpos/backend/internal/cache"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// DefaultPhoneRegion is used to parse customer phone numbers written
// without a country prefix.
const DefaultPhoneRegion = "ID"

type Service struct {
	repo        store.Repository
	guard       access.Guard
	saleCache   cache.SaleCache
	cacheTTL    time.Duration
	logger      *logrus.Logger
	phoneRegion string
	now         func() time.Time
}

// New wires the engine. A nil guard falls back to access.RolePolicy, a nil
// cache disables sale caching and a nil logger discards output.
func New(repo store.Repository, guard access.Guard, saleCache cache.SaleCache, cacheTTL time.Duration, logger *logrus.Logger) *Service {
	if guard == nil {
		guard = access.RolePolicy{}
	}
	if saleCache == nil {
		saleCache = cache.NoopSaleCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{
		repo:        repo,
		guard:       guard,
		saleCache:   saleCache,
		cacheTTL:    cacheTTL,
		logger:      logger,
		phoneRegion: DefaultPhoneRegion,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetPhoneRegion changes the default region for customer phone numbers.
func (s *Service) SetPhoneRegion(region string) {
	if region != "" {
		s.phoneRegion = region
	}
}

func (s *Service) actor(ctx context.Context) domain.Actor {
	actor, _ := ActorFromContext(ctx)
	return actor
}

func (s *Service) authorize(ctx context.Context, op access.Operation, ownerID string) (domain.Actor, error) {
	actor := s.actor(ctx)
	if err := access.Check(ctx, s.guard, actor, op, ownerID); err != nil {
		if !errors.Is(err, domain.ErrUnauthorized) {
			return actor, s.persistence(string(op), err)
		}
		s.logger.WithFields(logrus.Fields{
			"actor": actor.Username,
			"role":  actor.Role,
			"op":    string(op),
		}).Warn("operation denied")
		return actor, err
	}
	return actor, nil
}

// translate maps store failures onto the engine error taxonomy. Anything
// that is not already classified becomes a retry-safe PersistenceError.
func (s *Service) translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrInvalidPlan):
		return domain.NewValidationError(domain.CodeInvalidRequest, "", err.Error())
	case errors.Is(err, store.ErrConflict):
		return domain.NewValidationError(domain.CodeInvalidRequest, "", err.Error())
	case domain.IsEngineError(err):
		return err
	default:
		return s.persistence(op, err)
	}
}

func (s *Service) persistence(op string, err error) error {
	logging.LogError(s.logger, "service", op, nil, err)
	return &domain.PersistenceError{Op: op, Err: err}
}

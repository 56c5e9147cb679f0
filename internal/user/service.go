package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frahmantamala/gameshop-ledger/internal"
)

type Repository interface {
	// GetProfile returns internal.ErrNotFound when the user does not exist.
	GetProfile(ctx context.Context, userID int64) (*Profile, error)
}

type Service struct {
	repo   Repository
	now    func() time.Time
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

func (s *Service) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	if userID <= 0 {
		return nil, internal.NewValidationError("user id is required", internal.ErrCodeValidationFailed)
	}

	p, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		if _, ok := internal.IsAppError(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get user profile: %w", err)
	}

	p.ExpirePremium(s.now())
	p.ReferralEarnings = p.ReferralEarnings.Round(2)
	return p, nil
}

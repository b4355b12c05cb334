package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/refdrop/internal/domain"
	"github.com/punchamoorthee/refdrop/internal/ledger"
	"github.com/punchamoorthee/refdrop/internal/models"
	"github.com/punchamoorthee/refdrop/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReferralBonus = 5
	DefaultSignupBonus   = 5
	DefaultReferralDepth = 5

	codeAttempts = 3
)

var (
	signupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refdrop_signups_total",
		Help: "Signups processed, labeled by outcome",
	}, []string{"outcome"})

	referralCreditsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "refdrop_referral_credits_total",
		Help: "Credit units granted to ancestors through referral bonuses",
	})
)

type ReferralConfig struct {
	Bonus       int64
	SignupBonus int64
	Depth       int
}

type ReferralService struct {
	store store.Store
	cfg   ReferralConfig
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewReferralService(s store.Store, cfg ReferralConfig, log logrus.FieldLogger) *ReferralService {
	if cfg.Bonus <= 0 {
		cfg.Bonus = DefaultReferralBonus
	}
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultReferralDepth
	}
	return &ReferralService{store: s, cfg: cfg, log: log, now: time.Now}
}

// Signup creates an account and propagates the referral bonus to the root and
// up to Depth ancestors. Everything happens in one store transaction: either
// the account and every credit are written, or nothing is.
func (s *ReferralService) Signup(ctx context.Context, req models.SignupRequest) (*domain.Account, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		signupsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		signupsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: malformed email", ErrValidation)
	}

	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet != "" {
		if !ledger.ValidAddress(wallet) {
			signupsTotal.WithLabelValues("invalid").Inc()
			return nil, fmt.Errorf("%w: malformed wallet address", ErrValidation)
		}
		_, err := s.store.GetAccountByWallet(ctx, wallet)
		if err == nil {
			signupsTotal.WithLabelValues("conflict").Inc()
			return nil, ErrConflict
		}
		if !errors.Is(err, store.ErrAccountNotFound) {
			return nil, fmt.Errorf("wallet lookup failed: %w", err)
		}
	}

	code := strings.TrimSpace(req.ReferralCode)

	var (
		acc *domain.Account
		err error
	)
	for attempt := 0; attempt < codeAttempts; attempt++ {
		acc, err = s.signup(ctx, email, wallet, code)
		if !errors.Is(err, store.ErrCodeInUse) {
			break
		}
	}

	switch {
	case err == nil:
		signupsTotal.WithLabelValues("created").Inc()
	case errors.Is(err, ErrInvalidReferralCode):
		signupsTotal.WithLabelValues("invalid").Inc()
	case errors.Is(err, store.ErrWalletInUse):
		signupsTotal.WithLabelValues("conflict").Inc()
		return nil, ErrConflict
	default:
		signupsTotal.WithLabelValues("error").Inc()
	}
	return acc, err
}

func (s *ReferralService) signup(ctx context.Context, email, wallet, code string) (*domain.Account, error) {
	acc := &domain.Account{
		ID:            uuid.NewString(),
		Email:         email,
		ReferralCode:  newReferralCode(),
		CreditBalance: s.cfg.SignupBonus,
		CreatedAt:     s.now().UTC(),
	}
	if wallet != "" {
		acc.WalletAddress = &wallet
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		root, err := tx.GetAccount(ctx, domain.RootAccountID)
		if errors.Is(err, store.ErrAccountNotFound) {
			return ErrRootMissing
		}
		if err != nil {
			return fmt.Errorf("root lookup failed: %w", err)
		}

		referrer := root
		if code != "" {
			referrer, err = tx.GetAccountByReferralCode(ctx, code)
			if errors.Is(err, store.ErrAccountNotFound) {
				return ErrInvalidReferralCode
			}
			if err != nil {
				return fmt.Errorf("referrer lookup failed: %w", err)
			}
		}
		acc.ReferredBy = referrer.ID

		if err := tx.InsertAccount(ctx, acc); err != nil {
			return err
		}

		if err := tx.Credit(ctx, root.ID, acc.ID, 0, s.cfg.Bonus); err != nil {
			return fmt.Errorf("root credit failed: %w", err)
		}
		return s.propagate(ctx, tx, referrer, acc.ID)
	})
	if err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"account_id":  acc.ID,
		"referred_by": acc.ReferredBy,
	}).Info("account created")
	return acc, nil
}

// propagate credits the referrer chain starting at current, one level per
// ancestor, stopping at the root or after Depth levels.
func (s *ReferralService) propagate(ctx context.Context, tx store.Tx, current *domain.Account, newID string) error {
	for level := 1; level <= s.cfg.Depth; level++ {
		if current.IsRoot() {
			return nil
		}
		if err := tx.Credit(ctx, current.ID, newID, level, s.cfg.Bonus); err != nil {
			return fmt.Errorf("credit level %d failed: %w", level, err)
		}
		referralCreditsTotal.Add(float64(s.cfg.Bonus))

		if level == s.cfg.Depth {
			return nil
		}
		next, err := tx.GetAccount(ctx, current.ReferredBy)
		if errors.Is(err, store.ErrAccountNotFound) {
			s.log.WithFields(logrus.Fields{
				"account_id":  current.ID,
				"referred_by": current.ReferredBy,
				"level":       level,
			}).Warn("referral chain broken: ancestor missing")
			return nil
		}
		if err != nil {
			return fmt.Errorf("ancestor lookup failed: %w", err)
		}
		current = next
	}
	return nil
}

// GetAccount returns a single account.
func (s *ReferralService) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	acc, err := s.store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	return acc, nil
}

// Team reports how many referrals the account has at each level 1..Depth.
func (s *ReferralService) Team(ctx context.Context, id string) ([]models.TeamLevel, error) {
	if _, err := s.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	counts, err := s.store.TeamCounts(ctx, id, s.cfg.Depth)
	if err != nil {
		return nil, fmt.Errorf("team lookup failed: %w", err)
	}
	team := make([]models.TeamLevel, 0, s.cfg.Depth)
	for level := 1; level <= s.cfg.Depth; level++ {
		team = append(team, models.TeamLevel{Level: level, Count: counts[level]})
	}
	return team, nil
}

func newReferralCode() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
}

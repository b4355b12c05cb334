package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/refdrop/internal/domain"
)

var _ CampaignStore = (*PostgresStore)(nil)

const campaignColumns = "id, token_name, asset_id, decimals, amount_per_claim, total_amount, claimed_amount, completed, created_by, created_at"

func (s *PostgresStore) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO campaigns (id, token_name, asset_id, decimals, amount_per_claim, total_amount, claimed_amount, completed, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 0, FALSE, $7, $8)`,
		c.ID, c.TokenName, int64(c.AssetID), c.Decimals, c.AmountPerClaim, c.TotalAmount, c.CreatedBy, c.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrCampaignActive
		}
		return fmt.Errorf("campaign insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveCampaign(ctx context.Context, tokenName string) (*domain.Campaign, error) {
	c, err := scanCampaign(s.Db.QueryRow(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE token_name = $1 AND NOT completed",
		tokenName,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("campaign lookup failed: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ReserveClaim(ctx context.Context, campaignID string, claim domain.Claim) error {
	exhausted := false
	err := s.WithTx(ctx, func(t Tx) error {
		q := t.(*pgTx).q

		// Row lock serializes claims against the same budget.
		c, err := scanCampaign(q.QueryRow(ctx,
			"SELECT "+campaignColumns+" FROM campaigns WHERE id = $1 FOR UPDATE",
			campaignID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCampaignNotFound
		}
		if err != nil {
			return fmt.Errorf("campaign lock failed: %w", err)
		}
		if c.Completed {
			return ErrCampaignNotFound
		}

		var claimed bool
		if err := q.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM campaign_claims WHERE campaign_id = $1 AND address = $2 AND status <> 'failed')",
			campaignID, claim.Address,
		).Scan(&claimed); err != nil {
			return fmt.Errorf("claim lookup failed: %w", err)
		}
		if claimed {
			return ErrAlreadyClaimed
		}

		if c.Remaining() < claim.Amount {
			if _, err := q.Exec(ctx, "UPDATE campaigns SET completed = TRUE WHERE id = $1", campaignID); err != nil {
				return fmt.Errorf("campaign complete failed: %w", err)
			}
			exhausted = true
			return nil
		}

		if _, err := q.Exec(ctx,
			`INSERT INTO campaign_claims (campaign_id, address, amount, tx_id, status, created_at)
			 VALUES ($1, $2, $3, $4, 'pending', $5)`,
			campaignID, claim.Address, claim.Amount, claim.TransactionID, claim.CreatedAt,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrAlreadyClaimed
			}
			return fmt.Errorf("claim insert failed: %w", err)
		}
		if _, err := q.Exec(ctx,
			"UPDATE campaigns SET claimed_amount = claimed_amount + $1 WHERE id = $2",
			claim.Amount, campaignID,
		); err != nil {
			return fmt.Errorf("campaign update failed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if exhausted {
		return ErrCampaignExhausted
	}
	return nil
}

func (s *PostgresStore) CompleteClaim(ctx context.Context, campaignID, address, txID string) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE campaign_claims SET status = 'confirmed'
		 WHERE campaign_id = $1 AND address = $2 AND tx_id = $3 AND status = 'pending'`,
		campaignID, address, txID,
	)
	if err != nil {
		return fmt.Errorf("claim confirm failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, campaignID, address, txID string) error {
	return s.WithTx(ctx, func(t Tx) error {
		q := t.(*pgTx).q
		var amount int64
		err := q.QueryRow(ctx,
			`UPDATE campaign_claims SET status = 'failed'
			 WHERE campaign_id = $1 AND address = $2 AND tx_id = $3 AND status = 'pending'
			 RETURNING amount`,
			campaignID, address, txID,
		).Scan(&amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPayoutNotFound
		}
		if err != nil {
			return fmt.Errorf("claim release failed: %w", err)
		}
		if _, err := q.Exec(ctx,
			"UPDATE campaigns SET claimed_amount = GREATEST(claimed_amount - $1, 0) WHERE id = $2",
			amount, campaignID,
		); err != nil {
			return fmt.Errorf("campaign update failed: %w", err)
		}
		return nil
	})
}

func scanCampaign(row pgx.Row) (*domain.Campaign, error) {
	var (
		c       domain.Campaign
		assetID int64
	)
	if err := row.Scan(
		&c.ID, &c.TokenName, &assetID, &c.Decimals, &c.AmountPerClaim, &c.TotalAmount,
		&c.ClaimedAmount, &c.Completed, &c.CreatedBy, &c.CreatedAt,
	); err != nil {
		return nil, err
	}
	c.AssetID = uint64(assetID)
	return &c, nil
}

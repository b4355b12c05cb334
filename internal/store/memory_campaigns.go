package store

import (
	"context"

	"github.com/punchamoorthee/refdrop/internal/domain"
)

var _ CampaignStore = (*MemoryStore)(nil)

func (m *MemoryStore) CreateCampaign(_ context.Context, c *domain.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.campaigns {
		if existing.TokenName == c.TokenName && !existing.Completed {
			return ErrCampaignActive
		}
	}
	stored := *c
	stored.ClaimedAmount = 0
	stored.Completed = false
	m.campaigns[c.ID] = &stored
	return nil
}

func (m *MemoryStore) ActiveCampaign(_ context.Context, tokenName string) (*domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.campaigns {
		if c.TokenName == tokenName && !c.Completed {
			out := *c
			return &out, nil
		}
	}
	return nil, ErrCampaignNotFound
}

func (m *MemoryStore) ReserveClaim(_ context.Context, campaignID string, claim domain.Claim) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[campaignID]
	if !ok || c.Completed {
		return ErrCampaignNotFound
	}
	for _, existing := range m.claims[campaignID] {
		if existing.Address == claim.Address && existing.Status != domain.PayoutFailed {
			return ErrAlreadyClaimed
		}
	}
	if c.Remaining() < claim.Amount {
		c.Completed = true
		return ErrCampaignExhausted
	}

	stored := claim
	stored.CampaignID = campaignID
	stored.Status = domain.PayoutPending
	m.claims[campaignID] = append(m.claims[campaignID], &stored)
	c.ClaimedAmount += claim.Amount
	return nil
}

func (m *MemoryStore) CompleteClaim(_ context.Context, campaignID, address, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim := m.pendingClaim(campaignID, address, txID)
	if claim == nil {
		return ErrPayoutNotFound
	}
	claim.Status = domain.PayoutConfirmed
	return nil
}

func (m *MemoryStore) ReleaseClaim(_ context.Context, campaignID, address, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim := m.pendingClaim(campaignID, address, txID)
	if claim == nil {
		return ErrPayoutNotFound
	}
	claim.Status = domain.PayoutFailed
	if c, ok := m.campaigns[campaignID]; ok {
		c.ClaimedAmount = max(c.ClaimedAmount-claim.Amount, 0)
	}
	return nil
}

func (m *MemoryStore) pendingClaim(campaignID, address, txID string) *domain.Claim {
	for _, c := range m.claims[campaignID] {
		if c.Address == address && c.TransactionID == txID && c.Status == domain.PayoutPending {
			return c
		}
	}
	return nil
}

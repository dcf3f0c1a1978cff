package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/repository"
)

type ClaimSettings struct {
	MaxBatch    int
	ClaimTTL    time.Duration
	MaxRetries  int
	RetryWindow time.Duration
}

// Claimer hands dispatch runs exclusive batches of sendable items. There is
// no global lock: each item is won by a single conditional update and
// candidates lost to a concurrent run are simply skipped.
type Claimer struct {
	Items    repository.CampaignItemRepositoryInterface
	Settings ClaimSettings
	Log      zerolog.Logger
	Now      func() time.Time
}

func (c *Claimer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Claimer) policy() repository.DispatchPolicy {
	now := c.now()
	return repository.DispatchPolicy{
		MaxRetries:         c.Settings.MaxRetries,
		RetrySince:         now.Add(-c.Settings.RetryWindow),
		ClaimExpiredBefore: now.Add(-c.Settings.ClaimTTL),
	}
}

// NewClaimID returns a fresh claim identifier.
func NewClaimID() string {
	return uuid.NewString()
}

// ClaimBatch claims up to MaxBatch items of campaignID (0 for any campaign)
// under a new claim id. The returned items are in campaign, row order.
func (c *Claimer) ClaimBatch(ctx context.Context, campaignID int64) (string, []*model.CampaignItem, error) {
	claimID := NewClaimID()
	p := c.policy()

	// Over-fetch so contention with other runs still leaves a full batch.
	candidates, err := c.Items.ListDispatchCandidates(ctx, campaignID, p, 2*c.Settings.MaxBatch)
	if err != nil {
		return claimID, nil, fmt.Errorf("list dispatch candidates: %w", err)
	}

	claimed := make([]*model.CampaignItem, 0, c.Settings.MaxBatch)
	lost := 0
	for _, cand := range candidates {
		if len(claimed) == c.Settings.MaxBatch {
			break
		}
		item, err := c.Items.ClaimDispatch(ctx, cand.ID, claimID, p)
		if err != nil {
			if _, relErr := c.Items.ReleaseClaims(context.WithoutCancel(ctx), claimID); relErr != nil {
				c.Log.Error().Err(relErr).Str("claim_id", claimID).Msg("failed to release partial batch")
			}
			return claimID, nil, fmt.Errorf("claim item %d: %w", cand.ID, err)
		}
		if item == nil {
			lost++
			continue
		}
		claimed = append(claimed, item)
	}

	c.Log.Debug().
		Str("claim_id", claimID).
		Int64("campaign_id", campaignID).
		Int("candidates", len(candidates)).
		Int("claimed", len(claimed)).
		Int("lost", lost).
		Msg("dispatch batch claimed")
	return claimID, claimed, nil
}

// ClaimItem claims a single item. It returns nil when the item is not
// eligible or another run holds it.
func (c *Claimer) ClaimItem(ctx context.Context, claimID string, itemID int64) (*model.CampaignItem, error) {
	return c.Items.ClaimDispatch(ctx, itemID, claimID, c.policy())
}

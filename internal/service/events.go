package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/repository"
)

// eventRecorder appends to item history. History is informational, so a
// failed write is logged and never fails the transition it describes.
type eventRecorder struct {
	items repository.CampaignItemRepositoryInterface
	log   zerolog.Logger
}

func (r eventRecorder) record(ctx context.Context, item *model.CampaignItem, axis model.EventAxis, from, to, detail, claimID string) {
	err := r.items.AppendEvent(context.WithoutCancel(ctx), model.ItemEvent{
		ItemID:     item.ID,
		CampaignID: item.CampaignID,
		Axis:       axis,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		ClaimID:    claimID,
	})
	if err != nil {
		r.log.Warn().Err(err).Int64("item_id", item.ID).Str("to", to).Msg("failed to record item event")
	}
}

// applyCounters applies a counter delta, logging instead of failing the caller:
// the item row is already the source of truth when this runs.
func applyCounters(ctx context.Context, campaigns repository.CampaignRepositoryInterface, log zerolog.Logger, campaignID int64, d model.CounterDelta) {
	if err := campaigns.IncrementCounters(context.WithoutCancel(ctx), campaignID, d); err != nil {
		log.Error().Err(err).Int64("campaign_id", campaignID).Interface("delta", d).Msg("failed to update campaign counters")
	}
}

// dispatchDelta is the counter change for a settled send, given the status
// the item was claimed from.
func dispatchDelta(prev, next model.DispatchStatus) model.CounterDelta {
	var d model.CounterDelta
	switch prev {
	case model.WaPending:
		d.WaPending = -1
	case model.WaFailed:
		if next == model.WaFailed {
			return d
		}
		d.WaFailed = -1
	}
	switch next {
	case model.WaSent:
		d.WaSent = 1
	case model.WaFailed:
		d.WaFailed = 1
	}
	return d
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/repository"
	"github.com/unclebandit/reelcast-backend/internal/token"
	"github.com/unclebandit/reelcast-backend/internal/whatsapp"
)

// Sender delivers one message over the messaging channel and returns the
// channel's message id.
type Sender interface {
	Send(ctx context.Context, m whatsapp.Message) (string, error)
}

// Dispatcher sends claimed items over the messaging channel. Limiter enforces
// the minimum delay between sends.
type Dispatcher struct {
	Claimer   *Claimer
	Campaigns repository.CampaignRepositoryInterface
	Items     repository.CampaignItemRepositoryInterface
	Sender    Sender
	Limiter   *rate.Limiter
	LinkBase  string
	Log       zerolog.Logger
}

type DispatchReport struct {
	ClaimID  string `json:"claim_id,omitempty"`
	Claimed  int    `json:"claimed"`
	Sent     int    `json:"sent"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped"`
	Released int64  `json:"released"`
}

// NewSendLimiter allows one send per interval with no burst.
func NewSendLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// RunOnce claims a batch for campaignID (0 for any campaign) and sends it.
func (d *Dispatcher) RunOnce(ctx context.Context, campaignID int64) (DispatchReport, error) {
	claimID, items, err := d.Claimer.ClaimBatch(ctx, campaignID)
	if err != nil {
		return DispatchReport{ClaimID: claimID}, err
	}
	if len(items) == 0 {
		return DispatchReport{ClaimID: claimID}, nil
	}

	report, err := d.SendClaimed(ctx, claimID, items)
	if err != nil {
		return report, err
	}
	d.Log.Info().
		Str("claim_id", claimID).
		Int64("campaign_id", campaignID).
		Int("claimed", report.Claimed).
		Int("sent", report.Sent).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Int64("released", report.Released).
		Msg("dispatch run finished")
	return report, ctx.Err()
}

// SendClaimed sends items held under claimID one at a time in row order.
// Whatever was not attempted, because ctx ended or an item was excluded in
// the meantime, is released before returning. When the messaging channel is
// unavailable the batch stops at the failing item, which is released with the
// rest without counting a retry, and the channel error is returned.
func (d *Dispatcher) SendClaimed(ctx context.Context, claimID string, items []*model.CampaignItem) (DispatchReport, error) {
	report := DispatchReport{ClaimID: claimID, Claimed: len(items)}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].CampaignID != items[j].CampaignID {
			return items[i].CampaignID < items[j].CampaignID
		}
		return items[i].RowIndex < items[j].RowIndex
	})

	var paused error
	campaigns := make(map[int64]*model.Campaign)
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := d.Limiter.Wait(ctx); err != nil {
			break
		}

		c, ok := campaigns[item.CampaignID]
		if !ok {
			var err error
			c, err = d.Campaigns.GetByID(ctx, item.CampaignID)
			if err != nil {
				d.Log.Error().Err(err).Int64("campaign_id", item.CampaignID).Msg("failed to load campaign")
				continue
			}
			campaigns[c.ID] = c
		}

		status, err := d.send(ctx, claimID, c, item)
		if err != nil {
			paused = err
			break
		}
		switch status {
		case model.WaSent:
			report.Sent++
		case model.WaFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}

	released, err := d.Items.ReleaseClaims(context.WithoutCancel(ctx), claimID)
	if err != nil {
		d.Log.Error().Err(err).Str("claim_id", claimID).Msg("failed to release unattempted claims")
	}
	report.Released = released
	if paused != nil {
		d.Log.Warn().Err(paused).
			Str("claim_id", claimID).
			Int("sent", report.Sent).
			Int64("released", released).
			Msg("dispatch stopped, messaging channel unavailable")
		return report, fmt.Errorf("dispatch paused: %w", paused)
	}
	return report, nil
}

// send attempts one item and reports its dispatch status afterwards. An empty
// status means the item was not attempted. An error means the channel is
// unavailable; the item is left claimed for the caller to release.
func (d *Dispatcher) send(ctx context.Context, claimID string, c *model.Campaign, item *model.CampaignItem) (model.DispatchStatus, error) {
	log := d.Log.With().Int64("campaign_id", c.ID).Int64("item_id", item.ID).Str("claim_id", claimID).Logger()

	// Exclusion may have been set after the claim.
	current, err := d.Items.GetByID(ctx, item.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to reload item")
		return "", nil
	}
	if current.Excluded || current.ClaimID != claimID || current.WaStatus != model.WaSending {
		log.Info().Bool("excluded", current.Excluded).Msg("item no longer held, skipping")
		return "", nil
	}

	link := d.ItemLink(item.CampaignID, item.ID)
	msg := whatsapp.Message{
		To:       item.RecipientPhone,
		Body:     RenderMessage(c, item, link),
		MediaURL: item.ArtifactURL,
	}
	switch c.ArtifactKind {
	case model.ArtifactVideo:
		msg.MediaKind = whatsapp.MediaVideo
	case model.ArtifactPDF:
		msg.MediaKind = whatsapp.MediaDocument
		msg.Filename = strings.ReplaceAll(c.Name, " ", "_") + ".pdf"
	}

	messageID, sendErr := d.Sender.Send(ctx, msg)
	if sendErr != nil && whatsapp.IsUnavailable(sendErr) {
		return "", sendErr
	}

	// The send happened; record it even if ctx is gone.
	persistCtx := context.WithoutCancel(ctx)
	events := eventRecorder{items: d.Items, log: d.Log}
	if sendErr != nil {
		retryable := whatsapp.Retryable(sendErr)
		reason := sendErr.Error()
		var se *whatsapp.SendError
		if !errors.As(sendErr, &se) {
			reason = "transient: " + reason
		}
		ok, err := d.Items.MarkSendFailed(persistCtx, item.ID, claimID, reason, retryable)
		if err != nil || !ok {
			log.Error().Err(err).Bool("applied", ok).Msg("failed to record send failure")
			return "", nil
		}
		applyCounters(persistCtx, d.Campaigns, d.Log, c.ID, dispatchDelta(item.WaPrevStatus, model.WaFailed))
		events.record(persistCtx, item, model.AxisDispatch, string(item.WaPrevStatus), string(model.WaFailed), reason, claimID)
		log.Warn().Err(sendErr).Bool("retryable", retryable).Msg("send failed")
		return model.WaFailed, nil
	}

	ok, err := d.Items.MarkSent(persistCtx, item.ID, claimID, messageID)
	if err != nil || !ok {
		log.Error().Err(err).Bool("applied", ok).Str("message_id", messageID).Msg("failed to record sent message")
		return "", nil
	}
	applyCounters(persistCtx, d.Campaigns, d.Log, c.ID, dispatchDelta(item.WaPrevStatus, model.WaSent))
	events.record(persistCtx, item, model.AxisDispatch, string(item.WaPrevStatus), string(model.WaSent), messageID, claimID)
	return model.WaSent, nil
}

// ItemLink is the public URL for an item.
func (d *Dispatcher) ItemLink(campaignID, itemID int64) string {
	return BuildItemLink(d.LinkBase, campaignID, itemID)
}

func BuildItemLink(base string, campaignID, itemID int64) string {
	return base + token.MustEncode(campaignID, itemID)
}

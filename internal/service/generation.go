package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	appErrors "github.com/unclebandit/reelcast-backend/internal/errors"
	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/provider"
	"github.com/unclebandit/reelcast-backend/internal/queue"
	"github.com/unclebandit/reelcast-backend/internal/repository"
)

type GenerationSettings struct {
	Concurrency int
	BatchSize   int
	PollInitial time.Duration
	PollMax     time.Duration
	PollTimeout time.Duration
}

// GenerationPool turns PENDING items into artifacts. Each item is claimed
// with a conditional PENDING -> PROCESSING update, so any number of pools
// may run against the same store. Queue, when set, receives a dispatch nudge
// for campaigns that produced artifacts.
type GenerationPool struct {
	Campaigns repository.CampaignRepositoryInterface
	Items     repository.CampaignItemRepositoryInterface
	Provider  provider.Provider
	Queue     queue.Queue
	Settings  GenerationSettings
	Log       zerolog.Logger
}

type GenerationReport struct {
	Claimed  int `json:"claimed"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
	Reverted int `json:"reverted"`
	Lost     int `json:"lost"`

	// Interrupted items stay PROCESSING with a job id for the retry scan.
	Interrupted int `json:"interrupted"`
}

// VerifyOutcome is the result of checking a stale PROCESSING item.
type VerifyOutcome string

const (
	VerifyDone     VerifyOutcome = "DONE"
	VerifyFailed   VerifyOutcome = "FAILED"
	VerifyPending  VerifyOutcome = "PENDING"
	VerifyReverted VerifyOutcome = "REVERTED"
)

var errNotReady = errors.New("artifact not ready")

// outcome of a single item run
type genResult int

const (
	genLost genResult = iota
	genDone
	genFailed
	genReverted
	genInterrupted
)

func (p *GenerationPool) events() eventRecorder {
	return eventRecorder{items: p.Items, log: p.Log}
}

// RunOnce processes up to BatchSize PENDING items. campaignID 0 covers every
// campaign. When the provider cannot be reached the run stops: unstarted items
// stay PENDING and claimed ones are put back.
func (p *GenerationPool) RunOnce(ctx context.Context, campaignID int64) (GenerationReport, error) {
	var report GenerationReport

	items, err := p.Items.ListPendingGeneration(ctx, campaignID, p.Settings.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list pending items: %w", err)
	}
	if len(items) == 0 {
		return report, nil
	}

	campaigns := make(map[int64]*model.Campaign)
	for _, it := range items {
		if _, ok := campaigns[it.CampaignID]; ok {
			continue
		}
		c, err := p.Campaigns.GetByID(ctx, it.CampaignID)
		if err != nil {
			return report, err
		}
		if _, err := p.Campaigns.MarkProcessing(ctx, c.ID); err != nil {
			return report, err
		}
		campaigns[c.ID] = c
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		mu       sync.Mutex
		produced = make(map[int64]bool)
	)
	g := new(errgroup.Group)
	g.SetLimit(max(1, p.Settings.Concurrency))

	for _, it := range items {
		if runCtx.Err() != nil {
			break
		}
		c := campaigns[it.CampaignID]
		g.Go(func() error {
			if runCtx.Err() != nil {
				return nil
			}
			res, err := p.process(runCtx, c, it)
			mu.Lock()
			defer mu.Unlock()
			switch res {
			case genDone:
				report.Claimed++
				report.Done++
				produced[c.ID] = true
			case genFailed:
				report.Claimed++
				report.Failed++
			case genReverted:
				report.Claimed++
				report.Reverted++
			case genInterrupted:
				report.Claimed++
				report.Interrupted++
			case genLost:
				report.Lost++
			}
			if provider.IsUnavailable(err) {
				cancel(err)
				return err
			}
			return nil
		})
	}
	runErr := g.Wait()

	for id := range campaigns {
		p.completeIfSettled(ctx, id)
	}
	if p.Queue != nil {
		for id := range produced {
			if err := p.Queue.Publish(queue.TopicDispatch, queue.CampaignJob{CampaignID: id}); err != nil {
				p.Log.Warn().Err(err).Int64("campaign_id", id).Msg("failed to publish dispatch job")
			}
		}
	}

	p.Log.Info().
		Int64("campaign_id", campaignID).
		Int("claimed", report.Claimed).
		Int("done", report.Done).
		Int("failed", report.Failed).
		Int("reverted", report.Reverted).
		Int("interrupted", report.Interrupted).
		Int("lost", report.Lost).
		Msg("generation run finished")

	if runErr != nil {
		return report, fmt.Errorf("generation provider unavailable: %w", runErr)
	}
	return report, ctx.Err()
}

// ProcessItem runs a single item through generation. It reports the item's
// generation status afterwards.
func (p *GenerationPool) ProcessItem(ctx context.Context, item *model.CampaignItem) (model.GenerationStatus, error) {
	c, err := p.Campaigns.GetByID(ctx, item.CampaignID)
	if err != nil {
		return item.GenStatus, err
	}
	if _, err := p.Campaigns.MarkProcessing(ctx, c.ID); err != nil {
		return item.GenStatus, err
	}

	res, err := p.process(ctx, c, item)
	p.completeIfSettled(ctx, c.ID)
	switch res {
	case genDone:
		return model.GenDone, nil
	case genFailed:
		return model.GenFailed, nil
	case genReverted:
		return model.GenPending, err
	case genInterrupted:
		return model.GenProcessing, err
	}
	if err != nil {
		return item.GenStatus, err
	}
	return item.GenStatus, errItemConflict(item.ID)
}

func (p *GenerationPool) process(ctx context.Context, c *model.Campaign, item *model.CampaignItem) (genResult, error) {
	log := p.Log.With().Int64("campaign_id", c.ID).Int64("item_id", item.ID).Logger()
	events := p.events()

	script := RenderScript(c, item)
	ok, err := p.Items.ClaimGeneration(ctx, item.ID, script)
	if err != nil {
		return genLost, err
	}
	if !ok {
		log.Debug().Msg("item already claimed, skipping")
		return genLost, nil
	}
	events.record(ctx, item, model.AxisGeneration, string(model.GenPending), string(model.GenProcessing), "", "")
	item.MessageText = script

	jobID, err := p.Provider.Submit(ctx, buildRequest(c, item))
	if err != nil {
		if ctx.Err() != nil || provider.IsUnavailable(err) {
			p.revert(ctx, item, "submit interrupted: "+err.Error())
			return genReverted, err
		}
		p.fail(ctx, item, err.Error(), provider.Retryable(err))
		log.Warn().Err(err).Msg("generation submit failed")
		return genFailed, nil
	}
	if err := p.Items.SetArtifactJob(ctx, item.ID, jobID); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to persist job id")
	}

	res, err := p.poll(ctx, jobID)
	switch {
	case err == nil && res.Status == provider.JobDone:
		p.complete(ctx, item, jobID, res.URL)
		return genDone, nil
	case err == nil:
		p.fail(ctx, item, "provider: "+res.Error, !res.Terminal)
		return genFailed, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errNotReady):
		if ctx.Err() != nil {
			return p.interrupted(ctx, item, err)
		}
		p.fail(ctx, item, fmt.Sprintf("timeout: artifact not ready after %s", p.Settings.PollTimeout), true)
		return genFailed, nil
	case ctx.Err() != nil:
		return p.interrupted(ctx, item, err)
	default:
		p.fail(ctx, item, err.Error(), provider.Retryable(err))
		return genFailed, nil
	}
}

// interrupted handles a run stopped mid-poll. A stop caused by an unreachable
// provider puts the item back; a shutdown leaves it PROCESSING with its job id
// for the retry scan to verify.
func (p *GenerationPool) interrupted(ctx context.Context, item *model.CampaignItem, err error) (genResult, error) {
	if cause := context.Cause(ctx); provider.IsUnavailable(cause) {
		p.revert(ctx, item, "run cancelled: "+cause.Error())
		return genReverted, nil
	}
	return genInterrupted, err
}

// poll waits for the job with exponential backoff, bounded by PollTimeout.
func (p *GenerationPool) poll(ctx context.Context, jobID string) (provider.PollResult, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.Settings.PollTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Settings.PollInitial
	if p.Settings.PollMax > 0 {
		b.MaxInterval = p.Settings.PollMax
	}

	res, err := backoff.Retry(pollCtx, func() (provider.PollResult, error) {
		r, err := p.Provider.Poll(pollCtx, jobID)
		if err != nil {
			if !provider.Retryable(err) {
				return r, backoff.Permanent(err)
			}
			return r, err
		}
		if !r.Status.Settled() {
			return r, errNotReady
		}
		return r, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(p.Settings.PollTimeout))
	if err != nil && pollCtx.Err() != nil && ctx.Err() == nil {
		return res, context.DeadlineExceeded
	}
	return res, err
}

// Verify checks a stale PROCESSING item with a single poll of its job. Items
// that never got a job id are put back to PENDING.
func (p *GenerationPool) Verify(ctx context.Context, item *model.CampaignItem) (VerifyOutcome, error) {
	if item.ArtifactID == "" {
		if !p.revert(ctx, item, "stale without job") {
			return "", errItemConflict(item.ID)
		}
		return VerifyReverted, nil
	}

	res, err := p.Provider.Poll(ctx, item.ArtifactID)
	if err != nil {
		if !provider.Retryable(err) {
			p.fail(ctx, item, err.Error(), false)
			p.completeIfSettled(ctx, item.CampaignID)
			return VerifyFailed, nil
		}
		return "", err
	}
	switch res.Status {
	case provider.JobDone:
		p.complete(ctx, item, item.ArtifactID, res.URL)
	case provider.JobFailed:
		p.fail(ctx, item, "provider: "+res.Error, !res.Terminal)
	default:
		return VerifyPending, nil
	}
	p.completeIfSettled(ctx, item.CampaignID)
	if res.Status == provider.JobDone {
		if p.Queue != nil {
			if err := p.Queue.Publish(queue.TopicDispatch, queue.CampaignJob{CampaignID: item.CampaignID}); err != nil {
				p.Log.Warn().Err(err).Int64("campaign_id", item.CampaignID).Msg("failed to publish dispatch job")
			}
		}
		return VerifyDone, nil
	}
	return VerifyFailed, nil
}

func (p *GenerationPool) complete(ctx context.Context, item *model.CampaignItem, jobID, url string) {
	ctx = context.WithoutCancel(ctx)
	ok, err := p.Items.CompleteGeneration(ctx, item.ID, jobID, url)
	if err != nil || !ok {
		p.Log.Error().Err(err).Int64("item_id", item.ID).Bool("applied", ok).Msg("failed to mark item DONE")
		return
	}
	item.GenStatus = model.GenDone
	item.ArtifactURL = url
	applyCounters(ctx, p.Campaigns, p.Log, item.CampaignID, model.CounterDelta{Processed: 1, Success: 1, WaPending: 1})
	p.events().record(ctx, item, model.AxisGeneration, string(model.GenProcessing), string(model.GenDone), url, "")
}

func (p *GenerationPool) fail(ctx context.Context, item *model.CampaignItem, reason string, retryable bool) {
	ctx = context.WithoutCancel(ctx)
	ok, err := p.Items.FailGeneration(ctx, item.ID, reason, retryable)
	if err != nil || !ok {
		p.Log.Error().Err(err).Int64("item_id", item.ID).Bool("applied", ok).Msg("failed to mark item FAILED")
		return
	}
	item.GenStatus = model.GenFailed
	item.GenError = reason
	applyCounters(ctx, p.Campaigns, p.Log, item.CampaignID, model.CounterDelta{Processed: 1, Failed: 1})
	p.events().record(ctx, item, model.AxisGeneration, string(model.GenProcessing), string(model.GenFailed), reason, "")
}

func (p *GenerationPool) revert(ctx context.Context, item *model.CampaignItem, reason string) bool {
	ctx = context.WithoutCancel(ctx)
	ok, err := p.Items.RevertGeneration(ctx, item.ID)
	if err != nil || !ok {
		p.Log.Error().Err(err).Int64("item_id", item.ID).Bool("applied", ok).Msg("failed to revert item")
		return false
	}
	item.GenStatus = model.GenPending
	p.events().record(ctx, item, model.AxisGeneration, string(model.GenProcessing), string(model.GenPending), reason, "")
	return true
}

func (p *GenerationPool) completeIfSettled(ctx context.Context, campaignID int64) {
	done, err := p.Campaigns.CompleteIfSettled(context.WithoutCancel(ctx), campaignID)
	if err != nil {
		p.Log.Error().Err(err).Int64("campaign_id", campaignID).Msg("failed to update campaign status")
		return
	}
	if done {
		p.Log.Info().Int64("campaign_id", campaignID).Msg("campaign generation completed")
	}
}

func buildRequest(c *model.Campaign, item *model.CampaignItem) provider.Request {
	if c.ArtifactKind == model.ArtifactPDF {
		return provider.PDFRequest{
			TemplateRef: c.TemplateRef,
			Title:       c.Name,
			Language:    c.Language,
			Fields: map[string]string{
				PlaceholderName:      item.RecipientName,
				PlaceholderFirstName: templateData(c, item, "", "")[PlaceholderFirstName],
				"message":            item.MessageText,
			},
		}
	}
	return provider.VideoRequest{
		TemplateRef:   c.TemplateRef,
		AvatarRef:     item.AvatarRef,
		Script:        item.MessageText,
		Title:         c.Name,
		Language:      c.Language,
		VoiceID:       c.VoiceID,
		VoiceSpeed:    c.VoiceSpeed,
		BackgroundURL: c.BackgroundURL,
	}
}

func errItemConflict(id int64) error {
	return fmt.Errorf("item %d changed state concurrently: %w", id, appErrors.ErrConflict)
}

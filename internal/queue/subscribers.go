package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// RunFunc runs one pipeline pass for a campaign.
type RunFunc func(ctx context.Context, campaignID int64) error

// StartCampaignSubscribers routes generate and dispatch nudges to the
// pipeline. Handlers run under ctx so shutdown cancels in-flight passes.
func StartCampaignSubscribers(ctx context.Context, q Queue, generate, dispatch RunFunc, log zerolog.Logger) error {
	routes := map[string]RunFunc{
		TopicGenerate: generate,
		TopicDispatch: dispatch,
	}
	for topic, run := range routes {
		if run == nil {
			continue
		}
		err := q.Subscribe(topic, func(job CampaignJob) error {
			if job.CampaignID <= 0 {
				log.Warn().Str("topic", topic).Int64("campaign_id", job.CampaignID).Msg("ignoring job without campaign")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return run(ctx, job.CampaignID)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

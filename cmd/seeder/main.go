// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/unclebandit/reelcast-backend/internal/app"
	"github.com/unclebandit/reelcast-backend/internal/config"
	"github.com/unclebandit/reelcast-backend/internal/logging"
	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/service"
)

// The seeder imports a recipients CSV (name, phone[, avatar_ref]) as a new
// campaign and queues it for generation.
func main() {
	var (
		csvPath     = flag.String("csv", "seed/recipients.csv", "recipients CSV file")
		name        = flag.String("name", "Seeded campaign", "campaign name")
		kind        = flag.String("kind", string(model.ArtifactVideo), "artifact kind: VIDEO or PDF")
		template    = flag.String("template", "Hi {first_name}, your personal video is ready: {link}", "message template")
		templateRef = flag.String("template-ref", "", "provider template id")
		language    = flag.String("language", "en", "artifact language")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	f, err := os.Open(*csvPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *csvPath).Msg("failed to open recipients file")
	}
	recipients, err := readRecipients(f)
	f.Close()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read recipients")
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	res, err := a.Service.CreateCampaign(ctx, service.CreateCampaignInput{
		Name:            *name,
		ArtifactKind:    model.ArtifactKind(*kind),
		MessageTemplate: *template,
		TemplateRef:     *templateRef,
		Language:        *language,
		Recipients:      recipients,
	})
	if res != nil {
		for _, r := range res.Rejected {
			fmt.Printf("row %d rejected: %s %s\n", r.RowIndex+1, r.Field, r.Reason)
		}
	}
	if err != nil {
		a.Close()
		log.Fatal().Err(err).Msg("failed to create campaign")
	}

	fmt.Printf("Seeded campaign %d with %d recipients\n", res.Campaign.ID, res.Accepted)
}

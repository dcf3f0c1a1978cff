package service_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/reelcast-backend/internal/errors"
	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/provider"
	"github.com/unclebandit/reelcast-backend/internal/queue"
	"github.com/unclebandit/reelcast-backend/internal/service"
)

func TestGenerationPendingPollsThenDone(t *testing.T) {
	e := newEnv(t)
	e.provider.script = []provider.PollResult{
		{Status: provider.JobPending},
		{Status: provider.JobPending},
		{Status: provider.JobDone, URL: "https://cdn.example/amina.mp4"},
	}
	campaignID := e.createCampaign(t, model.ArtifactVideo, 1)

	report, err := e.pool.RunOnce(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Done != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	item := e.list(t, campaignID)[0]
	if item.GenStatus != model.GenDone || item.ArtifactURL != "https://cdn.example/amina.mp4" {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.MessageText != "Hi Amina 0, your clip: " {
		t.Fatalf("unexpected script %q", item.MessageText)
	}

	history, _ := e.items.ListEvents(context.Background(), item.ID)
	for _, ev := range history {
		if ev.ToStatus == string(model.GenFailed) {
			t.Fatalf("FAILED recorded on the way to DONE: %+v", history)
		}
	}
	if len(history) != 2 {
		t.Fatalf("expected PENDING->PROCESSING->DONE, got %+v", history)
	}

	c := e.campaign(t, campaignID)
	if c.Status != model.CampaignCompleted || c.SuccessCount != 1 || c.ProcessedCount != 1 || c.WaPendingCount != 1 {
		t.Fatalf("unexpected campaign %+v", c)
	}
}

func TestGenerationTimeoutMarksFailed(t *testing.T) {
	e := newEnv(t)
	e.provider.script = []provider.PollResult{{Status: provider.JobProcessing}}
	e.pool.Settings.PollTimeout = 40 * time.Millisecond
	campaignID := e.createCampaign(t, model.ArtifactVideo, 1)

	report, err := e.pool.RunOnce(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	item := e.list(t, campaignID)[0]
	if item.GenStatus != model.GenFailed || !strings.HasPrefix(item.GenError, "timeout") || !item.GenRetryable {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.ArtifactID == "" {
		t.Fatal("job id not persisted")
	}
	if c := e.campaign(t, campaignID); c.FailedCount != 1 || c.Status != model.CampaignCompleted {
		t.Fatalf("unexpected campaign %+v", c)
	}
}

func TestGenerationTerminalSubmitIsNotRetryable(t *testing.T) {
	e := newEnv(t)
	e.provider.submitErr = func(provider.Request) error {
		return &provider.Error{Kind: provider.Terminal, Op: "submit", StatusCode: 422, Message: "script too long"}
	}
	campaignID := e.createCampaign(t, model.ArtifactPDF, 1)

	if _, err := e.pool.RunOnce(context.Background(), campaignID); err != nil {
		t.Fatalf("run: %v", err)
	}
	item := e.list(t, campaignID)[0]
	if item.GenStatus != model.GenFailed || item.GenRetryable {
		t.Fatalf("expected terminal failure, got %+v", item)
	}
}

func TestGenerationFailedJobRetryability(t *testing.T) {
	tests := []struct {
		name      string
		result    provider.PollResult
		retryable bool
	}{
		{"rejected content", provider.PollResult{Status: provider.JobFailed, Error: "content rejected", Terminal: true}, false},
		{"render crash", provider.PollResult{Status: provider.JobFailed, Error: "render node lost"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.provider.script = []provider.PollResult{tt.result}
			campaignID := e.createCampaign(t, model.ArtifactVideo, 1)

			if _, err := e.pool.RunOnce(context.Background(), campaignID); err != nil {
				t.Fatalf("run: %v", err)
			}
			item := e.list(t, campaignID)[0]
			if item.GenStatus != model.GenFailed || item.GenRetryable != tt.retryable {
				t.Fatalf("unexpected item %+v", item)
			}
			if item.GenError != "provider: "+tt.result.Error {
				t.Fatalf("unexpected error text %q", item.GenError)
			}
		})
	}
}

func TestVerifyTerminalJobFailure(t *testing.T) {
	e := newEnv(t)
	e.provider.script = []provider.PollResult{{Status: provider.JobFailed, Error: "content rejected", Terminal: true}}
	campaignID := e.createCampaign(t, model.ArtifactVideo, 1)
	item := e.list(t, campaignID)[0]
	ctx := context.Background()
	e.items.ClaimGeneration(ctx, item.ID, "s")
	e.items.SetArtifactJob(ctx, item.ID, "job-5")

	outcome, err := e.pool.Verify(ctx, e.item(t, item.ID))
	if err != nil || outcome != service.VerifyFailed {
		t.Fatalf("verify: outcome=%s err=%v", outcome, err)
	}
	if it := e.item(t, item.ID); it.GenStatus != model.GenFailed || it.GenRetryable {
		t.Fatalf("expected terminal failure, got %+v", it)
	}
}

func TestGenerationStopsWhenProviderUnavailable(t *testing.T) {
	e := newEnv(t)
	e.pool.Settings.Concurrency = 1
	var calls int
	e.provider.submitErr = func(provider.Request) error {
		calls++
		return &provider.Error{Kind: provider.Unavailable, Op: "submit", Message: "connection refused"}
	}
	campaignID := e.createCampaign(t, model.ArtifactVideo, 5)

	_, err := e.pool.RunOnce(context.Background(), campaignID)
	if !provider.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the run to stop after the first call, got %d", calls)
	}
	for _, it := range e.list(t, campaignID) {
		if it.GenStatus != model.GenPending {
			t.Fatalf("item %d left in %s", it.ID, it.GenStatus)
		}
	}
	if c := e.campaign(t, campaignID); c.Status == model.CampaignCompleted {
		t.Fatal("campaign completed with items still pending")
	}
}

func TestGenerationRespectsConcurrencyLimit(t *testing.T) {
	e := newEnv(t)
	e.pool.Settings.Concurrency = 2
	e.provider.delay = 10 * time.Millisecond
	campaignID := e.createCampaign(t, model.ArtifactVideo, 8)

	report, err := e.pool.RunOnce(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Done != 8 {
		t.Fatalf("unexpected report %+v", report)
	}
	if e.provider.maxFlight > 2 {
		t.Fatalf("concurrency exceeded: %d", e.provider.maxFlight)
	}
}

func TestConcurrentPoolsProcessEachItemOnce(t *testing.T) {
	e := newEnv(t)
	e.provider.delay = 2 * time.Millisecond
	campaignID := e.createCampaign(t, model.ArtifactVideo, 12)

	second := *e.pool
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.pool.RunOnce(context.Background(), campaignID) }()
	go func() { defer wg.Done(); second.RunOnce(context.Background(), campaignID) }()
	wg.Wait()

	counts := e.provider.submitCounts()
	if len(counts) != 12 {
		t.Fatalf("expected 12 distinct submissions, got %d", len(counts))
	}
	for script, n := range counts {
		if n != 1 {
			t.Fatalf("%q submitted %d times", script, n)
		}
	}
	if c := e.campaign(t, campaignID); c.SuccessCount != 12 || c.ProcessedCount != 12 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestVerifyStaleProcessing(t *testing.T) {
	e := newEnv(t)
	campaignID := e.createCampaign(t, model.ArtifactVideo, 2)
	items := e.list(t, campaignID)
	ctx := context.Background()

	// One item with a job, one that crashed before submitting.
	e.items.ClaimGeneration(ctx, items[0].ID, "s")
	e.items.SetArtifactJob(ctx, items[0].ID, "job-77")
	e.items.ClaimGeneration(ctx, items[1].ID, "s")

	outcome, err := e.pool.Verify(ctx, e.item(t, items[0].ID))
	if err != nil || outcome != service.VerifyDone {
		t.Fatalf("verify with job: outcome=%s err=%v", outcome, err)
	}
	if it := e.item(t, items[0].ID); it.GenStatus != model.GenDone || it.ArtifactURL == "" {
		t.Fatalf("unexpected item %+v", it)
	}

	outcome, err = e.pool.Verify(ctx, e.item(t, items[1].ID))
	if err != nil || outcome != service.VerifyReverted {
		t.Fatalf("verify without job: outcome=%s err=%v", outcome, err)
	}
	if it := e.item(t, items[1].ID); it.GenStatus != model.GenPending {
		t.Fatalf("expected PENDING, got %s", it.GenStatus)
	}
}

func TestProcessItemLostClaimIsConflict(t *testing.T) {
	e := newEnv(t)
	campaignID := e.createCampaign(t, model.ArtifactVideo, 1)
	item := e.list(t, campaignID)[0]
	e.items.ClaimGeneration(context.Background(), item.ID, "s")

	_, err := e.pool.ProcessItem(context.Background(), item)
	if !errors.Is(err, appErrors.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestVerifyLogsFailedDispatchNudge(t *testing.T) {
	e := newEnv(t)
	var logs bytes.Buffer
	q := &recordingQueue{err: errors.New("broker down")}
	e.pool.Queue = q
	e.pool.Log = zerolog.New(&logs)
	campaignID := e.createCampaign(t, model.ArtifactVideo, 1)
	item := e.list(t, campaignID)[0]
	ctx := context.Background()
	e.items.ClaimGeneration(ctx, item.ID, "s")
	e.items.SetArtifactJob(ctx, item.ID, "job-3")

	outcome, err := e.pool.Verify(ctx, e.item(t, item.ID))
	if err != nil || outcome != service.VerifyDone {
		t.Fatalf("verify: outcome=%s err=%v", outcome, err)
	}
	if len(q.jobs) != 1 || q.jobs[0] != queue.TopicDispatch {
		t.Fatalf("unexpected published jobs %v", q.jobs)
	}
	if !strings.Contains(logs.String(), "failed to publish dispatch job") {
		t.Fatalf("publish failure not logged: %s", logs.String())
	}
}

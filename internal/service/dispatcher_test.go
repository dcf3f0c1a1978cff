package service_test

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/service"
	"github.com/unclebandit/reelcast-backend/internal/token"
	"github.com/unclebandit/reelcast-backend/internal/whatsapp"
)

// generated creates a campaign whose items all finished generation.
func (e *env) generated(t *testing.T, kind model.ArtifactKind, n int) int64 {
	t.Helper()
	campaignID := e.createCampaign(t, kind, n)
	if _, err := e.pool.RunOnce(context.Background(), campaignID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	return campaignID
}

func TestDispatchSendsInRowOrderWithMinimumDelay(t *testing.T) {
	e := newEnv(t)
	e.disp.Limiter = service.NewSendLimiter(20 * time.Millisecond)
	campaignID := e.generated(t, model.ArtifactVideo, 3)

	report, err := e.disp.RunOnce(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if report.Sent != 3 || report.Released != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	sent := e.sender.messages()
	items := e.list(t, campaignID)
	for i, s := range sent {
		if s.msg.To != items[i].RecipientPhone {
			t.Fatalf("send %d went to %s, want row %d", i, s.msg.To, items[i].RowIndex)
		}
		if i > 0 && s.at.Sub(sent[i-1].at) < 10*time.Millisecond {
			t.Fatalf("sends %d and %d only %s apart", i-1, i, s.at.Sub(sent[i-1].at))
		}
	}

	first := sent[0].msg
	wantLink := linkBase + token.MustEncode(campaignID, items[0].ID)
	if first.Body != "Hi Amina 0, your clip: "+wantLink {
		t.Fatalf("unexpected body %q", first.Body)
	}
	if first.MediaKind != whatsapp.MediaVideo || first.MediaURL != items[0].ArtifactURL {
		t.Fatalf("unexpected media %+v", first)
	}

	for _, it := range items {
		if it.WaStatus != model.WaSent || it.WaMessageID == "" || it.WaSentAt == nil {
			t.Fatalf("item not SENT: %+v", it)
		}
	}
	c := e.campaign(t, campaignID)
	if c.WaSentCount != 3 || c.WaPendingCount != 0 || c.WaFailedCount != 0 {
		t.Fatalf("unexpected counters %+v", c)
	}
}

func TestDispatchFailuresKeepShapeAndDifferInText(t *testing.T) {
	e := newEnv(t)
	campaignID := e.generated(t, model.ArtifactPDF, 2)
	items := e.list(t, campaignID)
	e.sender.failTo = map[string]error{
		items[0].RecipientPhone: &whatsapp.SendError{Transient: true, Err: errors.New("connection reset")},
		items[1].RecipientPhone: &whatsapp.SendError{StatusCode: 400, Code: 131026, Message: "recipient not on WhatsApp"},
	}

	report, _ := e.disp.RunOnce(context.Background(), campaignID)
	if report.Failed != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	transient, terminal := e.item(t, items[0].ID), e.item(t, items[1].ID)
	for _, it := range []*model.CampaignItem{transient, terminal} {
		if it.WaStatus != model.WaFailed || it.WaRetryCount != 1 || it.ClaimID == "" {
			t.Fatalf("unexpected failed item %+v", it)
		}
	}
	if !transient.WaRetryable || !strings.HasPrefix(transient.WaError, "transient:") {
		t.Fatalf("unexpected transient failure %+v", transient)
	}
	if terminal.WaRetryable || !strings.HasPrefix(terminal.WaError, "provider:") {
		t.Fatalf("unexpected terminal failure %+v", terminal)
	}

	c := e.campaign(t, campaignID)
	if c.WaFailedCount != 2 || c.WaPendingCount != 0 {
		t.Fatalf("unexpected counters %+v", c)
	}

	// Only the transient failure comes back on the next run.
	e.sender.failTo = nil
	report, _ = e.disp.RunOnce(context.Background(), campaignID)
	if report.Sent != 1 {
		t.Fatalf("expected one resend, got %+v", report)
	}
	c = e.campaign(t, campaignID)
	if c.WaSentCount != 1 || c.WaFailedCount != 1 {
		t.Fatalf("unexpected counters after resend %+v", c)
	}
}

func TestCancelledDispatchReleasesUnattemptedClaims(t *testing.T) {
	e := newEnv(t)
	campaignID := e.generated(t, model.ArtifactVideo, 3)

	ctx, cancel := context.WithCancel(context.Background())
	e.sender.after = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	report, err := e.disp.RunOnce(ctx, campaignID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.Sent != 1 || report.Released != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	items := e.list(t, campaignID)
	if items[0].WaStatus != model.WaSent {
		t.Fatalf("first item not sent: %+v", items[0])
	}
	for _, it := range items[1:] {
		if it.WaStatus != model.WaPending || it.ClaimID != "" {
			t.Fatalf("item %d not released: %+v", it.ID, it)
		}
	}
}

func TestUnavailableChannelPausesDispatchWithoutSpendingRetries(t *testing.T) {
	e := newEnv(t)
	campaignID := e.generated(t, model.ArtifactVideo, 5)
	items := e.list(t, campaignID)

	down := &whatsapp.SendError{Transient: true, Err: &net.DNSError{Err: "no such host", Name: "graph.facebook.com", IsNotFound: true}}
	e.sender.failTo = map[string]error{}
	for _, it := range items {
		e.sender.failTo[it.RecipientPhone] = down
	}

	for run := 0; run < 3; run++ {
		report, err := e.disp.RunOnce(context.Background(), campaignID)
		if !whatsapp.IsUnavailable(err) {
			t.Fatalf("run %d: expected unavailable channel error, got %v", run, err)
		}
		if report.Claimed != 5 || report.Failed != 0 || report.Released != 5 {
			t.Fatalf("run %d: unexpected report %+v", run, report)
		}
		for _, it := range e.list(t, campaignID) {
			if it.WaStatus != model.WaPending || it.WaRetryCount != 0 || it.ClaimID != "" {
				t.Fatalf("run %d: item %d not returned untouched: %+v", run, it.ID, it)
			}
		}
	}
	if c := e.campaign(t, campaignID); c.WaPendingCount != 5 || c.WaFailedCount != 0 {
		t.Fatalf("unexpected counters during outage %+v", c)
	}

	e.sender.failTo = nil
	report, err := e.disp.RunOnce(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("dispatch after recovery: %v", err)
	}
	if report.Sent != 5 {
		t.Fatalf("expected every item sent after recovery, got %+v", report)
	}
	for _, it := range e.list(t, campaignID) {
		if it.WaStatus != model.WaSent || it.WaRetryCount != 0 {
			t.Fatalf("unexpected item after recovery %+v", it)
		}
	}
	if c := e.campaign(t, campaignID); c.WaSentCount != 5 || c.WaPendingCount != 0 {
		t.Fatalf("unexpected counters after recovery %+v", c)
	}
}

func TestRejectedTokenPausesDispatchMidBatch(t *testing.T) {
	e := newEnv(t)
	campaignID := e.generated(t, model.ArtifactVideo, 3)
	items := e.list(t, campaignID)
	e.sender.failTo = map[string]error{
		items[1].RecipientPhone: &whatsapp.SendError{Unavailable: true, StatusCode: 401, Message: "invalid OAuth access token"},
	}

	report, err := e.disp.RunOnce(context.Background(), campaignID)
	if !whatsapp.IsUnavailable(err) {
		t.Fatalf("expected unavailable channel error, got %v", err)
	}
	if report.Sent != 1 || report.Released != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if it := e.item(t, items[0].ID); it.WaStatus != model.WaSent {
		t.Fatalf("first item should have been sent: %+v", it)
	}
	for _, it := range []*model.CampaignItem{e.item(t, items[1].ID), e.item(t, items[2].ID)} {
		if it.WaStatus != model.WaPending || it.WaRetryCount != 0 || it.WaError != "" {
			t.Fatalf("item %d not released cleanly: %+v", it.ID, it)
		}
	}
}

func TestItemExcludedAfterClaimIsNotSent(t *testing.T) {
	e := newEnv(t)
	campaignID := e.generated(t, model.ArtifactVideo, 2)
	ctx := context.Background()

	claimID, batch, err := e.claimer.ClaimBatch(ctx, campaignID)
	if err != nil || len(batch) != 2 {
		t.Fatalf("claim: n=%d err=%v", len(batch), err)
	}
	if _, err := e.svc.ExcludeItem(ctx, batch[1].ID); err != nil {
		t.Fatalf("exclude: %v", err)
	}

	report, err := e.disp.SendClaimed(ctx, claimID, batch)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if report.Sent != 1 || report.Skipped != 1 || report.Released != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := len(e.sender.messages()); got != 1 {
		t.Fatalf("expected one send, got %d", got)
	}
	if it := e.item(t, batch[1].ID); it.WaStatus != model.WaPending || !it.Excluded {
		t.Fatalf("excluded item state %+v", it)
	}
}

func TestClaimBatchIsBounded(t *testing.T) {
	e := newEnv(t)
	e.claimer.Settings.MaxBatch = 4
	campaignID := e.generated(t, model.ArtifactVideo, 10)

	_, first, err := e.claimer.ClaimBatch(context.Background(), campaignID)
	if err != nil || len(first) != 4 {
		t.Fatalf("first batch: n=%d err=%v", len(first), err)
	}
	_, second, _ := e.claimer.ClaimBatch(context.Background(), campaignID)
	if len(second) != 4 {
		t.Fatalf("second batch: n=%d", len(second))
	}
	for _, a := range first {
		for _, b := range second {
			if a.ID == b.ID {
				t.Fatalf("item %d in both batches", a.ID)
			}
		}
	}
	if first[0].RowIndex != 0 || second[0].RowIndex != 4 {
		t.Fatalf("batches not in row order: %d, %d", first[0].RowIndex, second[0].RowIndex)
	}
}

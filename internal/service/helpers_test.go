package service_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unclebandit/reelcast-backend/internal/db"
	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/provider"
	"github.com/unclebandit/reelcast-backend/internal/repository"
	"github.com/unclebandit/reelcast-backend/internal/service"
	"github.com/unclebandit/reelcast-backend/internal/whatsapp"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	campaigns *repository.CampaignRepository
	items     *repository.CampaignItemRepository
	clock     *clock
	provider  *fakeProvider
	sender    *fakeSender
	svc       *service.CampaignService
	pool      *service.GenerationPool
	claimer   *service.Claimer
	disp      *service.Dispatcher
}

const linkBase = "https://go.example/l/"

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "svc.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	clk := &clock{now: time.Now().UTC()}
	e := &env{
		campaigns: &repository.CampaignRepository{DB: conn, Now: clk.Now},
		items:     &repository.CampaignItemRepository{DB: conn, Now: clk.Now},
		clock:     clk,
		provider:  newFakeProvider(),
		sender:    &fakeSender{},
	}
	e.svc = &service.CampaignService{
		CampaignRepo: e.campaigns,
		ItemRepo:     e.items,
		LinkBase:     linkBase,
		Log:          zerolog.Nop(),
	}
	e.pool = &service.GenerationPool{
		Campaigns: e.campaigns,
		Items:     e.items,
		Provider:  e.provider,
		Settings: service.GenerationSettings{
			Concurrency: 4,
			BatchSize:   100,
			PollInitial: time.Millisecond,
			PollMax:     5 * time.Millisecond,
			PollTimeout: 2 * time.Second,
		},
		Log: zerolog.Nop(),
	}
	e.claimer = &service.Claimer{
		Items: e.items,
		Settings: service.ClaimSettings{
			MaxBatch:    50,
			ClaimTTL:    15 * time.Minute,
			MaxRetries:  3,
			RetryWindow: 72 * time.Hour,
		},
		Log: zerolog.Nop(),
		Now: clk.Now,
	}
	e.disp = &service.Dispatcher{
		Claimer:   e.claimer,
		Campaigns: e.campaigns,
		Items:     e.items,
		Sender:    e.sender,
		Limiter:   service.NewSendLimiter(0),
		LinkBase:  linkBase,
		Log:       zerolog.Nop(),
	}
	return e
}

func (e *env) createCampaign(t *testing.T, kind model.ArtifactKind, n int) int64 {
	t.Helper()
	in := service.CreateCampaignInput{
		Name:            "Launch",
		ArtifactKind:    kind,
		MessageTemplate: "Hi {name}, your clip: {link}",
		TemplateRef:     "tpl-1",
	}
	for i := 0; i < n; i++ {
		in.Recipients = append(in.Recipients, model.Recipient{
			Name:  fmt.Sprintf("Amina %d", i),
			Phone: fmt.Sprintf("+2547001%05d", i),
		})
	}
	res, err := e.svc.CreateCampaign(context.Background(), in)
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return res.Campaign.ID
}

func (e *env) item(t *testing.T, id int64) *model.CampaignItem {
	t.Helper()
	it, err := e.items.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get item %d: %v", id, err)
	}
	return it
}

func (e *env) list(t *testing.T, campaignID int64) []*model.CampaignItem {
	t.Helper()
	items, err := e.items.ListByCampaign(context.Background(), campaignID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	return items
}

func (e *env) campaign(t *testing.T, id int64) *model.Campaign {
	t.Helper()
	c, err := e.campaigns.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}

// fakeProvider hands out job ids and answers polls from per-job scripts.
// Jobs without a script are DONE on first poll.
type fakeProvider struct {
	mu        sync.Mutex
	next      int
	submitErr func(req provider.Request) error
	script    []provider.PollResult
	polls     map[string]int
	submits   map[string]int
	inFlight  int
	maxFlight int
	delay     time.Duration
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{polls: map[string]int{}, submits: map[string]int{}}
}

func (p *fakeProvider) Submit(ctx context.Context, req provider.Request) (string, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.maxFlight {
		p.maxFlight = p.inFlight
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.mu.Unlock()
	}()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		if err := p.submitErr(req); err != nil {
			return "", err
		}
	}
	key := requestKey(req)
	p.submits[key]++
	p.next++
	return fmt.Sprintf("job-%d", p.next), nil
}

func (p *fakeProvider) Poll(ctx context.Context, jobID string) (provider.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.polls[jobID]
	p.polls[jobID]++
	if n < len(p.script) {
		return p.script[n], nil
	}
	if len(p.script) > 0 {
		return p.script[len(p.script)-1], nil
	}
	return provider.PollResult{Status: provider.JobDone, URL: "https://cdn.example/" + jobID + ".mp4"}, nil
}

func (p *fakeProvider) submitCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.submits))
	for k, v := range p.submits {
		out[k] = v
	}
	return out
}

func requestKey(req provider.Request) string {
	switch r := req.(type) {
	case provider.VideoRequest:
		return r.Script
	case provider.PDFRequest:
		return r.Fields["message"]
	}
	return ""
}

type sentMessage struct {
	msg whatsapp.Message
	at  time.Time
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	failTo map[string]error
	after  func(n int)
}

func (s *fakeSender) Send(ctx context.Context, m whatsapp.Message) (string, error) {
	s.mu.Lock()
	if err, ok := s.failTo[m.To]; ok {
		s.mu.Unlock()
		return "", err
	}
	s.sent = append(s.sent, sentMessage{msg: m, at: time.Now()})
	n := len(s.sent)
	after := s.after
	s.mu.Unlock()
	if after != nil {
		after(n)
	}
	return fmt.Sprintf("wamid.%d", n), nil
}

func (s *fakeSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

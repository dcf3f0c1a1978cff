// Package app wires configuration into the stores, clients and pipeline
// services shared by the server and worker binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unclebandit/reelcast-backend/internal/config"
	"github.com/unclebandit/reelcast-backend/internal/controller"
	"github.com/unclebandit/reelcast-backend/internal/db"
	"github.com/unclebandit/reelcast-backend/internal/handler"
	"github.com/unclebandit/reelcast-backend/internal/lock"
	"github.com/unclebandit/reelcast-backend/internal/logging"
	"github.com/unclebandit/reelcast-backend/internal/provider"
	"github.com/unclebandit/reelcast-backend/internal/queue"
	"github.com/unclebandit/reelcast-backend/internal/repository"
	"github.com/unclebandit/reelcast-backend/internal/service"
	"github.com/unclebandit/reelcast-backend/internal/whatsapp"
)

type App struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *sql.DB
	Queue  queue.Queue
	Locker lock.Locker

	Campaigns  *repository.CampaignRepository
	Items      *repository.CampaignItemRepository
	Service    *service.CampaignService
	Pool       *service.GenerationPool
	Claimer    *service.Claimer
	Dispatcher *service.Dispatcher
	Scheduler  *service.RetryScheduler
	Worker     *service.Worker

	closers []func() error
}

// New opens the database, queue and optional Redis lock and builds every
// service. Call Close when done.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log}

	conn, err := db.Open(ctx, cfg.DBDriver, cfg.DBDSN, logging.Component(log, "db"))
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn.Close)

	if cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(cfg.AMQPURL, logging.Component(log, "amqp"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Queue = q
	} else {
		log.Warn().Msg("AMQP_URL not set, using in-memory queue")
		a.Queue = queue.NewInMemoryQueue(logging.Component(log, "queue"))
	}
	a.closers = append(a.closers, a.Queue.Close)

	if cfg.RedisURL != "" {
		r, err := lock.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Locker = r
		a.closers = append(a.closers, r.Close)
	} else {
		a.Locker = lock.Local{}
	}

	loc, err := time.LoadLocation(cfg.Retry.Timezone)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load RETRY_TIMEZONE: %w", err)
	}

	a.Campaigns = &repository.CampaignRepository{DB: conn}
	a.Items = &repository.CampaignItemRepository{DB: conn}

	a.Service = &service.CampaignService{
		CampaignRepo: a.Campaigns,
		ItemRepo:     a.Items,
		Queue:        a.Queue,
		Validate:     service.NewValidator(),
		LinkBase:     cfg.PublicLinkBase,
		Log:          logging.Component(log, "campaigns"),
	}
	a.Pool = &service.GenerationPool{
		Campaigns: a.Campaigns,
		Items:     a.Items,
		Provider:  provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout),
		Queue:     a.Queue,
		Settings: service.GenerationSettings{
			Concurrency: cfg.Generation.Concurrency,
			BatchSize:   cfg.Generation.BatchSize,
			PollInitial: cfg.Generation.PollInitial,
			PollMax:     cfg.Generation.PollMax,
			PollTimeout: cfg.Generation.PollTimeout,
		},
		Log: logging.Component(log, "generation"),
	}
	a.Claimer = &service.Claimer{
		Items: a.Items,
		Settings: service.ClaimSettings{
			MaxBatch:    cfg.Dispatch.MaxBatch,
			ClaimTTL:    cfg.Dispatch.ClaimTTL,
			MaxRetries:  cfg.Dispatch.MaxRetries,
			RetryWindow: cfg.Dispatch.RetryWindow,
		},
		Log: logging.Component(log, "claimer"),
	}
	a.Dispatcher = &service.Dispatcher{
		Claimer:   a.Claimer,
		Campaigns: a.Campaigns,
		Items:     a.Items,
		Sender:    whatsapp.NewClient(cfg.WhatsAppAPIBase, cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppTimeout),
		Limiter:   service.NewSendLimiter(cfg.Dispatch.MinSendInterval),
		LinkBase:  cfg.PublicLinkBase,
		Log:       logging.Component(log, "dispatch"),
	}
	a.Scheduler = &service.RetryScheduler{
		Campaigns:  a.Campaigns,
		Items:      a.Items,
		Pool:       a.Pool,
		Claimer:    a.Claimer,
		Dispatcher: a.Dispatcher,
		Locker:     a.Locker,
		Settings: service.RetrySettings{
			Schedule:      cfg.Retry.Schedule,
			Location:      loc,
			MaxAge:        cfg.Retry.MaxAge,
			CallDelay:     cfg.Retry.CallDelay,
			ScanLimit:     cfg.Retry.ScanLimit,
			StaleAfter:    cfg.Retry.StaleAfter,
			LockTTL:       cfg.Retry.LockTTL,
			MaxGenRetries: cfg.Generation.MaxRetries,
			MaxWaRetries:  cfg.Dispatch.MaxRetries,
		},
		Log: logging.Component(log, "retry"),
	}
	a.Worker = service.NewWorker(a.Pool, a.Dispatcher, cfg.Generation.LoopInterval, cfg.Dispatch.LoopInterval,
		logging.Component(log, "worker"))
	return a, nil
}

// RunPipeline subscribes the worker to queue nudges, starts the retry cron and
// runs both loops until ctx ends.
func (a *App) RunPipeline(ctx context.Context) error {
	if err := queue.StartCampaignSubscribers(ctx, a.Queue, a.Worker.WakeGeneration, a.Worker.WakeDispatch,
		logging.Component(a.Log, "subscribers")); err != nil {
		return err
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	err := a.Worker.Start(ctx)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	a.Scheduler.Stop(stopCtx)
	return err
}

// Router mounts the HTTP API.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(handler.RequestLogger(logging.Component(a.Log, "http")))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.DB.PingContext(r.Context()); err != nil {
			handler.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db unavailable"})
			return
		}
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	(&controller.CampaignController{CampaignService: a.Service, Log: logging.Component(a.Log, "http")}).Routes(r)
	(&handler.CampaignItemHandler{Service: a.Service, Log: logging.Component(a.Log, "http")}).Routes(r)
	(&handler.MaintenanceHandler{Scanner: a.Scheduler, Log: logging.Component(a.Log, "http")}).Routes(r)
	return r
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}

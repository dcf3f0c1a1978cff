package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/reelcast-backend/internal/provider"
	"github.com/unclebandit/reelcast-backend/internal/whatsapp"
)

// Worker drives the generation and dispatch pipelines. Each runs on its own
// ticker over every campaign and can be woken early for one campaign.
type Worker struct {
	Pool          *GenerationPool
	Dispatcher    *Dispatcher
	GenerateEvery time.Duration
	DispatchEvery time.Duration
	Log           zerolog.Logger

	genWake  chan int64
	dispWake chan int64
}

// NewWorker builds a worker; wake-ups beyond a small backlog are dropped
// since the next tick covers every campaign anyway.
func NewWorker(pool *GenerationPool, disp *Dispatcher, generateEvery, dispatchEvery time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		Pool:          pool,
		Dispatcher:    disp,
		GenerateEvery: generateEvery,
		DispatchEvery: dispatchEvery,
		Log:           log,
		genWake:       make(chan int64, 16),
		dispWake:      make(chan int64, 16),
	}
}

// WakeGeneration and WakeDispatch match queue.RunFunc.
func (w *Worker) WakeGeneration(ctx context.Context, campaignID int64) error {
	wake(w.genWake, campaignID)
	return nil
}

func (w *Worker) WakeDispatch(ctx context.Context, campaignID int64) error {
	wake(w.dispWake, campaignID)
	return nil
}

func wake(ch chan int64, campaignID int64) {
	select {
	case ch <- campaignID:
	default:
	}
}

// Start runs both loops until ctx ends. Each loop finishes its current pass
// first; generation leaves in-flight items PROCESSING for the scheduler.
func (w *Worker) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.loop(ctx, "generation", w.GenerateEvery, w.genWake, w.generate)
		return nil
	})
	g.Go(func() error {
		w.loop(ctx, "dispatch", w.DispatchEvery, w.dispWake, w.dispatch)
		return nil
	})
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, name string, every time.Duration, wakes <-chan int64, run func(context.Context, int64)) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	w.Log.Info().Str("loop", name).Dur("interval", every).Msg("worker loop started")
	run(ctx, 0)
	for {
		select {
		case <-ctx.Done():
			w.Log.Info().Str("loop", name).Msg("worker loop stopped")
			return
		case <-ticker.C:
			run(ctx, 0)
		case id := <-wakes:
			run(ctx, id)
		}
	}
}

func (w *Worker) generate(ctx context.Context, campaignID int64) {
	report, err := w.Pool.RunOnce(ctx, campaignID)
	switch {
	case err == nil:
	case provider.IsUnavailable(err):
		w.Log.Warn().Err(err).Int64("campaign_id", campaignID).Msg("generation paused, provider unavailable")
	case ctx.Err() != nil:
		return
	default:
		w.Log.Error().Err(err).Int64("campaign_id", campaignID).Msg("generation pass failed")
	}
	if report.Claimed > 0 {
		w.Log.Debug().Int64("campaign_id", campaignID).Int("claimed", report.Claimed).Msg("generation pass done")
	}
}

func (w *Worker) dispatch(ctx context.Context, campaignID int64) {
	// Drain: keep claiming while full batches come back.
	for ctx.Err() == nil {
		report, err := w.Dispatcher.RunOnce(ctx, campaignID)
		switch {
		case err == nil:
		case whatsapp.IsUnavailable(err):
			w.Log.Warn().Err(err).Int64("campaign_id", campaignID).Msg("dispatch paused, messaging channel unavailable")
			return
		case ctx.Err() != nil:
			return
		default:
			w.Log.Error().Err(err).Int64("campaign_id", campaignID).Msg("dispatch pass failed")
			return
		}
		full := report.Claimed >= w.Dispatcher.Claimer.Settings.MaxBatch
		if !full || report.Sent+report.Failed == 0 {
			return
		}
	}
}

// internal/handler/campaign_item_handler.go
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/service"
)

// ItemService is the part of the campaign service the item routes use.
type ItemService interface {
	ResolveLink(ctx context.Context, tok string) (*model.PublicItem, error)
	GetItemHistory(ctx context.Context, itemID int64) ([]model.ItemEvent, error)
	ExcludeItem(ctx context.Context, itemID int64) (*model.CampaignItem, error)
	IncludeItem(ctx context.Context, itemID int64) (*model.CampaignItem, error)
	RequeueItem(ctx context.Context, itemID int64) (*model.CampaignItem, error)
}

// CampaignItemHandler serves per-item operator actions and the public link.
type CampaignItemHandler struct {
	Service ItemService
	Log     zerolog.Logger
}

func (h *CampaignItemHandler) Routes(r chi.Router) {
	r.Route("/campaign-items", func(r chi.Router) {
		r.Get("/link/{token}", h.ResolveLink)
		r.Get("/{id}/history", h.History)
		r.Post("/{id}/exclude", h.Exclude)
		r.Post("/{id}/include", h.Include)
		r.Post("/{id}/requeue", h.Requeue)
	})
}

// ResolveLink is public. Unknown, malformed and ambiguous tokens are all 404.
func (h *CampaignItemHandler) ResolveLink(w http.ResponseWriter, r *http.Request) {
	item, err := h.Service.ResolveLink(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		WriteError(w, r, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

func (h *CampaignItemHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, r, h.Log, err)
		return
	}
	events, err := h.Service.GetItemHistory(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"item_id": id, "events": events})
}

func (h *CampaignItemHandler) Exclude(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.Service.ExcludeItem)
}

func (h *CampaignItemHandler) Include(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.Service.IncludeItem)
}

func (h *CampaignItemHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.Service.RequeueItem)
}

func (h *CampaignItemHandler) itemAction(w http.ResponseWriter, r *http.Request, action func(context.Context, int64) (*model.CampaignItem, error)) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, r, h.Log, err)
		return
	}
	item, err := action(r.Context(), id)
	if err != nil {
		WriteError(w, r, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

// Scanner runs a retry/verification pass on demand.
type Scanner interface {
	Scan(ctx context.Context) (service.ScanReport, error)
}

type MaintenanceHandler struct {
	Scanner Scanner
	Log     zerolog.Logger
}

func (h *MaintenanceHandler) Routes(r chi.Router) {
	r.Post("/maintenance/retry-scan", h.RetryScan)
}

// RetryScan forces a scan and returns its counts. A scan already running here
// or on another replica is a 409.
func (h *MaintenanceHandler) RetryScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.Scanner.Scan(r.Context())
	if err != nil {
		WriteError(w, r, h.Log, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

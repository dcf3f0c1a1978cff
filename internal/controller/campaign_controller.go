package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/reelcast-backend/internal/errors"
	"github.com/unclebandit/reelcast-backend/internal/handler"
	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/queue"
	"github.com/unclebandit/reelcast-backend/internal/service"
)

// CampaignService is what the campaign routes need from the service layer.
type CampaignService interface {
	CreateCampaign(ctx context.Context, in service.CreateCampaignInput) (*service.CreateCampaignResult, error)
	ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error)
	GetCampaignDetails(ctx context.Context, id int64) (*service.CampaignDetails, error)
	ListItems(ctx context.Context, campaignID int64) ([]*model.CampaignItem, error)
	DeleteCampaign(ctx context.Context, id int64) error
	RequestRun(ctx context.Context, campaignID int64, topic string) error
}

type CampaignController struct {
	CampaignService CampaignService
	Log             zerolog.Logger
}

func (c *CampaignController) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", c.ListCampaigns)
		r.Get("/{id}", c.GetCampaignDetails)
		r.Delete("/{id}", c.DeleteCampaign)
		r.Get("/{id}/items", c.ListItems)
		r.Post("/{id}/generate", c.Generate)
		r.Post("/{id}/dispatch", c.Dispatch)
	})
}

// maxCreateBody bounds a create request; recipients travel inline.
const maxCreateBody = 16 << 20

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		handler.WriteError(w, r, c.Log, appErrors.NewValidation("", "invalid body: "+err.Error()))
		return
	}

	result, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		// Row rejections are still useful when every row was invalid.
		if appErrors.IsValidation(err) && result != nil && len(result.Rejected) > 0 {
			handler.WriteJSON(w, http.StatusBadRequest, map[string]any{
				"error":    err.Error(),
				"rejected": result.Rejected,
			})
			return
		}
		handler.WriteError(w, r, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusCreated, result)
}

func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	// Parse query parameters
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	status := r.URL.Query().Get("status")

	if status != "" {
		switch model.CampaignStatus(status) {
		case model.CampaignPending, model.CampaignProcessing, model.CampaignCompleted, model.CampaignFailed:
		default:
			handler.WriteError(w, r, c.Log, appErrors.NewValidation("status", "is not a campaign status"))
			return
		}
	}

	campaigns, pagination, err := c.CampaignService.ListCampaigns(r.Context(), page, pageSize, status)
	if err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"data":       campaigns,
		"pagination": pagination, // already contains total_count, total_pages, page, page_size
	})
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IDParam(r, "id")
	if err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}

	details, err := c.CampaignService.GetCampaignDetails(r.Context(), id)
	if err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, details)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IDParam(r, "id")
	if err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}
	if err := c.CampaignService.DeleteCampaign(r.Context(), id); err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) ListItems(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IDParam(r, "id")
	if err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}
	items, err := c.CampaignService.ListItems(r.Context(), id)
	if err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]any{"campaign_id": id, "items": items})
}

// Generate and Dispatch queue a pass for the campaign and return immediately.
func (c *CampaignController) Generate(w http.ResponseWriter, r *http.Request) {
	c.requestRun(w, r, queue.TopicGenerate)
}

func (c *CampaignController) Dispatch(w http.ResponseWriter, r *http.Request) {
	c.requestRun(w, r, queue.TopicDispatch)
}

func (c *CampaignController) requestRun(w http.ResponseWriter, r *http.Request, topic string) {
	id, err := handler.IDParam(r, "id")
	if err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}
	if err := c.CampaignService.RequestRun(r.Context(), id, topic); err != nil {
		handler.WriteError(w, r, c.Log, err)
		return
	}
	handler.WriteJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id": id,
		"queued":      topic,
	})
}

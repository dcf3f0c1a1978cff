// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/reelcast-backend/internal/errors"
	"github.com/unclebandit/reelcast-backend/internal/model"
	"github.com/unclebandit/reelcast-backend/internal/queue"
	"github.com/unclebandit/reelcast-backend/internal/repository"
	"github.com/unclebandit/reelcast-backend/internal/token"
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ItemRepo     repository.CampaignItemRepositoryInterface
	Queue        queue.Queue
	Validate     *validator.Validate
	LinkBase     string
	Log          zerolog.Logger
}

type CreateCampaignInput struct {
	Name            string             `json:"name" validate:"required,max=200"`
	OwnerRef        string             `json:"owner_ref" validate:"max=200"`
	ArtifactKind    model.ArtifactKind `json:"artifact_kind" validate:"required,oneof=VIDEO PDF"`
	MessageTemplate string             `json:"message_template" validate:"required,max=4096"`
	TemplateRef     string             `json:"template_ref" validate:"required,max=200"`
	Language        string             `json:"language" validate:"omitempty,max=16"`
	VoiceID         string             `json:"voice_id" validate:"omitempty,max=200"`
	VoiceSpeed      float64            `json:"voice_speed" validate:"omitempty,gte=0.5,lte=2"`
	BackgroundURL   string             `json:"background_url" validate:"omitempty,url"`
	Recipients      []model.Recipient  `json:"recipients"`
}

// RowRejection explains why an input row did not become an item.
type RowRejection struct {
	RowIndex int    `json:"row_index"`
	Field    string `json:"field"`
	Reason   string `json:"reason"`
}

type CreateCampaignResult struct {
	Campaign *model.Campaign `json:"campaign"`
	Accepted int             `json:"accepted"`
	Rejected []RowRejection  `json:"rejected"`
}

type CampaignDetails struct {
	*model.Campaign
	Stats *model.CampaignStats `json:"stats"`
}

// NewValidator returns the validator used for campaign input. Errors name
// fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *CampaignService) validate() *validator.Validate {
	if s.Validate == nil {
		s.Validate = NewValidator()
	}
	return s.Validate
}

// NormalizePhone strips formatting and turns a 00 international prefix into +.
// Numbers without any prefix are assumed to already carry a country code.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			// Leave garbage in place so validation rejects it.
			b.WriteRune(r)
		}
	}
	phone := b.String()
	switch {
	case phone == "":
		return ""
	case strings.HasPrefix(phone, "+"):
		return phone
	case strings.HasPrefix(phone, "00"):
		return "+" + phone[2:]
	default:
		return "+" + phone
	}
}

// CreateCampaign validates the campaign and its recipients, stores the
// campaign with one item per valid recipient and queues generation. Invalid
// rows are reported back and never stored.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*CreateCampaignResult, error) {
	if err := s.validate().Struct(in); err != nil {
		return nil, toValidationError(err)
	}

	result := &CreateCampaignResult{Rejected: []RowRejection{}}
	valid := make([]model.Recipient, 0, len(in.Recipients))
	seen := make(map[string]int)
	for i, r := range in.Recipients {
		r.RowIndex = i
		r.Name = strings.TrimSpace(r.Name)
		r.Phone = NormalizePhone(r.Phone)
		if err := s.validate().Struct(r); err != nil {
			v := toValidationError(err).(*appErrors.ValidationError)
			result.Rejected = append(result.Rejected, RowRejection{RowIndex: i, Field: v.Field, Reason: v.Reason})
			continue
		}
		if first, dup := seen[r.Phone]; dup {
			result.Rejected = append(result.Rejected, RowRejection{
				RowIndex: i, Field: "phone", Reason: fmt.Sprintf("duplicates row %d", first),
			})
			continue
		}
		seen[r.Phone] = i
		valid = append(valid, r)
	}
	if len(valid) == 0 {
		return result, appErrors.NewValidation("recipients", "contain no valid rows")
	}

	c := &model.Campaign{
		Name:            strings.TrimSpace(in.Name),
		OwnerRef:        in.OwnerRef,
		ArtifactKind:    in.ArtifactKind,
		MessageTemplate: in.MessageTemplate,
		TemplateRef:     in.TemplateRef,
		Language:        in.Language,
		VoiceID:         in.VoiceID,
		VoiceSpeed:      in.VoiceSpeed,
		BackgroundURL:   in.BackgroundURL,
		Status:          model.CampaignPending,
		TotalCount:      len(valid),
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}

	if _, err := s.ItemRepo.InsertItems(ctx, c.ID, valid); err != nil {
		reason := "item setup failed: " + err.Error()
		if mErr := s.CampaignRepo.MarkFailed(context.WithoutCancel(ctx), c.ID, reason); mErr != nil {
			s.Log.Error().Err(mErr).Int64("campaign_id", c.ID).Msg("failed to mark campaign FAILED")
		}
		c.Status = model.CampaignFailed
		c.FailureReason = reason
		result.Campaign = c
		return result, fmt.Errorf("insert items: %w", err)
	}

	result.Campaign = c
	result.Accepted = len(valid)
	s.publish(queue.TopicGenerate, c.ID)

	s.Log.Info().
		Int64("campaign_id", c.ID).
		Int("accepted", result.Accepted).
		Int("rejected", len(result.Rejected)).
		Msg("campaign created")
	return result, nil
}

// RequestRun asks the pipeline for an immediate pass over the campaign on
// topic. Unlike the internal nudges, a failed publish is reported.
func (s *CampaignService) RequestRun(ctx context.Context, campaignID int64, topic string) error {
	if topic != queue.TopicGenerate && topic != queue.TopicDispatch {
		return appErrors.NewValidation("topic", "unknown pipeline "+topic)
	}
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return err
	}
	if s.Queue == nil {
		return errors.New("no queue configured")
	}
	if err := s.Queue.Publish(topic, queue.CampaignJob{CampaignID: campaignID}); err != nil {
		return fmt.Errorf("enqueue %s: %w", topic, err)
	}
	return nil
}

func (s *CampaignService) publish(topic string, campaignID int64) {
	if s.Queue == nil {
		return
	}
	if err := s.Queue.Publish(topic, queue.CampaignJob{CampaignID: campaignID}); err != nil {
		// Loops pick the work up from the status columns anyway.
		s.Log.Warn().Err(err).Str("topic", topic).Int64("campaign_id", campaignID).Msg("failed to enqueue campaign job")
	}
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status string) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, offset, pageSize, status)
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}

	return campaigns, pagination, nil
}

// GetCampaignDetails returns the campaign with per-status counts taken from
// the item rows.
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id int64) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.CampaignRepo.GetCampaignStats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: %w", err)
	}
	return &CampaignDetails{Campaign: campaign, Stats: stats}, nil
}

func (s *CampaignService) ListItems(ctx context.Context, campaignID int64) ([]*model.CampaignItem, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, campaignID); err != nil {
		return nil, err
	}
	return s.ItemRepo.ListByCampaign(ctx, campaignID)
}

func (s *CampaignService) GetItemHistory(ctx context.Context, itemID int64) ([]model.ItemEvent, error) {
	if _, err := s.ItemRepo.GetByID(ctx, itemID); err != nil {
		return nil, err
	}
	return s.ItemRepo.ListEvents(ctx, itemID)
}

func (s *CampaignService) DeleteCampaign(ctx context.Context, id int64) error {
	if err := s.CampaignRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.Log.Info().Int64("campaign_id", id).Msg("campaign deleted")
	return nil
}

// ExcludeItem stops both pipelines from touching the item. A send already in
// flight is not recalled.
func (s *CampaignService) ExcludeItem(ctx context.Context, itemID int64) (*model.CampaignItem, error) {
	item, err := s.ItemRepo.SetExcluded(ctx, itemID, true)
	if err != nil {
		return nil, err
	}
	eventRecorder{items: s.ItemRepo, log: s.Log}.record(ctx, item, model.AxisGeneration,
		string(item.GenStatus), string(item.GenStatus), "excluded", "")
	if _, err := s.CampaignRepo.CompleteIfSettled(ctx, item.CampaignID); err != nil {
		s.Log.Warn().Err(err).Int64("campaign_id", item.CampaignID).Msg("failed to settle campaign")
	}
	return item, nil
}

// IncludeItem reverses ExcludeItem and nudges whichever pipeline the item is waiting on.
func (s *CampaignService) IncludeItem(ctx context.Context, itemID int64) (*model.CampaignItem, error) {
	item, err := s.ItemRepo.SetExcluded(ctx, itemID, false)
	if err != nil {
		return nil, err
	}
	eventRecorder{items: s.ItemRepo, log: s.Log}.record(ctx, item, model.AxisGeneration,
		string(item.GenStatus), string(item.GenStatus), "included", "")
	s.nudge(ctx, item)
	return item, nil
}

// RequeueItem re-includes an item whose failure will not be retried
// automatically, because it was terminal or exhausted its retries. The failed
// stage goes back to PENDING with a fresh retry budget.
func (s *CampaignService) RequeueItem(ctx context.Context, itemID int64) (*model.CampaignItem, error) {
	item, err := s.ItemRepo.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Excluded {
		return nil, appErrors.NewValidation("item", "is excluded; include it first")
	}

	events := eventRecorder{items: s.ItemRepo, log: s.Log}
	switch {
	case item.GenStatus == model.GenFailed:
		ok, err := s.ItemRepo.RequeueGeneration(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errItemConflict(itemID)
		}
		applyCounters(ctx, s.CampaignRepo, s.Log, item.CampaignID, model.CounterDelta{Processed: -1, Failed: -1})
		events.record(ctx, item, model.AxisGeneration, string(model.GenFailed), string(model.GenPending), "requeued by operator", "")
	case item.WaStatus == model.WaFailed:
		ok, err := s.ItemRepo.RequeueDispatch(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errItemConflict(itemID)
		}
		applyCounters(ctx, s.CampaignRepo, s.Log, item.CampaignID, model.CounterDelta{WaFailed: -1, WaPending: 1})
		events.record(ctx, item, model.AxisDispatch, string(model.WaFailed), string(model.WaPending), "requeued by operator", "")
	default:
		return nil, fmt.Errorf("item %d has no failed stage: %w", itemID, appErrors.ErrConflict)
	}

	item, err = s.ItemRepo.GetByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	s.nudge(ctx, item)
	return item, nil
}

func (s *CampaignService) nudge(ctx context.Context, item *model.CampaignItem) {
	switch {
	case item.GenStatus == model.GenPending:
		if _, err := s.CampaignRepo.MarkProcessing(ctx, item.CampaignID); err != nil {
			s.Log.Warn().Err(err).Int64("campaign_id", item.CampaignID).Msg("failed to reopen campaign")
		}
		s.publish(queue.TopicGenerate, item.CampaignID)
	case item.GenStatus == model.GenDone && item.WaStatus == model.WaPending:
		s.publish(queue.TopicDispatch, item.CampaignID)
	}
}

// ResolveLink maps a public token to the item it was minted for. Malformed,
// ambiguous and stale tokens are all not found.
func (s *CampaignService) ResolveLink(ctx context.Context, tok string) (*model.PublicItem, error) {
	ref, err := token.Decode(tok)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", tok, err)
	}
	item, err := s.ItemRepo.GetByID(ctx, ref.ItemID)
	if err != nil {
		return nil, err
	}
	if item.CampaignID != ref.CampaignID {
		return nil, fmt.Errorf("resolve %q: %w", tok, token.ErrNotFound)
	}
	c, err := s.CampaignRepo.GetByID(ctx, item.CampaignID)
	if err != nil {
		return nil, err
	}
	return &model.PublicItem{
		CampaignID:    c.ID,
		ItemID:        item.ID,
		CampaignName:  c.Name,
		RecipientName: item.RecipientName,
		ArtifactKind:  c.ArtifactKind,
		ArtifactURL:   item.ArtifactURL,
		GenStatus:     item.GenStatus,
		WaStatus:      item.WaStatus,
	}, nil
}

// ItemLink is the public URL for an item.
func (s *CampaignService) ItemLink(campaignID, itemID int64) (string, error) {
	tok, err := token.Encode(campaignID, itemID)
	if err != nil {
		return "", appErrors.NewValidation("id", err.Error())
	}
	return s.LinkBase + tok, nil
}

// toValidationError reports the first failed field.
func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return appErrors.NewValidation("", err.Error())
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return appErrors.NewValidation(field, "is required")
	case "e164":
		return appErrors.NewValidation(field, "must be an E.164 phone number")
	case "oneof":
		return appErrors.NewValidation(field, "must be one of "+fe.Param())
	case "max":
		return appErrors.NewValidation(field, "must be at most "+fe.Param()+" characters")
	default:
		return appErrors.NewValidation(field, "failed "+fe.Tag())
	}
}

// internal/model/campaign.go
package model

import "time"

type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "PENDING"
	CampaignProcessing CampaignStatus = "PROCESSING"
	CampaignCompleted  CampaignStatus = "COMPLETED"
	CampaignFailed     CampaignStatus = "FAILED"
)

// ArtifactKind selects which generation request variant a campaign produces.
type ArtifactKind string

const (
	ArtifactVideo ArtifactKind = "VIDEO"
	ArtifactPDF   ArtifactKind = "PDF"
)

func (k ArtifactKind) IsValid() bool {
	switch k {
	case ArtifactVideo, ArtifactPDF:
		return true
	}
	return false
}

type Campaign struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	OwnerRef        string         `json:"owner_ref"`
	ArtifactKind    ArtifactKind   `json:"artifact_kind"`
	MessageTemplate string         `json:"message_template"`
	TemplateRef     string         `json:"template_ref"`
	Language        string         `json:"language"`
	VoiceID         string         `json:"voice_id,omitempty"`
	VoiceSpeed      float64        `json:"voice_speed,omitempty"`
	BackgroundURL   string         `json:"background_url,omitempty"`
	Status          CampaignStatus `json:"status"`
	FailureReason   string         `json:"failure_reason,omitempty"`

	TotalCount     int `json:"total_count"`
	ProcessedCount int `json:"processed_count"`
	SuccessCount   int `json:"success_count"`
	FailedCount    int `json:"failed_count"`
	WaSentCount    int `json:"wa_sent_count"`
	WaFailedCount  int `json:"wa_failed_count"`
	WaPendingCount int `json:"wa_pending_count"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CounterDelta is applied to the campaign aggregate columns as increments.
type CounterDelta struct {
	Processed int
	Success   int
	Failed    int
	WaSent    int
	WaFailed  int
	WaPending int
}

func (d CounterDelta) IsZero() bool {
	return d == CounterDelta{}
}

// CampaignStats is derived by scanning item rows, never from the counters.
type CampaignStats struct {
	Total      int            `json:"total"`
	Excluded   int            `json:"excluded"`
	Generation map[string]int `json:"generation"`
	Dispatch   map[string]int `json:"dispatch"`
}

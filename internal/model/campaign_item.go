// internal/model/campaign_item.go
package model

import "time"

type GenerationStatus string

const (
	GenPending    GenerationStatus = "PENDING"
	GenProcessing GenerationStatus = "PROCESSING"
	GenDone       GenerationStatus = "DONE"
	GenFailed     GenerationStatus = "FAILED"
)

type DispatchStatus string

const (
	WaPending DispatchStatus = "PENDING"
	// WaSending marks an item claimed by a dispatcher run and not yet settled.
	WaSending DispatchStatus = "SENDING"
	WaSent    DispatchStatus = "SENT"
	WaFailed  DispatchStatus = "FAILED"
)

type CampaignItem struct {
	ID             int64  `json:"id"`
	CampaignID     int64  `json:"campaign_id"`
	RowIndex       int    `json:"row_index"`
	RecipientName  string `json:"recipient_name"`
	RecipientPhone string `json:"recipient_phone"`
	AvatarRef      string `json:"avatar_ref,omitempty"`
	MessageText    string `json:"message_text,omitempty"`

	ArtifactID    string           `json:"artifact_id,omitempty"`
	ArtifactURL   string           `json:"artifact_url,omitempty"`
	GenStatus     GenerationStatus `json:"gen_status"`
	GenError      string           `json:"gen_error,omitempty"`
	GenRetryable  bool             `json:"gen_retryable"`
	GenRetryCount int              `json:"gen_retry_count"`
	GeneratedAt   *time.Time       `json:"generated_at,omitempty"`
	Excluded      bool             `json:"excluded"`

	WaStatus     DispatchStatus `json:"wa_status"`
	WaPrevStatus DispatchStatus `json:"-"`
	WaMessageID  string         `json:"wa_message_id,omitempty"`
	WaError      string         `json:"wa_error,omitempty"`
	WaRetryable  bool           `json:"wa_retryable"`
	WaRetryCount int            `json:"wa_retry_count"`
	WaSentAt     *time.Time     `json:"wa_sent_at,omitempty"`

	ClaimID   string     `json:"claim_id,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Recipient is one validated input row before it becomes a CampaignItem.
type Recipient struct {
	RowIndex  int    `json:"row_index"`
	Name      string `json:"name" validate:"required,max=200"`
	Phone     string `json:"phone" validate:"required,e164"`
	AvatarRef string `json:"avatar_ref,omitempty" validate:"max=200"`
}

type EventAxis string

const (
	AxisGeneration EventAxis = "generation"
	AxisDispatch   EventAxis = "dispatch"
)

// ItemEvent is one entry of an item's status history.
type ItemEvent struct {
	ID         int64     `json:"id"`
	ItemID     int64     `json:"item_id"`
	CampaignID int64     `json:"campaign_id"`
	Axis       EventAxis `json:"axis"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
	ClaimID    string    `json:"claim_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PublicItem is what a token link resolves to.
type PublicItem struct {
	CampaignID    int64            `json:"campaign_id"`
	ItemID        int64            `json:"item_id"`
	CampaignName  string           `json:"campaign_name"`
	RecipientName string           `json:"recipient_name"`
	ArtifactKind  ArtifactKind     `json:"artifact_kind"`
	ArtifactURL   string           `json:"artifact_url,omitempty"`
	GenStatus     GenerationStatus `json:"gen_status"`
	WaStatus      DispatchStatus   `json:"wa_status"`
}

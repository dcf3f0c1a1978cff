package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	appErrors "github.com/unclebandit/reelcast-backend/internal/errors"
	"github.com/unclebandit/reelcast-backend/internal/model"
)

// CampaignItemRepositoryInterface is the campaign item store. Every status
// transition is a conditional update against the row so concurrent workers
// and replicas coordinate through the database alone.
type CampaignItemRepositoryInterface interface {
	InsertItems(ctx context.Context, campaignID int64, recipients []model.Recipient) (int, error)
	GetByID(ctx context.Context, id int64) (*model.CampaignItem, error)
	ListByCampaign(ctx context.Context, campaignID int64) ([]*model.CampaignItem, error)

	// Generation axis
	ListPendingGeneration(ctx context.Context, campaignID int64, limit int) ([]*model.CampaignItem, error)
	ClaimGeneration(ctx context.Context, id int64, script string) (bool, error)
	SetArtifactJob(ctx context.Context, id int64, jobID string) error
	CompleteGeneration(ctx context.Context, id int64, artifactID, artifactURL string) (bool, error)
	FailGeneration(ctx context.Context, id int64, reason string, retryable bool) (bool, error)
	RevertGeneration(ctx context.Context, id int64) (bool, error)
	ResetGenerationForRetry(ctx context.Context, id int64, maxRetries int) (bool, error)

	// Dispatch axis
	ListDispatchCandidates(ctx context.Context, campaignID int64, p DispatchPolicy, limit int) ([]*model.CampaignItem, error)
	ClaimDispatch(ctx context.Context, id int64, claimID string, p DispatchPolicy) (*model.CampaignItem, error)
	MarkSent(ctx context.Context, id int64, claimID, messageID string) (bool, error)
	MarkSendFailed(ctx context.Context, id int64, claimID, reason string, retryable bool) (bool, error)
	ReleaseClaims(ctx context.Context, claimID string) (int64, error)
	ReleaseClaim(ctx context.Context, id int64, claimID string) (bool, error)

	// Retry scan
	ListRetryCandidates(ctx context.Context, q RetryQuery) ([]*model.CampaignItem, error)
	CountStaleRetryCandidates(ctx context.Context, q RetryQuery) (int, error)

	// Operator actions
	SetExcluded(ctx context.Context, id int64, excluded bool) (*model.CampaignItem, error)
	RequeueGeneration(ctx context.Context, id int64) (bool, error)
	RequeueDispatch(ctx context.Context, id int64) (bool, error)

	AppendEvent(ctx context.Context, e model.ItemEvent) error
	ListEvents(ctx context.Context, itemID int64) ([]model.ItemEvent, error)
}

// DispatchPolicy bounds which items a dispatcher may claim.
type DispatchPolicy struct {
	MaxRetries int
	// FAILED items created before RetrySince are no longer retried.
	RetrySince time.Time
	// SENDING claims taken before ClaimExpiredBefore are treated as orphaned.
	ClaimExpiredBefore time.Time
}

// RetryQuery selects items the retry scheduler may re-drive.
type RetryQuery struct {
	CreatedSince  time.Time
	StaleBefore   time.Time
	MaxGenRetries int
	MaxWaRetries  int
	Limit         int
}

type CampaignItemRepository struct {
	DB  *sql.DB
	Now func() time.Time
}

const itemColumns = `id, campaign_id, row_index, recipient_name, recipient_phone, avatar_ref, message_text,
	artifact_id, artifact_url, gen_status, gen_error, gen_retryable, gen_retry_count, generated_at, excluded,
	wa_status, wa_prev_status, wa_message_id, wa_error, wa_retryable, wa_retry_count, wa_sent_at,
	claim_id, claimed_at, created_at, updated_at`

// dispatchEligible is shared by the candidate query and the claim so both
// agree on what may be claimed. Parameters: $2 max retries, $3 retry-since,
// $4 claim-expired-before.
const dispatchEligible = `gen_status = 'DONE' AND excluded = FALSE AND (
        wa_status = 'PENDING'
        OR (wa_status = 'FAILED' AND wa_retryable = TRUE AND wa_retry_count < $2 AND created_at >= $3)
        OR (wa_status = 'SENDING' AND claimed_at < $4)
    )`

func (r *CampaignItemRepository) now() int64 {
	if r.Now != nil {
		return toMillis(r.Now())
	}
	return toMillis(time.Now())
}

// InsertItems creates one PENDING item per recipient inside one transaction.
func (r *CampaignItemRepository) InsertItems(ctx context.Context, campaignID int64, recipients []model.Recipient) (int, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO campaign_items (campaign_id, row_index, recipient_name, recipient_phone, avatar_ref,
            gen_status, wa_status, wa_prev_status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, 'PENDING', 'PENDING', 'PENDING', $6, $6)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := r.now()
	for _, rc := range recipients {
		if _, err := stmt.ExecContext(ctx, campaignID, rc.RowIndex, rc.Name, rc.Phone, rc.AvatarRef, now); err != nil {
			return 0, fmt.Errorf("insert row %d: %w", rc.RowIndex, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(recipients), nil
}

func (r *CampaignItemRepository) GetByID(ctx context.Context, id int64) (*model.CampaignItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM campaign_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewItemNotFound(id)
		}
		return nil, err
	}
	return item, nil
}

func (r *CampaignItemRepository) ListByCampaign(ctx context.Context, campaignID int64) ([]*model.CampaignItem, error) {
	return r.queryItems(ctx, `SELECT `+itemColumns+` FROM campaign_items WHERE campaign_id = $1 ORDER BY row_index`, campaignID)
}

// ====================== Generation ======================

// ListPendingGeneration returns PENDING, non-excluded items. campaignID 0 means all campaigns.
func (r *CampaignItemRepository) ListPendingGeneration(ctx context.Context, campaignID int64, limit int) ([]*model.CampaignItem, error) {
	query := `SELECT ` + itemColumns + ` FROM campaign_items WHERE gen_status = 'PENDING' AND excluded = FALSE`
	args := []interface{}{limit}
	if campaignID != 0 {
		query += ` AND campaign_id = $2`
		args = append(args, campaignID)
	}
	return r.queryItems(ctx, query+` ORDER BY campaign_id, row_index LIMIT $1`, args...)
}

// ClaimGeneration is the exclusive PENDING -> PROCESSING transition. script is
// the personalised text the artifact is generated from.
func (r *CampaignItemRepository) ClaimGeneration(ctx context.Context, id int64, script string) (bool, error) {
	return r.execOne(ctx, `
        UPDATE campaign_items SET gen_status = 'PROCESSING', gen_error = '', message_text = $2, updated_at = $3
        WHERE id = $1 AND gen_status = 'PENDING' AND excluded = FALSE`,
		id, script, r.now())
}

func (r *CampaignItemRepository) SetArtifactJob(ctx context.Context, id int64, jobID string) error {
	ok, err := r.execOne(ctx, `
        UPDATE campaign_items SET artifact_id = $2, updated_at = $3
        WHERE id = $1 AND gen_status = 'PROCESSING'`,
		id, jobID, r.now())
	if err != nil {
		return err
	}
	if !ok {
		return appErrors.ErrConflict
	}
	return nil
}

func (r *CampaignItemRepository) CompleteGeneration(ctx context.Context, id int64, artifactID, artifactURL string) (bool, error) {
	now := r.now()
	return r.execOne(ctx, `
        UPDATE campaign_items SET gen_status = 'DONE', artifact_id = $2, artifact_url = $3,
            gen_error = '', generated_at = $4, updated_at = $4
        WHERE id = $1 AND gen_status = 'PROCESSING'`,
		id, artifactID, artifactURL, now)
}

func (r *CampaignItemRepository) FailGeneration(ctx context.Context, id int64, reason string, retryable bool) (bool, error) {
	now := r.now()
	return r.execOne(ctx, `
        UPDATE campaign_items SET gen_status = 'FAILED', gen_error = $2, gen_retryable = $3,
            generated_at = $4, updated_at = $4
        WHERE id = $1 AND gen_status = 'PROCESSING'`,
		id, reason, retryable, now)
}

// RevertGeneration puts a PROCESSING item back to PENDING without counting an attempt.
func (r *CampaignItemRepository) RevertGeneration(ctx context.Context, id int64) (bool, error) {
	return r.execOne(ctx, `
        UPDATE campaign_items SET gen_status = 'PENDING', artifact_id = '', updated_at = $2
        WHERE id = $1 AND gen_status = 'PROCESSING'`,
		id, r.now())
}

// ResetGenerationForRetry moves a retryable FAILED item back to PENDING and counts the retry.
func (r *CampaignItemRepository) ResetGenerationForRetry(ctx context.Context, id int64, maxRetries int) (bool, error) {
	return r.execOne(ctx, `
        UPDATE campaign_items SET gen_status = 'PENDING', gen_retry_count = gen_retry_count + 1,
            artifact_id = '', updated_at = $3
        WHERE id = $1 AND gen_status = 'FAILED' AND gen_retryable = TRUE
          AND gen_retry_count < $2 AND excluded = FALSE`,
		id, maxRetries, r.now())
}

// ====================== Dispatch ======================

// ListDispatchCandidates returns claimable items in row order. campaignID 0 means all campaigns.
func (r *CampaignItemRepository) ListDispatchCandidates(ctx context.Context, campaignID int64, p DispatchPolicy, limit int) ([]*model.CampaignItem, error) {
	query := `SELECT ` + itemColumns + ` FROM campaign_items WHERE ` + dispatchEligible
	args := []interface{}{limit, p.MaxRetries, toMillis(p.RetrySince), toMillis(p.ClaimExpiredBefore)}
	if campaignID != 0 {
		query += ` AND campaign_id = $5`
		args = append(args, campaignID)
	}
	return r.queryItems(ctx, query+` ORDER BY campaign_id, row_index LIMIT $1`, args...)
}

// ClaimDispatch moves one eligible item to SENDING under claimID. It returns
// nil, nil when another run won the item or it stopped being eligible.
func (r *CampaignItemRepository) ClaimDispatch(ctx context.Context, id int64, claimID string, p DispatchPolicy) (*model.CampaignItem, error) {
	row := r.DB.QueryRowContext(ctx, `
        UPDATE campaign_items SET
            wa_prev_status = CASE WHEN wa_status = 'SENDING' THEN wa_prev_status ELSE wa_status END,
            wa_status = 'SENDING', claim_id = $5, claimed_at = $6, updated_at = $6
        WHERE id = $1 AND `+dispatchEligible+`
        RETURNING `+itemColumns,
		id, p.MaxRetries, toMillis(p.RetrySince), toMillis(p.ClaimExpiredBefore), claimID, r.now())
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

func (r *CampaignItemRepository) MarkSent(ctx context.Context, id int64, claimID, messageID string) (bool, error) {
	now := r.now()
	return r.execOne(ctx, `
        UPDATE campaign_items SET wa_status = 'SENT', wa_message_id = $3, wa_error = '',
            wa_sent_at = $4, updated_at = $4
        WHERE id = $1 AND claim_id = $2 AND wa_status = 'SENDING'`,
		id, claimID, messageID, now)
}

func (r *CampaignItemRepository) MarkSendFailed(ctx context.Context, id int64, claimID, reason string, retryable bool) (bool, error) {
	now := r.now()
	return r.execOne(ctx, `
        UPDATE campaign_items SET wa_status = 'FAILED', wa_error = $3, wa_retryable = $4,
            wa_retry_count = wa_retry_count + 1, updated_at = $5
        WHERE id = $1 AND claim_id = $2 AND wa_status = 'SENDING'`,
		id, claimID, reason, retryable, now)
}

const releaseSet = `
            wa_status = wa_prev_status,
            claim_id = CASE WHEN wa_prev_status = 'PENDING' THEN NULL ELSE claim_id END,
            claimed_at = CASE WHEN wa_prev_status = 'PENDING' THEN NULL ELSE claimed_at END`

// ReleaseClaims returns every still-SENDING item of claimID to the status it
// was claimed from. Items claimed from PENDING lose their claim entirely.
func (r *CampaignItemRepository) ReleaseClaims(ctx context.Context, claimID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaign_items SET`+releaseSet+`, updated_at = $2
        WHERE claim_id = $1 AND wa_status = 'SENDING'`,
		claimID, r.now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *CampaignItemRepository) ReleaseClaim(ctx context.Context, id int64, claimID string) (bool, error) {
	return r.execOne(ctx, `
        UPDATE campaign_items SET`+releaseSet+`, updated_at = $3
        WHERE id = $1 AND claim_id = $2 AND wa_status = 'SENDING'`,
		id, claimID, r.now())
}

// ====================== Retry scan ======================

const retryEligible = `excluded = FALSE AND (
        (gen_status = 'FAILED' AND gen_retryable = TRUE AND gen_retry_count < $1)
        OR (gen_status = 'PROCESSING' AND updated_at < $2)
        OR (gen_status = 'DONE' AND wa_status = 'FAILED' AND wa_retryable = TRUE AND wa_retry_count < $3)
    )`

func (r *CampaignItemRepository) ListRetryCandidates(ctx context.Context, q RetryQuery) ([]*model.CampaignItem, error) {
	return r.queryItems(ctx, `
        SELECT `+itemColumns+` FROM campaign_items
        WHERE `+retryEligible+` AND created_at >= $4
        ORDER BY campaign_id, row_index
        LIMIT $5`,
		q.MaxGenRetries, toMillis(q.StaleBefore), q.MaxWaRetries, toMillis(q.CreatedSince), q.Limit)
}

// CountStaleRetryCandidates counts items that would be retried but are older
// than the age window. They are reported, never touched.
func (r *CampaignItemRepository) CountStaleRetryCandidates(ctx context.Context, q RetryQuery) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM campaign_items
        WHERE `+retryEligible+` AND created_at < $4`,
		q.MaxGenRetries, toMillis(q.StaleBefore), q.MaxWaRetries, toMillis(q.CreatedSince)).Scan(&n)
	return n, err
}

// ====================== Operator actions ======================

func (r *CampaignItemRepository) SetExcluded(ctx context.Context, id int64, excluded bool) (*model.CampaignItem, error) {
	row := r.DB.QueryRowContext(ctx, `
        UPDATE campaign_items SET excluded = $2, updated_at = $3
        WHERE id = $1
        RETURNING `+itemColumns,
		id, excluded, r.now())
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewItemNotFound(id)
	}
	return item, err
}

// RequeueGeneration re-includes a FAILED generation regardless of retry budget.
func (r *CampaignItemRepository) RequeueGeneration(ctx context.Context, id int64) (bool, error) {
	return r.execOne(ctx, `
        UPDATE campaign_items SET gen_status = 'PENDING', gen_retry_count = 0, gen_retryable = TRUE,
            artifact_id = '', updated_at = $2
        WHERE id = $1 AND gen_status = 'FAILED'`,
		id, r.now())
}

// RequeueDispatch re-includes a FAILED dispatch regardless of retry budget.
func (r *CampaignItemRepository) RequeueDispatch(ctx context.Context, id int64) (bool, error) {
	return r.execOne(ctx, `
        UPDATE campaign_items SET wa_status = 'PENDING', wa_prev_status = 'PENDING', wa_retry_count = 0,
            wa_retryable = TRUE, claim_id = NULL, claimed_at = NULL, updated_at = $2
        WHERE id = $1 AND wa_status = 'FAILED'`,
		id, r.now())
}

// ====================== History ======================

func (r *CampaignItemRepository) AppendEvent(ctx context.Context, e model.ItemEvent) error {
	at := r.now()
	if !e.CreatedAt.IsZero() {
		at = toMillis(e.CreatedAt)
	}
	_, err := r.DB.ExecContext(ctx, `
        INSERT INTO campaign_item_events (item_id, campaign_id, axis, from_status, to_status, detail, claim_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ItemID, e.CampaignID, string(e.Axis), e.FromStatus, e.ToStatus, e.Detail, e.ClaimID, at)
	return err
}

func (r *CampaignItemRepository) ListEvents(ctx context.Context, itemID int64) ([]model.ItemEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, item_id, campaign_id, axis, from_status, to_status, detail, claim_id, created_at
        FROM campaign_item_events WHERE item_id = $1 ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []model.ItemEvent{}
	for rows.Next() {
		var (
			e    model.ItemEvent
			axis string
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.ItemID, &e.CampaignID, &axis, &e.FromStatus, &e.ToStatus, &e.Detail, &e.ClaimID, &at); err != nil {
			return nil, err
		}
		e.Axis = model.EventAxis(axis)
		e.CreatedAt = fromMillis(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ====================== helpers ======================

func (r *CampaignItemRepository) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *CampaignItemRepository) queryItems(ctx context.Context, query string, args ...any) ([]*model.CampaignItem, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*model.CampaignItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(s rowScanner) (*model.CampaignItem, error) {
	var (
		it                        model.CampaignItem
		genStatus, waStatus, prev string
		generatedAt, sentAt       sql.NullInt64
		claimID                   sql.NullString
		claimedAt                 sql.NullInt64
		created, updated          int64
	)
	err := s.Scan(&it.ID, &it.CampaignID, &it.RowIndex, &it.RecipientName, &it.RecipientPhone, &it.AvatarRef, &it.MessageText,
		&it.ArtifactID, &it.ArtifactURL, &genStatus, &it.GenError, &it.GenRetryable, &it.GenRetryCount, &generatedAt, &it.Excluded,
		&waStatus, &prev, &it.WaMessageID, &it.WaError, &it.WaRetryable, &it.WaRetryCount, &sentAt,
		&claimID, &claimedAt, &created, &updated)
	if err != nil {
		return nil, err
	}
	it.GenStatus = model.GenerationStatus(genStatus)
	it.WaStatus = model.DispatchStatus(waStatus)
	it.WaPrevStatus = model.DispatchStatus(prev)
	it.GeneratedAt = fromNullMillis(generatedAt)
	it.WaSentAt = fromNullMillis(sentAt)
	it.ClaimID = claimID.String
	it.ClaimedAt = fromNullMillis(claimedAt)
	it.CreatedAt = fromMillis(created)
	it.UpdatedAt = fromMillis(updated)
	return &it, nil
}

var _ CampaignItemRepositoryInterface = (*CampaignItemRepository)(nil)

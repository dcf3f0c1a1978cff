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

type CampaignRepositoryInterface interface {
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int64) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	Delete(ctx context.Context, id int64) error

	// Lifecycle transitions are conditional updates; they report whether they applied.
	MarkProcessing(ctx context.Context, id int64) (bool, error)
	CompleteIfSettled(ctx context.Context, id int64) (bool, error)
	MarkFailed(ctx context.Context, id int64, reason string) error

	IncrementCounters(ctx context.Context, id int64, d model.CounterDelta) error
	GetCampaignStats(ctx context.Context, id int64) (*model.CampaignStats, error)
}

type CampaignRepository struct {
	DB  *sql.DB
	Now func() time.Time
}

const campaignColumns = `id, name, owner_ref, artifact_kind, message_template, template_ref, language,
	voice_id, voice_speed, background_url, status, failure_reason,
	total_count, processed_count, success_count, failed_count,
	wa_sent_count, wa_failed_count, wa_pending_count,
	created_at, updated_at, completed_at`

func (r *CampaignRepository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	now := r.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.CampaignPending
	}
	query := `
        INSERT INTO campaigns (name, owner_ref, artifact_kind, message_template, template_ref, language,
            voice_id, voice_speed, background_url, status, total_count, wa_pending_count, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $12, $12)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		c.Name, c.OwnerRef, string(c.ArtifactKind), c.MessageTemplate, c.TemplateRef, c.Language,
		c.VoiceID, c.VoiceSpeed, c.BackgroundURL, string(c.Status), c.TotalCount, toMillis(now),
	).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		countQuery += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, total, rows.Err()
}

// Delete removes the campaign; items and their history go with it.
func (r *CampaignRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// ====================== Lifecycle ======================

// MarkProcessing moves a PENDING campaign (or a COMPLETED one whose items were
// requeued) to PROCESSING.
func (r *CampaignRepository) MarkProcessing(ctx context.Context, id int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET status = 'PROCESSING', completed_at = NULL, updated_at = $2
        WHERE id = $1 AND status IN ('PENDING', 'COMPLETED')`,
		id, toMillis(r.now()))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteIfSettled marks the campaign COMPLETED once no non-excluded item is
// waiting for or running generation. Dispatch may still be in flight.
func (r *CampaignRepository) CompleteIfSettled(ctx context.Context, id int64) (bool, error) {
	now := toMillis(r.now())
	res, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET status = 'COMPLETED', completed_at = $2, updated_at = $2
        WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
          AND NOT EXISTS (
              SELECT 1 FROM campaign_items
              WHERE campaign_id = $1 AND excluded = FALSE AND gen_status IN ('PENDING', 'PROCESSING')
          )`,
		id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *CampaignRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET status = 'FAILED', failure_reason = $2, updated_at = $3
        WHERE id = $1`,
		id, reason, toMillis(r.now()))
	return err
}

// IncrementCounters applies d in a single statement so concurrent workers never
// overwrite each other's updates.
func (r *CampaignRepository) IncrementCounters(ctx context.Context, id int64, d model.CounterDelta) error {
	if d.IsZero() {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, `
        UPDATE campaigns SET
            processed_count  = processed_count + $2,
            success_count    = success_count + $3,
            failed_count     = failed_count + $4,
            wa_sent_count    = wa_sent_count + $5,
            wa_failed_count  = wa_failed_count + $6,
            wa_pending_count = wa_pending_count + $7,
            updated_at       = $8
        WHERE id = $1`,
		id, d.Processed, d.Success, d.Failed, d.WaSent, d.WaFailed, d.WaPending, toMillis(r.now()))
	return err
}

// GetCampaignStats derives per-status counts from the item rows.
func (r *CampaignRepository) GetCampaignStats(ctx context.Context, id int64) (*model.CampaignStats, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT gen_status, wa_status, excluded, COUNT(*)
        FROM campaign_items
        WHERE campaign_id = $1
        GROUP BY gen_status, wa_status, excluded`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &model.CampaignStats{
		Generation: map[string]int{
			string(model.GenPending): 0, string(model.GenProcessing): 0,
			string(model.GenDone): 0, string(model.GenFailed): 0,
		},
		Dispatch: map[string]int{
			string(model.WaPending): 0, string(model.WaSending): 0,
			string(model.WaSent): 0, string(model.WaFailed): 0,
		},
	}
	for rows.Next() {
		var (
			gen, wa  string
			excluded bool
			count    int
		)
		if err := rows.Scan(&gen, &wa, &excluded, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		if excluded {
			stats.Excluded += count
		}
		stats.Generation[gen] += count
		stats.Dispatch[wa] += count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s rowScanner) (*model.Campaign, error) {
	var (
		c                model.Campaign
		kind, status     string
		created, updated int64
		completed        sql.NullInt64
	)
	err := s.Scan(&c.ID, &c.Name, &c.OwnerRef, &kind, &c.MessageTemplate, &c.TemplateRef, &c.Language,
		&c.VoiceID, &c.VoiceSpeed, &c.BackgroundURL, &status, &c.FailureReason,
		&c.TotalCount, &c.ProcessedCount, &c.SuccessCount, &c.FailedCount,
		&c.WaSentCount, &c.WaFailedCount, &c.WaPendingCount,
		&created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	c.ArtifactKind = model.ArtifactKind(kind)
	c.Status = model.CampaignStatus(status)
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	c.CompletedAt = fromNullMillis(completed)
	return &c, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

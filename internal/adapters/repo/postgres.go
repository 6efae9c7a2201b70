package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ConnectionRepo        = (*Postgres)(nil)
	_ domain.ConnectionHistoryRepo = (*Postgres)(nil)
	_ domain.GroupRepo             = (*Postgres)(nil)
	_ domain.SummaryRepo           = (*Postgres)(nil)
	_ domain.DeliveryRepo          = (*Postgres)(nil)
	_ domain.ExecutionRepo         = (*Postgres)(nil)
	_ domain.PreferencesRepo       = (*Postgres)(nil)
	_ domain.ProfileRepo           = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const connectionColumns = `id, user_id, instance_name, status, qr_code, qr_code_expires_at, connected_at, connection_type, created_at, updated_at`

func scanConnection(row pgx.Row) (domain.Connection, error) {
	var (
		conn        domain.Connection
		qrCode      sql.NullString
		qrExpiresAt sql.NullTime
		connectedAt sql.NullTime
	)
	err := row.Scan(&conn.ID, &conn.UserID, &conn.InstanceName, &conn.Status, &qrCode, &qrExpiresAt, &connectedAt, &conn.ConnectionType, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return domain.Connection{}, err
	}
	conn.QRCode = qrCode.String
	if qrExpiresAt.Valid {
		conn.QRCodeExpiresAt = qrExpiresAt.Time
	}
	if connectedAt.Valid {
		at := connectedAt.Time
		conn.ConnectedAt = &at
	}
	return conn, nil
}

// ActiveByUser реализует domain.ConnectionRepo.
func (p *Postgres) ActiveByUser(ctx context.Context, userID int64) (domain.Connection, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+connectionColumns+`
FROM connections
WHERE user_id = $1 AND status IN ('connecting', 'connected')
ORDER BY created_at DESC
LIMIT 1
`, userID)
	conn, err := scanConnection(row)
	metrics.ObserveNetworkRequest("postgres", "connections_active", "connections", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	if err != nil {
		return domain.Connection{}, fmt.Errorf("чтение привязки: %w", err)
	}
	return conn, nil
}

// ByInstanceName реализует domain.ConnectionRepo.
func (p *Postgres) ByInstanceName(ctx context.Context, name string) (domain.Connection, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `
SELECT `+connectionColumns+`
FROM connections
WHERE instance_name = $1
ORDER BY created_at DESC
LIMIT 1
`, name)
	conn, err := scanConnection(row)
	metrics.ObserveNetworkRequest("postgres", "connections_by_instance", "connections", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	if err != nil {
		return domain.Connection{}, fmt.Errorf("чтение привязки: %w", err)
	}
	return conn, nil
}

// SweepStaleConnecting реализует domain.ConnectionRepo.
func (p *Postgres) SweepStaleConnecting(ctx context.Context, userID int64, deadline time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE connections
SET status = 'disconnected', updated_at = NOW()
WHERE user_id = $1 AND status = 'connecting' AND qr_code_expires_at < $2
`, userID, deadline)
	metrics.ObserveNetworkRequest("postgres", "connections_sweep", "connections", start, err)
	if err != nil {
		return 0, fmt.Errorf("уборка привязок: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DisconnectActive реализует domain.ConnectionRepo.
func (p *Postgres) DisconnectActive(ctx context.Context, userID int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE connections
SET status = 'disconnected', updated_at = NOW()
WHERE user_id = $1 AND status IN ('connecting', 'connected')
`, userID)
	metrics.ObserveNetworkRequest("postgres", "connections_disconnect_active", "connections", start, err)
	if err != nil {
		return fmt.Errorf("закрытие привязок: %w", err)
	}
	return nil
}

// CreateConnection реализует domain.ConnectionRepo.
func (p *Postgres) CreateConnection(ctx context.Context, conn domain.Connection) (domain.Connection, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO connections (user_id, instance_name, status, qr_code, qr_code_expires_at, connection_type, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
RETURNING id, created_at, updated_at
`, conn.UserID, conn.InstanceName, conn.Status, conn.QRCode, conn.QRCodeExpiresAt, conn.ConnectionType).
		Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "connections_insert", "connections", start, err)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("сохранение привязки: %w", err)
	}
	return conn, nil
}

// UpdateQR реализует domain.ConnectionRepo.
func (p *Postgres) UpdateQR(ctx context.Context, id int64, qr string, expiresAt time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE connections
SET qr_code = $2, qr_code_expires_at = $3, updated_at = NOW()
WHERE id = $1
`, id, qr, expiresAt)
	metrics.ObserveNetworkRequest("postgres", "connections_update_qr", "connections", start, err)
	if err != nil {
		return fmt.Errorf("обновление QR: %w", err)
	}
	return nil
}

// SetStatus реализует domain.ConnectionRepo.
func (p *Postgres) SetStatus(ctx context.Context, id int64, status domain.ConnectionStatus) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE connections
SET status = $2, updated_at = NOW()
WHERE id = $1
`, id, status)
	metrics.ObserveNetworkRequest("postgres", "connections_set_status", "connections", start, err)
	if err != nil {
		return fmt.Errorf("обновление статуса привязки: %w", err)
	}
	return nil
}

// MarkConnected реализует domain.ConnectionRepo.
func (p *Postgres) MarkConnected(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE connections
SET status = 'connected', connected_at = $2, qr_code = NULL, updated_at = NOW()
WHERE id = $1
`, id, at)
	metrics.ObserveNetworkRequest("postgres", "connections_mark_connected", "connections", start, err)
	if err != nil {
		return fmt.Errorf("фиксация подключения: %w", err)
	}
	return nil
}

// RecordConnectionHistory реализует domain.ConnectionHistoryRepo.
func (p *Postgres) RecordConnectionHistory(ctx context.Context, h domain.ConnectionHistory) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if h.ArchivedAt.IsZero() {
		h.ArchivedAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO connection_history (user_id, instance_name, reason, group_count, summary_count, archived_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, h.UserID, h.InstanceName, h.Reason, h.GroupCount, h.SummaryCount, h.ArchivedAt)
	metrics.ObserveNetworkRequest("postgres", "connection_history_insert", "connection_history", start, err)
	if err != nil {
		return fmt.Errorf("запись аудита привязки: %w", err)
	}
	return nil
}

const groupColumns = `id, user_id, group_jid, name, is_selected, archived, participant_count, last_activity, created_at`

func scanGroups(rows pgx.Rows) ([]domain.Group, error) {
	defer rows.Close()
	var groups []domain.Group
	for rows.Next() {
		var (
			g            domain.Group
			lastActivity sql.NullTime
		)
		if err := rows.Scan(&g.ID, &g.UserID, &g.GroupJID, &g.Name, &g.IsSelected, &g.Archived, &g.ParticipantCount, &lastActivity, &g.CreatedAt); err != nil {
			return nil, err
		}
		if lastActivity.Valid {
			at := lastActivity.Time
			g.LastActivity = &at
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ListGroups реализует domain.GroupRepo.
func (p *Postgres) ListGroups(ctx context.Context, userID int64) ([]domain.Group, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+groupColumns+`
FROM groups
WHERE user_id = $1 AND NOT archived
ORDER BY name
`, userID)
	metrics.ObserveNetworkRequest("postgres", "groups_list", "groups", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение групп: %w", err)
	}
	return scanGroups(rows)
}

// SelectedGroups реализует domain.GroupRepo.
func (p *Postgres) SelectedGroups(ctx context.Context, userID int64) ([]domain.Group, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+groupColumns+`
FROM groups
WHERE user_id = $1 AND is_selected AND NOT archived
ORDER BY name
`, userID)
	metrics.ObserveNetworkRequest("postgres", "groups_selected", "groups", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение выбранных групп: %w", err)
	}
	return scanGroups(rows)
}

// UpsertGroups реализует domain.GroupRepo. Выбор группы пользователем
// при обновлении метаданных не сбрасывается.
func (p *Postgres) UpsertGroups(ctx context.Context, userID int64, groups []domain.Group) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("открытие транзакции: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	start := time.Now()
	for _, g := range groups {
		var lastActivity any
		if g.LastActivity != nil {
			lastActivity = *g.LastActivity
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO groups (user_id, group_jid, name, is_selected, archived, participant_count, last_activity, created_at)
VALUES ($1, $2, $3, FALSE, FALSE, $4, $5, NOW())
ON CONFLICT (user_id, group_jid) DO UPDATE
SET name = EXCLUDED.name,
    archived = FALSE,
    participant_count = EXCLUDED.participant_count,
    last_activity = EXCLUDED.last_activity
`, userID, g.GroupJID, g.Name, g.ParticipantCount, lastActivity); err != nil {
			metrics.ObserveNetworkRequest("postgres", "groups_upsert", "groups", start, err)
			return fmt.Errorf("сохранение группы %s: %w", g.GroupJID, err)
		}
	}
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "groups_upsert", "groups", start, err)
	if err != nil {
		return fmt.Errorf("фиксация транзакции: %w", err)
	}
	return nil
}

// ArchiveMissing реализует domain.GroupRepo.
func (p *Postgres) ArchiveMissing(ctx context.Context, userID int64, keepJIDs []string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if keepJIDs == nil {
		keepJIDs = []string{}
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE groups
SET archived = TRUE
WHERE user_id = $1 AND NOT archived AND group_jid <> ALL($2)
`, userID, keepJIDs)
	metrics.ObserveNetworkRequest("postgres", "groups_archive_missing", "groups", start, err)
	if err != nil {
		return fmt.Errorf("архивирование групп: %w", err)
	}
	return nil
}

// SetSelected реализует domain.GroupRepo.
func (p *Postgres) SetSelected(ctx context.Context, userID int64, groupJID string, selected bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE groups
SET is_selected = $3
WHERE user_id = $1 AND group_jid = $2 AND NOT archived
`, userID, groupJID, selected)
	metrics.ObserveNetworkRequest("postgres", "groups_set_selected", "groups", start, err)
	if err != nil {
		return fmt.Errorf("обновление выбора группы: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("группа %s не найдена", groupJID)
	}
	return nil
}

// CountGroups реализует domain.GroupRepo.
func (p *Postgres) CountGroups(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM groups WHERE user_id = $1 AND NOT archived`, userID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "groups_count", "groups", start, err)
	if err != nil {
		return 0, fmt.Errorf("подсчёт групп: %w", err)
	}
	return count, nil
}

// CreateSummary реализует domain.SummaryRepo. Повторная вставка за тот же
// день не перезаписывает существующее резюме и возвращает false.
func (p *Postgres) CreateSummary(ctx context.Context, s domain.Summary) (domain.Summary, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO summaries (user_id, group_jid, group_name, summary_text, message_count, summary_date, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (user_id, group_jid, summary_date) DO NOTHING
RETURNING id, created_at
`, s.UserID, s.GroupJID, s.GroupName, s.SummaryText, s.MessageCount, s.SummaryDate).
		Scan(&s.ID, &s.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "summaries_insert", "summaries", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return s, false, nil
	}
	if err != nil {
		return domain.Summary{}, false, fmt.Errorf("сохранение резюме: %w", err)
	}
	return s, true, nil
}

// CountSummaries реализует domain.SummaryRepo.
func (p *Postgres) CountSummaries(ctx context.Context, userID int64) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM summaries WHERE user_id = $1`, userID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "summaries_count", "summaries", start, err)
	if err != nil {
		return 0, fmt.Errorf("подсчёт резюме: %w", err)
	}
	return count, nil
}

// AcquireDelivery реализует domain.DeliveryRepo. Слот занимается вставкой
// pending-строки; конкурент, пришедший вторым, получает false.
func (p *Postgres) AcquireDelivery(ctx context.Context, summaryID int64, groupJID string, userID int64) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
INSERT INTO deliveries (summary_id, group_jid, user_id, status, created_at)
VALUES ($1, $2, $3, 'pending', NOW())
ON CONFLICT (summary_id, group_jid) DO NOTHING
`, summaryID, groupJID, userID)
	metrics.ObserveNetworkRequest("postgres", "deliveries_acquire", "deliveries", start, err)
	if err != nil {
		return false, fmt.Errorf("занятие слота отправки: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishDelivery реализует domain.DeliveryRepo.
func (p *Postgres) FinishDelivery(ctx context.Context, summaryID int64, groupJID string, status domain.DeliveryStatus, gatewayMessageID, errorMessage string) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var sentAt any
	if status == domain.DeliverySent {
		sentAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE deliveries
SET status = $3, gateway_message_id = NULLIF($4, ''), error_message = NULLIF($5, ''), sent_at = $6
WHERE summary_id = $1 AND group_jid = $2
`, summaryID, groupJID, status, gatewayMessageID, errorMessage, sentAt)
	metrics.ObserveNetworkRequest("postgres", "deliveries_finish", "deliveries", start, err)
	if err != nil {
		return fmt.Errorf("завершение отправки: %w", err)
	}
	return nil
}

// RecordExecution реализует domain.ExecutionRepo.
func (p *Postgres) RecordExecution(ctx context.Context, e domain.ScheduledExecution) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if e.ExecutionTime.IsZero() {
		e.ExecutionTime = time.Now().UTC()
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO scheduled_executions (execution_time, status, users_processed, summaries_generated, errors_count, details)
VALUES ($1, $2, $3, $4, $5, $6)
`, e.ExecutionTime, e.Status, e.UsersProcessed, e.SummariesGenerated, e.ErrorsCount, e.Details)
	metrics.ObserveNetworkRequest("postgres", "scheduled_executions_insert", "scheduled_executions", start, err)
	if err != nil {
		return fmt.Errorf("запись аудита запуска: %w", err)
	}
	return nil
}

// PreferencesByUser реализует domain.PreferencesRepo. Отсутствие строки
// не ошибка: возвращаются настройки по умолчанию.
func (p *Postgres) PreferencesByUser(ctx context.Context, userID int64) (domain.UserPreferences, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	prefs := domain.UserPreferences{
		UserID:               userID,
		PreferredSummaryTime: "20:00:00",
		Timezone:             "America/Sao_Paulo",
		Tone:                 domain.ToneCasual,
		Size:                 domain.SizeMedium,
		SendSummaryToGroup:   true,
	}

	var (
		focus sql.NullString
		tz    sql.NullString
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT preferred_summary_time::text, timezone, tone, size, thematic_focus, include_sentiment_analysis, connection_mode, send_summary_to_group
FROM user_preferences
WHERE user_id = $1
`, userID).Scan(&prefs.PreferredSummaryTime, &tz, &prefs.Tone, &prefs.Size, &focus, &prefs.IncludeSentimentAnalysis, &prefs.ConnectionMode, &prefs.SendSummaryToGroup)
	metrics.ObserveNetworkRequest("postgres", "user_preferences_get", "user_preferences", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return prefs, nil
	}
	if err != nil {
		return domain.UserPreferences{}, fmt.Errorf("чтение настроек: %w", err)
	}
	if tz.Valid && tz.String != "" {
		prefs.Timezone = tz.String
	}
	prefs.ThematicFocus = focus.String
	return prefs, nil
}

// UsersForHour реализует domain.PreferencesRepo.
func (p *Postgres) UsersForHour(ctx context.Context, hour int) ([]int64, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT up.user_id
FROM user_preferences up
JOIN connections c ON c.user_id = up.user_id AND c.status = 'connected'
WHERE EXTRACT(HOUR FROM up.preferred_summary_time) = $1
`, hour)
	metrics.ObserveNetworkRequest("postgres", "user_preferences_for_hour", "user_preferences", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка пользователей на час %d: %w", hour, err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("чтение пользователя: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ProfileByUser реализует domain.ProfileRepo. Отсутствие строки трактуется
// как бесплатный тариф без активной привязки.
func (p *Postgres) ProfileByUser(ctx context.Context, userID int64) (domain.Profile, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	profile := domain.Profile{UserID: userID, Plan: domain.PlanFree}

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT plan, whatsapp_connected
FROM profiles
WHERE user_id = $1
`, userID).Scan(&profile.Plan, &profile.WhatsAppConnected)
	metrics.ObserveNetworkRequest("postgres", "profiles_get", "profiles", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return profile, nil
	}
	if err != nil {
		return domain.Profile{}, fmt.Errorf("чтение профиля: %w", err)
	}
	return profile, nil
}

// SetWhatsAppConnected реализует domain.ProfileRepo.
func (p *Postgres) SetWhatsAppConnected(ctx context.Context, userID int64, connected bool) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO profiles (user_id, plan, whatsapp_connected)
VALUES ($1, 'free', $2)
ON CONFLICT (user_id) DO UPDATE SET whatsapp_connected = EXCLUDED.whatsapp_connected
`, userID, connected)
	metrics.ObserveNetworkRequest("postgres", "profiles_set_connected", "profiles", start, err)
	if err != nil {
		return fmt.Errorf("обновление профиля: %w", err)
	}
	return nil
}

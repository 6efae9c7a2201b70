package domain

import (
	"context"
	"errors"
	"time"
)

// ErrConnectionNotFound возвращается, если у пользователя нет активной привязки.
var ErrConnectionNotFound = errors.New("активная привязка не найдена")

// ErrInstanceNotFound возвращается шлюзом, если инстанс был удалён удалённо.
var ErrInstanceNotFound = errors.New("инстанс шлюза не найден")

// GroupInfo содержит метаданные группы из шлюза.
type GroupInfo struct {
	JID              string
	Subject          string
	ParticipantCount int
	LastActivity     *time.Time
}

// Gateway описывает HTTP-шлюз мессенджера.
type Gateway interface {
	CreateInstance(ctx context.Context, name string) error
	// ConnectInstance запрашивает новый QR-код для инстанса.
	ConnectInstance(ctx context.Context, name string) (string, error)
	// ConnectionState возвращает строку состояния шлюза ("connected", "open", ...).
	ConnectionState(ctx context.Context, name string) (string, error)
	Logout(ctx context.Context, name string) error
	DeleteInstance(ctx context.Context, name string) error
	// FindMessages запрашивает сообщения группы. timestamp передаётся
	// как есть (лестница стратегий сама выбирает единицы), 0 — без фильтра.
	FindMessages(ctx context.Context, name, groupJID string, timestamp int64, limit int) ([]RawMessage, error)
	// RecentMessages — глобальный фолбэк: свежие сообщения инстанса по всем чатам.
	RecentMessages(ctx context.Context, name string, limit int) ([]RawMessage, error)
	// SendText отправляет текст и возвращает идентификатор сообщения шлюза.
	SendText(ctx context.Context, name, remoteJID, text string) (string, error)
	FetchGroups(ctx context.Context, name string) ([]GroupInfo, error)
}

// SummaryRequest — вход генерации резюме одной группы.
type SummaryRequest struct {
	GroupName   string
	Lines       []MessageLine
	Preferences UserPreferences
	Plan        Plan
	WindowLabel string
	Date        time.Time
}

// Summarizer строит текст резюме по строкам активности группы.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// ConnectionRepo управляет строками привязок.
type ConnectionRepo interface {
	// ActiveByUser возвращает строку в статусе connecting или connected.
	ActiveByUser(ctx context.Context, userID int64) (Connection, error)
	ByInstanceName(ctx context.Context, name string) (Connection, error)
	// SweepStaleConnecting переводит в disconnected строки connecting,
	// у которых QR истёк раньше deadline. Возвращает число затронутых строк.
	SweepStaleConnecting(ctx context.Context, userID int64, deadline time.Time) (int, error)
	// DisconnectActive помечает все нетерминальные строки пользователя disconnected.
	DisconnectActive(ctx context.Context, userID int64) error
	CreateConnection(ctx context.Context, conn Connection) (Connection, error)
	UpdateQR(ctx context.Context, id int64, qr string, expiresAt time.Time) error
	SetStatus(ctx context.Context, id int64, status ConnectionStatus) error
	// MarkConnected проставляет connected_at только при переходе в connected.
	MarkConnected(ctx context.Context, id int64, at time.Time) error
}

// ConnectionHistoryRepo хранит аудит архивирования привязок.
type ConnectionHistoryRepo interface {
	RecordConnectionHistory(ctx context.Context, h ConnectionHistory) error
}

// GroupRepo управляет группами пользователя.
type GroupRepo interface {
	ListGroups(ctx context.Context, userID int64) ([]Group, error)
	SelectedGroups(ctx context.Context, userID int64) ([]Group, error)
	UpsertGroups(ctx context.Context, userID int64, groups []Group) error
	// ArchiveMissing архивирует группы, которых больше нет в шлюзе.
	ArchiveMissing(ctx context.Context, userID int64, keepJIDs []string) error
	SetSelected(ctx context.Context, userID int64, groupJID string, selected bool) error
	CountGroups(ctx context.Context, userID int64) (int, error)
}

// SummaryRepo сохраняет резюме.
type SummaryRepo interface {
	// CreateSummary вставляет строку резюме. Возвращает false без ошибки,
	// если резюме этой группы за этот день уже существует.
	CreateSummary(ctx context.Context, s Summary) (Summary, bool, error)
	CountSummaries(ctx context.Context, userID int64) (int, error)
}

// DeliveryRepo обеспечивает at-most-once доставку.
type DeliveryRepo interface {
	// AcquireDelivery занимает слот отправки (summary_id, group_jid).
	// Возвращает false без ошибки, если слот уже занят.
	AcquireDelivery(ctx context.Context, summaryID int64, groupJID string, userID int64) (bool, error)
	FinishDelivery(ctx context.Context, summaryID int64, groupJID string, status DeliveryStatus, gatewayMessageID, errorMessage string) error
}

// ExecutionRepo пишет аудит запусков планировщика.
type ExecutionRepo interface {
	RecordExecution(ctx context.Context, e ScheduledExecution) error
}

// PreferencesRepo читает настройки резюме.
type PreferencesRepo interface {
	PreferencesByUser(ctx context.Context, userID int64) (UserPreferences, error)
	// UsersForHour возвращает пользователей, чей предпочитаемый час равен hour
	// и у которых есть привязка в статусе connected.
	UsersForHour(ctx context.Context, hour int) ([]int64, error)
}

// ProfileRepo управляет флагами профиля.
type ProfileRepo interface {
	ProfileByUser(ctx context.Context, userID int64) (Profile, error)
	SetWhatsAppConnected(ctx context.Context, userID int64, connected bool) error
}

// Cache используется для простых TTL-хранилищ и блокировок.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}

package domain

import "time"

// ConnectionStatus описывает состояние привязки WhatsApp-аккаунта.
type ConnectionStatus string

const (
	// ConnectionConnecting — ожидаем сканирования QR-кода.
	ConnectionConnecting ConnectionStatus = "connecting"
	// ConnectionConnected — сессия активна.
	ConnectionConnected ConnectionStatus = "connected"
	// ConnectionExpired — сессия заархивирована после сбоя.
	ConnectionExpired ConnectionStatus = "expired"
	// ConnectionDisconnected — сессия завершена.
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// ConnectionType различает временные и постоянные привязки.
type ConnectionType string

const (
	// ConnectionTemporary — привязка на один цикл.
	ConnectionTemporary ConnectionType = "temporary"
	// ConnectionPersistent — постоянная привязка.
	ConnectionPersistent ConnectionType = "persistent"
)

// Connection описывает привязку пользователя к инстансу шлюза.
// Инвариант: не более одной строки в статусе connecting/connected на пользователя.
type Connection struct {
	ID              int64
	UserID          int64
	InstanceName    string
	Status          ConnectionStatus
	QRCode          string
	QRCodeExpiresAt time.Time
	ConnectedAt     *time.Time
	ConnectionType  ConnectionType
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// QRValid сообщает, действителен ли сохранённый QR-код на момент now.
func (c Connection) QRValid(now time.Time) bool {
	return c.Status == ConnectionConnecting && c.QRCode != "" && now.Before(c.QRCodeExpiresAt)
}

// Group описывает группу WhatsApp, привязанную к пользователю.
type Group struct {
	ID               int64
	UserID           int64
	GroupJID         string
	Name             string
	IsSelected       bool
	Archived         bool
	ParticipantCount int
	LastActivity     *time.Time
	CreatedAt        time.Time
}

// Summary содержит сгенерированное резюме группы за день.
// Строка неизменяема после записи.
type Summary struct {
	ID           int64
	UserID       int64
	GroupJID     string
	GroupName    string
	SummaryText  string
	MessageCount int
	SummaryDate  time.Time
	CreatedAt    time.Time
}

// DeliveryStatus описывает исход отправки резюме.
type DeliveryStatus string

const (
	// DeliveryPending — слот отправки занят, результат ещё не известен.
	DeliveryPending DeliveryStatus = "pending"
	// DeliverySent — резюме доставлено в группу.
	DeliverySent DeliveryStatus = "sent"
	// DeliveryFailed — отправка завершилась ошибкой.
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery фиксирует попытку отправки резюме в исходную группу.
// Инвариант: уникальность (SummaryID, GroupJID) — гарантия at-most-once.
type Delivery struct {
	ID               int64
	SummaryID        int64
	GroupJID         string
	UserID           int64
	Status           DeliveryStatus
	GatewayMessageID string
	ErrorMessage     string
	SentAt           *time.Time
}

// ScheduledExecution — запись аудита одного запуска планировщика.
type ScheduledExecution struct {
	ID                 int64
	ExecutionTime      time.Time
	Status             string
	UsersProcessed     int
	SummariesGenerated int
	ErrorsCount        int
	Details            []byte
}

// SummaryTone задаёт тональность резюме.
type SummaryTone string

const (
	ToneProfessional SummaryTone = "professional"
	ToneCasual       SummaryTone = "casual"
	ToneFormal       SummaryTone = "formal"
	ToneFriendly     SummaryTone = "friendly"
)

// SummarySize задаёт объём резюме.
type SummarySize string

const (
	SizeShort    SummarySize = "short"
	SizeMedium   SummarySize = "medium"
	SizeLong     SummarySize = "long"
	SizeDetailed SummarySize = "detailed"
)

// UserPreferences — настройки резюме пользователя. Ядро их только читает.
type UserPreferences struct {
	UserID                   int64
	PreferredSummaryTime     string // "HH:MM:SS"
	Timezone                 string
	Tone                     SummaryTone
	Size                     SummarySize
	ThematicFocus            string
	IncludeSentimentAnalysis bool
	ConnectionMode           ConnectionType
	SendSummaryToGroup       bool
}

// PreferredHour возвращает часовую компоненту PreferredSummaryTime.
func (p UserPreferences) PreferredHour() (int, bool) {
	t, err := time.Parse("15:04:05", p.PreferredSummaryTime)
	if err != nil {
		t, err = time.Parse("15:04", p.PreferredSummaryTime)
		if err != nil {
			return 0, false
		}
	}
	return t.Hour(), true
}

// Plan — тариф подписки, влияющий на выбор модели и промпта.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Premium сообщает, даёт ли тариф доступ к старшей модели.
func (p Plan) Premium() bool {
	switch p {
	case PlanPro, PlanPremium, PlanEnterprise:
		return true
	}
	return false
}

// Profile содержит флаги профиля, которые ядро обновляет.
type Profile struct {
	UserID            int64
	Plan              Plan
	WhatsAppConnected bool
}

// ConnectionHistory — аудит архивирования привязки.
type ConnectionHistory struct {
	ID           int64
	UserID       int64
	InstanceName string
	Reason       string
	GroupCount   int
	SummaryCount int
	ArchivedAt   time.Time
}

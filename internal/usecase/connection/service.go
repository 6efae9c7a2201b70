package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/metrics"
)

const (
	// qrTTL — окно действия QR-кода.
	qrTTL = 60 * time.Second
	// sweepGrace — зазор ленивой уборки: connecting-строки, чей QR истёк
	// более чем на этот срок, принудительно переводятся в disconnected
	// в начале каждого запроса привязки (фонового таймера нет).
	sweepGrace = 2 * time.Minute
)

// Состояния шлюза, которые трактуются как connected.
var connectedStates = map[string]struct{}{
	"connected": {},
	"open":      {},
}

// PairingResult — ответ на запрос привязки.
type PairingResult struct {
	Connected    bool      `json:"connected"`
	InstanceName string    `json:"instance_name,omitempty"`
	QRCode       string    `json:"qr_code,omitempty"`
	ExpiresAt    time.Time `json:"qr_code_expires_at,omitzero"`
}

// StatusResult — ответ на опрос состояния.
type StatusResult struct {
	InstanceName string                  `json:"instance_name"`
	Status       domain.ConnectionStatus `json:"status"`
}

// Service реализует машину состояний привязки WhatsApp-аккаунта.
type Service struct {
	connections domain.ConnectionRepo
	history     domain.ConnectionHistoryRepo
	groups      domain.GroupRepo
	summaries   domain.SummaryRepo
	profiles    domain.ProfileRepo
	gateway     domain.Gateway
}

// NewService создаёт сервис привязок.
func NewService(connections domain.ConnectionRepo, history domain.ConnectionHistoryRepo, groups domain.GroupRepo, summaries domain.SummaryRepo, profiles domain.ProfileRepo, gateway domain.Gateway) *Service {
	return &Service{
		connections: connections,
		history:     history,
		groups:      groups,
		summaries:   summaries,
		profiles:    profiles,
		gateway:     gateway,
	}
}

// RequestPairing обрабатывает запрос QR-привязки. Повторный вызов внутри
// окна действия QR возвращает тот же код; шлюз никогда не просят создать
// два конкурентных инстанса для одного пользователя.
func (s *Service) RequestPairing(ctx context.Context, userID int64, connType domain.ConnectionType) (PairingResult, error) {
	now := time.Now().UTC()

	if _, err := s.connections.SweepStaleConnecting(ctx, userID, now.Add(-sweepGrace)); err != nil {
		return PairingResult{}, fmt.Errorf("уборка просроченных привязок: %w", err)
	}

	active, err := s.connections.ActiveByUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrConnectionNotFound):
		return s.createInstance(ctx, userID, connType, now)
	case err != nil:
		return PairingResult{}, fmt.Errorf("получение привязки: %w", err)
	}

	if active.Status == domain.ConnectionConnected {
		metrics.IncPairing("already_connected")
		return PairingResult{Connected: true, InstanceName: active.InstanceName}, nil
	}

	// connecting: действующий QR возвращается без побочных эффектов.
	if active.QRValid(now) {
		metrics.IncPairing("reused")
		return PairingResult{
			InstanceName: active.InstanceName,
			QRCode:       active.QRCode,
			ExpiresAt:    active.QRCodeExpiresAt,
		}, nil
	}

	// QR истёк — пробуем обновить код на том же инстансе.
	qr, err := s.gateway.ConnectInstance(ctx, active.InstanceName)
	switch {
	case err == nil:
		expiresAt := now.Add(qrTTL)
		if err := s.connections.UpdateQR(ctx, active.ID, qr, expiresAt); err != nil {
			return PairingResult{}, fmt.Errorf("сохранение QR: %w", err)
		}
		metrics.IncPairing("refreshed")
		return PairingResult{InstanceName: active.InstanceName, QRCode: qr, ExpiresAt: expiresAt}, nil
	case errors.Is(err, domain.ErrInstanceNotFound):
		// Инстанс исчез на шлюзе — строка терминальна, создаём новую.
		if err := s.connections.SetStatus(ctx, active.ID, domain.ConnectionDisconnected); err != nil {
			return PairingResult{}, fmt.Errorf("закрытие привязки: %w", err)
		}
		return s.createInstance(ctx, userID, connType, now)
	default:
		return PairingResult{}, fmt.Errorf("обновление QR: %w", err)
	}
}

func (s *Service) createInstance(ctx context.Context, userID int64, connType domain.ConnectionType, now time.Time) (PairingResult, error) {
	if err := s.connections.DisconnectActive(ctx, userID); err != nil {
		return PairingResult{}, fmt.Errorf("закрытие прежних привязок: %w", err)
	}

	name := newInstanceName()
	if err := s.gateway.CreateInstance(ctx, name); err != nil {
		return PairingResult{}, fmt.Errorf("создание инстанса: %w", err)
	}
	qr, err := s.gateway.ConnectInstance(ctx, name)
	if err != nil {
		return PairingResult{}, fmt.Errorf("запрос QR: %w", err)
	}

	if connType == "" {
		connType = domain.ConnectionTemporary
	}
	expiresAt := now.Add(qrTTL)
	conn, err := s.connections.CreateConnection(ctx, domain.Connection{
		UserID:          userID,
		InstanceName:    name,
		Status:          domain.ConnectionConnecting,
		QRCode:          qr,
		QRCodeExpiresAt: expiresAt,
		ConnectionType:  connType,
	})
	if err != nil {
		return PairingResult{}, fmt.Errorf("сохранение привязки: %w", err)
	}
	metrics.IncPairing("created")
	return PairingResult{InstanceName: conn.InstanceName, QRCode: qr, ExpiresAt: expiresAt}, nil
}

// PollStatus опрашивает шлюз и синхронизирует строку привязки.
// connected_at проставляется только при переходе в connected.
func (s *Service) PollStatus(ctx context.Context, instanceName string) (StatusResult, error) {
	conn, err := s.connections.ByInstanceName(ctx, instanceName)
	if err != nil {
		return StatusResult{}, fmt.Errorf("получение привязки: %w", err)
	}

	state, err := s.gateway.ConnectionState(ctx, instanceName)
	if err != nil {
		return StatusResult{}, fmt.Errorf("опрос шлюза: %w", err)
	}

	mapped := domain.ConnectionConnecting
	if _, ok := connectedStates[strings.ToLower(state)]; ok {
		mapped = domain.ConnectionConnected
	}

	if mapped != conn.Status {
		if mapped == domain.ConnectionConnected {
			if err := s.connections.MarkConnected(ctx, conn.ID, time.Now().UTC()); err != nil {
				return StatusResult{}, fmt.Errorf("фиксация подключения: %w", err)
			}
			if err := s.profiles.SetWhatsAppConnected(ctx, conn.UserID, true); err != nil {
				return StatusResult{}, fmt.Errorf("обновление профиля: %w", err)
			}
		} else {
			if err := s.connections.SetStatus(ctx, conn.ID, mapped); err != nil {
				return StatusResult{}, fmt.Errorf("обновление статуса: %w", err)
			}
		}
	}

	return StatusResult{InstanceName: instanceName, Status: mapped}, nil
}

// Archive архивирует привязку после сбоя в плановом запуске: пишет аудит
// с количеством групп и резюме, переводит строку в expired и снимает флаг
// профиля. Группы и резюме при этом сохраняются — история не удаляется.
func (s *Service) Archive(ctx context.Context, userID int64, reason string) error {
	active, err := s.connections.ActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("получение привязки: %w", err)
	}

	groupCount, err := s.groups.CountGroups(ctx, userID)
	if err != nil {
		return fmt.Errorf("подсчёт групп: %w", err)
	}
	summaryCount, err := s.summaries.CountSummaries(ctx, userID)
	if err != nil {
		return fmt.Errorf("подсчёт резюме: %w", err)
	}

	if err := s.history.RecordConnectionHistory(ctx, domain.ConnectionHistory{
		UserID:       userID,
		InstanceName: active.InstanceName,
		Reason:       reason,
		GroupCount:   groupCount,
		SummaryCount: summaryCount,
		ArchivedAt:   time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("запись аудита: %w", err)
	}

	if err := s.connections.SetStatus(ctx, active.ID, domain.ConnectionExpired); err != nil {
		return fmt.Errorf("архивирование привязки: %w", err)
	}
	if err := s.profiles.SetWhatsAppConnected(ctx, userID, false); err != nil {
		return fmt.Errorf("обновление профиля: %w", err)
	}
	return nil
}

// Disconnect — явное отключение по запросу пользователя: разлогин и
// удаление инстанса на шлюзе, строка переводится в disconnected.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	active, err := s.connections.ActiveByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("получение привязки: %w", err)
	}

	if err := s.gateway.Logout(ctx, active.InstanceName); err != nil && !errors.Is(err, domain.ErrInstanceNotFound) {
		return fmt.Errorf("разлогин на шлюзе: %w", err)
	}
	if err := s.gateway.DeleteInstance(ctx, active.InstanceName); err != nil && !errors.Is(err, domain.ErrInstanceNotFound) {
		return fmt.Errorf("удаление инстанса: %w", err)
	}

	if err := s.connections.SetStatus(ctx, active.ID, domain.ConnectionDisconnected); err != nil {
		return fmt.Errorf("закрытие привязки: %w", err)
	}
	if err := s.profiles.SetWhatsAppConnected(ctx, userID, false); err != nil {
		return fmt.Errorf("обновление профиля: %w", err)
	}
	return nil
}

// newInstanceName генерирует глобально-уникальное имя инстанса.
func newInstanceName() string {
	return "wa-" + uuid.NewString()
}

package groups

import (
	"context"
	"errors"
	"fmt"

	"wa-summary-bot/internal/domain"
)

// ErrNotConnected возвращается при попытке синхронизации без активной сессии.
var ErrNotConnected = errors.New("у пользователя нет подключённой сессии WhatsApp")

// Service управляет списком групп пользователя.
type Service struct {
	connections domain.ConnectionRepo
	groups      domain.GroupRepo
	gateway     domain.Gateway
}

// NewService создаёт сервис групп.
func NewService(connections domain.ConnectionRepo, groups domain.GroupRepo, gateway domain.Gateway) *Service {
	return &Service{connections: connections, groups: groups, gateway: gateway}
}

// Sync обновляет список групп из шлюза. Группы, исчезнувшие на стороне
// WhatsApp, архивируются вместо удаления: их резюме остаются доступны.
func (s *Service) Sync(ctx context.Context, userID int64) (int, error) {
	conn, err := s.connections.ActiveByUser(ctx, userID)
	if errors.Is(err, domain.ErrConnectionNotFound) {
		return 0, ErrNotConnected
	}
	if err != nil {
		return 0, fmt.Errorf("получение привязки: %w", err)
	}
	if conn.Status != domain.ConnectionConnected {
		return 0, ErrNotConnected
	}

	infos, err := s.gateway.FetchGroups(ctx, conn.InstanceName)
	if err != nil {
		return 0, fmt.Errorf("получение групп из шлюза: %w", err)
	}

	fetched := make([]domain.Group, 0, len(infos))
	keepJIDs := make([]string, 0, len(infos))
	for _, info := range infos {
		fetched = append(fetched, domain.Group{
			UserID:           userID,
			GroupJID:         info.JID,
			Name:             info.Subject,
			ParticipantCount: info.ParticipantCount,
			LastActivity:     info.LastActivity,
		})
		keepJIDs = append(keepJIDs, info.JID)
	}

	if err := s.groups.UpsertGroups(ctx, userID, fetched); err != nil {
		return 0, fmt.Errorf("сохранение групп: %w", err)
	}
	if err := s.groups.ArchiveMissing(ctx, userID, keepJIDs); err != nil {
		return 0, fmt.Errorf("архивирование отсутствующих групп: %w", err)
	}
	return len(fetched), nil
}

// List возвращает неархивированные группы пользователя.
func (s *Service) List(ctx context.Context, userID int64) ([]domain.Group, error) {
	return s.groups.ListGroups(ctx, userID)
}

// SetSelected включает или исключает группу из дневных резюме.
func (s *Service) SetSelected(ctx context.Context, userID int64, groupJID string, selected bool) error {
	return s.groups.SetSelected(ctx, userID, groupJID, selected)
}

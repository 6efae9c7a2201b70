package ingest

import (
	"context"
	"fmt"
	"time"

	"wa-summary-bot/internal/domain"
)

// Fetcher получает сообщения группы через лестницу стратегий. Контракт
// шлюза на единицы timestamp не документирован, поэтому фильтр пробуется
// в секундах, затем в миллисекундах, затем без фильтра и, наконец, через
// глобальную выборку с фильтрацией на клиенте.
type Fetcher struct {
	gateway     domain.Gateway
	fetchLimit  int
	recentLimit int
}

// NewFetcher создаёт Fetcher.
func NewFetcher(gateway domain.Gateway, fetchLimit, recentLimit int) *Fetcher {
	if fetchLimit <= 0 {
		fetchLimit = 500
	}
	if recentLimit <= 0 {
		recentLimit = 1000
	}
	return &Fetcher{gateway: gateway, fetchLimit: fetchLimit, recentLimit: recentLimit}
}

// FetchMessages возвращает сообщения группы не старше since. Ошибка одной
// ступени не прерывает лестницу; ошибка возвращается только если ни одна
// ступень не дала результата и хотя бы одна упала.
func (f *Fetcher) FetchMessages(ctx context.Context, instance, groupJID string, since time.Time) ([]domain.RawMessage, error) {
	var lastErr error

	strategies := []func(context.Context) ([]domain.RawMessage, error){
		func(ctx context.Context) ([]domain.RawMessage, error) {
			return f.gateway.FindMessages(ctx, instance, groupJID, since.Unix(), f.fetchLimit)
		},
		func(ctx context.Context) ([]domain.RawMessage, error) {
			return f.gateway.FindMessages(ctx, instance, groupJID, since.UnixMilli(), f.fetchLimit)
		},
		func(ctx context.Context) ([]domain.RawMessage, error) {
			return f.gateway.FindMessages(ctx, instance, groupJID, 0, f.fetchLimit)
		},
		func(ctx context.Context) ([]domain.RawMessage, error) {
			recent, err := f.gateway.RecentMessages(ctx, instance, f.recentLimit)
			if err != nil {
				return nil, err
			}
			var filtered []domain.RawMessage
			for _, msg := range recent {
				if msg.Key.RemoteJID == groupJID {
					filtered = append(filtered, msg)
				}
			}
			return filtered, nil
		},
	}

	for _, strategy := range strategies {
		messages, err := strategy(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if len(messages) > 0 {
			return messages, nil
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("выборка сообщений группы %s: %w", groupJID, lastErr)
	}
	return nil, nil
}

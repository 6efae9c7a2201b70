package delivery

import (
	"context"
	"fmt"

	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/metrics"
)

// Outcome — итог попытки доставки резюме.
type Outcome string

const (
	// OutcomeSent — резюме отправлено в группу.
	OutcomeSent Outcome = "sent"
	// OutcomeFailed — слот занят, но шлюз вернул ошибку.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped — слот уже занят конкурентом, отправка не выполнялась.
	OutcomeSkipped Outcome = "skipped"
)

// Service доставляет готовые резюме в исходные группы. Дедупликация
// держится на занятии слота (summary_id, group_jid) до обращения к шлюзу:
// при гонке второй участник получает skipped и к шлюзу не ходит.
type Service struct {
	deliveries domain.DeliveryRepo
	gateway    domain.Gateway
}

// NewService создаёт диспетчер доставки.
func NewService(deliveries domain.DeliveryRepo, gateway domain.Gateway) *Service {
	return &Service{deliveries: deliveries, gateway: gateway}
}

// Deliver отправляет резюме в его группу не более одного раза.
func (s *Service) Deliver(ctx context.Context, instance string, sum domain.Summary) (Outcome, error) {
	acquired, err := s.deliveries.AcquireDelivery(ctx, sum.ID, sum.GroupJID, sum.UserID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("занятие слота отправки: %w", err)
	}
	if !acquired {
		metrics.IncDelivery(string(OutcomeSkipped))
		return OutcomeSkipped, nil
	}

	messageID, err := s.gateway.SendText(ctx, instance, sum.GroupJID, composeMessage(sum))
	if err != nil {
		if finishErr := s.deliveries.FinishDelivery(ctx, sum.ID, sum.GroupJID, domain.DeliveryFailed, "", err.Error()); finishErr != nil {
			return OutcomeFailed, fmt.Errorf("фиксация неудачной отправки: %w", finishErr)
		}
		metrics.IncDelivery(string(OutcomeFailed))
		return OutcomeFailed, fmt.Errorf("отправка резюме в группу %s: %w", sum.GroupJID, err)
	}

	if err := s.deliveries.FinishDelivery(ctx, sum.ID, sum.GroupJID, domain.DeliverySent, messageID, ""); err != nil {
		return OutcomeFailed, fmt.Errorf("фиксация отправки: %w", err)
	}
	metrics.IncDelivery(string(OutcomeSent))
	return OutcomeSent, nil
}

// composeMessage собирает текст сообщения для группы. Шаблон фиксирован
// и не зависит от настроек пользователя.
func composeMessage(sum domain.Summary) string {
	return fmt.Sprintf("📋 *Resumo do dia — %s*\n🗓 %s\n\n%s\n\n_Resumo gerado automaticamente_",
		sum.GroupName, sum.SummaryDate.Format("02/01/2006"), sum.SummaryText)
}

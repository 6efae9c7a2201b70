package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/metrics"
	"wa-summary-bot/internal/usecase/delivery"
	"wa-summary-bot/internal/usecase/summary"
)

// lockTTL — время жизни замка часового слота. Меньше часа, чтобы
// зависший запуск не блокировал следующий слот.
const lockTTL = 55 * time.Minute

// SummaryRunner генерирует резюме всех выбранных групп пользователя.
type SummaryRunner interface {
	GenerateForUser(ctx context.Context, userID int64, date time.Time) (summary.RunResult, error)
}

// Deliverer отправляет готовое резюме в его группу.
type Deliverer interface {
	Deliver(ctx context.Context, instance string, sum domain.Summary) (delivery.Outcome, error)
}

// Archiver архивирует привязку, ставшую непригодной.
type Archiver interface {
	Archive(ctx context.Context, userID int64, reason string) error
}

// Service запускает часовые проходы генерации резюме. Часовая стрелка
// считается в фиксированном смещении от UTC без переходов на летнее время.
type Service struct {
	cache       domain.Cache
	preferences domain.PreferencesRepo
	connections domain.ConnectionRepo
	executions  domain.ExecutionRepo
	runner      SummaryRunner
	deliverer   Deliverer
	archiver    Archiver
	utcOffset   int
	log         zerolog.Logger
	now         func() time.Time
}

// NewService создаёт сервис планировщика. utcOffset — смещение локального
// времени продукта от UTC в часах (для Бразилии -3).
func NewService(cache domain.Cache, preferences domain.PreferencesRepo, connections domain.ConnectionRepo, executions domain.ExecutionRepo, runner SummaryRunner, deliverer Deliverer, archiver Archiver, utcOffset int, log zerolog.Logger) *Service {
	return &Service{
		cache:       cache,
		preferences: preferences,
		connections: connections,
		executions:  executions,
		runner:      runner,
		deliverer:   deliverer,
		archiver:    archiver,
		utcOffset:   utcOffset,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// userOutcome — строка аудита по одному пользователю.
type userOutcome struct {
	UserID    int64  `json:"user_id"`
	Generated int    `json:"generated"`
	Delivered int    `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// LocalDate приводит момент к календарному дню продукта: сдвигает t на
// utcOffset часов и возвращает полночь получившегося дня как UTC-время.
// Плановый и ручной запуски считают дату резюме только через эту функцию,
// иначе один местный день распадается на две строки summaries.
func LocalDate(t time.Time, utcOffset int) time.Time {
	local := t.Add(time.Duration(utcOffset) * time.Hour)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// RunHourly обрабатывает текущий часовой слот. Замок в кэше гарантирует,
// что при нескольких репликах планировщика слот выполняется один раз.
func (s *Service) RunHourly(ctx context.Context) error {
	now := s.now()
	local := now.Add(time.Duration(s.utcOffset) * time.Hour)
	hour := local.Hour()
	date := LocalDate(now, s.utcOffset)

	lockKey := fmt.Sprintf("summary_run:%s-%02d", local.Format("2006-01-02"), hour)
	return s.cache.Once(lockKey, lockTTL, func() error {
		return s.runSlot(ctx, hour, date)
	})
}

func (s *Service) runSlot(ctx context.Context, hour int, date time.Time) error {
	metrics.IncSummaryRun("scheduled")

	users, err := s.preferences.UsersForHour(ctx, hour)
	if err != nil {
		return fmt.Errorf("выборка пользователей слота %d: %w", hour, err)
	}
	s.log.Info().Int("hour", hour).Int("users", len(users)).Msg("запуск часового слота")

	var (
		outcomes  []userOutcome
		generated int
		errCount  int
	)
	for _, userID := range users {
		outcome := s.processUser(ctx, userID, date)
		outcomes = append(outcomes, outcome)
		generated += outcome.Generated
		if outcome.Error != "" {
			errCount++
		}
	}

	status := "success"
	if errCount > 0 {
		status = "partial"
	}
	details, _ := json.Marshal(outcomes)
	if err := s.executions.RecordExecution(ctx, domain.ScheduledExecution{
		ExecutionTime:      s.now(),
		Status:             status,
		UsersProcessed:     len(users),
		SummariesGenerated: generated,
		ErrorsCount:        errCount,
		Details:            details,
	}); err != nil {
		return fmt.Errorf("запись аудита запуска: %w", err)
	}
	return nil
}

// processUser выполняет генерацию и доставку для одного пользователя.
// Ошибки содержатся внутри: сбой одного пользователя не трогает остальных.
func (s *Service) processUser(ctx context.Context, userID int64, date time.Time) userOutcome {
	outcome := userOutcome{UserID: userID}

	conn, err := s.connections.ActiveByUser(ctx, userID)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	res, err := s.runner.GenerateForUser(ctx, userID, date)
	outcome.Generated = res.Generated
	if err != nil {
		outcome.Error = err.Error()
		if errors.Is(err, domain.ErrInstanceNotFound) {
			// Инстанс удалён на шлюзе: архивируем привязку, чтобы слот
			// перестал подбирать этого пользователя до новой QR-привязки.
			if archiveErr := s.archiver.Archive(ctx, userID, "instance_not_found"); archiveErr != nil {
				s.log.Error().Err(archiveErr).Int64("user_id", userID).Msg("архивирование привязки не удалось")
			}
		}
		return outcome
	}

	prefs, err := s.preferences.PreferencesByUser(ctx, userID)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if !prefs.SendSummaryToGroup {
		return outcome
	}

	for _, group := range res.Groups {
		if group.Summary == nil {
			continue
		}
		result, err := s.deliverer.Deliver(ctx, conn.InstanceName, *group.Summary)
		if err != nil {
			s.log.Error().Err(err).Str("group_jid", group.GroupJID).Msg("доставка резюме не удалась")
			continue
		}
		if result == delivery.OutcomeSent {
			outcome.Delivered++
		}
	}
	return outcome
}

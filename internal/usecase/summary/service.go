package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/infra/metrics"
	"wa-summary-bot/internal/usecase/ingest"
)

// ErrNotConnected возвращается, если у пользователя нет активной сессии WhatsApp.
var ErrNotConnected = errors.New("у пользователя нет подключённой сессии WhatsApp")

// GroupResult — итог обработки одной группы внутри запуска.
type GroupResult struct {
	GroupJID    string `json:"group_jid"`
	GroupName   string `json:"group_name"`
	Reason      string `json:"reason"`
	WindowLabel string `json:"window,omitempty"`
	TextCount   int    `json:"text_count"`
	SummaryID   int64  `json:"summary_id,omitempty"`
	// Summary — сохранённая строка для последующей доставки. В JSON-ответ
	// не попадает.
	Summary *domain.Summary `json:"-"`
}

// RunResult — итог генерации резюме для одного пользователя.
type RunResult struct {
	UserID    int64         `json:"user_id"`
	Date      time.Time     `json:"date"`
	Groups    []GroupResult `json:"groups"`
	Generated int           `json:"generated"`
	Errors    int           `json:"errors"`
}

// Fetcher выбирает сырые сообщения группы начиная с нижней границы.
type Fetcher interface {
	FetchMessages(ctx context.Context, instance, groupJID string, since time.Time) ([]domain.RawMessage, error)
}

// Service реализует бизнес-логику генерации дневных резюме.
type Service struct {
	connections domain.ConnectionRepo
	groups      domain.GroupRepo
	summaries   domain.SummaryRepo
	preferences domain.PreferencesRepo
	profiles    domain.ProfileRepo
	fetcher     Fetcher
	summarizer  domain.Summarizer
	now         func() time.Time
}

var _ Fetcher = (*ingest.Fetcher)(nil)

// NewService создаёт сервис резюме.
func NewService(connections domain.ConnectionRepo, groups domain.GroupRepo, summaries domain.SummaryRepo, preferences domain.PreferencesRepo, profiles domain.ProfileRepo, fetcher Fetcher, summarizer domain.Summarizer) *Service {
	return &Service{
		connections: connections,
		groups:      groups,
		summaries:   summaries,
		preferences: preferences,
		profiles:    profiles,
		fetcher:     fetcher,
		summarizer:  summarizer,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// GenerateForUser строит резюме всех выбранных групп пользователя за date.
// Сбой одной группы не прерывает остальные; домашняя ошибка возвращается
// только если сессия целиком непригодна (нет привязки либо инстанс удалён
// на шлюзе — второе пробрасывается как domain.ErrInstanceNotFound, чтобы
// плановый запуск мог заархивировать привязку).
func (s *Service) GenerateForUser(ctx context.Context, userID int64, date time.Time) (RunResult, error) {
	result := RunResult{UserID: userID, Date: date}

	conn, err := s.connections.ActiveByUser(ctx, userID)
	if errors.Is(err, domain.ErrConnectionNotFound) {
		return result, ErrNotConnected
	}
	if err != nil {
		return result, fmt.Errorf("получение привязки: %w", err)
	}
	if conn.Status != domain.ConnectionConnected {
		return result, ErrNotConnected
	}

	prefs, err := s.preferences.PreferencesByUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("чтение настроек: %w", err)
	}
	profile, err := s.profiles.ProfileByUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("чтение профиля: %w", err)
	}

	selected, err := s.groups.SelectedGroups(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("чтение выбранных групп: %w", err)
	}

	now := s.now()
	for _, group := range selected {
		gr, err := s.processGroup(ctx, conn.InstanceName, group, prefs, profile.Plan, date, now)
		if err != nil {
			// Инстанс удалён на шлюзе либо отказала БД: дальнейшие группы
			// обречены на тот же исход, прерываем запуск целиком.
			result.Groups = append(result.Groups, gr)
			result.Errors++
			return result, err
		}
		result.Groups = append(result.Groups, gr)
		switch gr.Reason {
		case ingest.ReasonSuccess:
			result.Generated++
		case ingest.ReasonFetchError, ingest.ReasonAIError:
			result.Errors++
		}
		metrics.IncSummaryGroup(gr.Reason)
	}

	return result, nil
}

func (s *Service) processGroup(ctx context.Context, instance string, group domain.Group, prefs domain.UserPreferences, plan domain.Plan, date, now time.Time) (GroupResult, error) {
	gr := GroupResult{GroupJID: group.GroupJID, GroupName: group.Name}

	msgs, err := s.fetcher.FetchMessages(ctx, instance, group.GroupJID, now.Add(-ingest.WidestWindow))
	if err != nil {
		gr.Reason = ingest.ReasonFetchError
		if errors.Is(err, domain.ErrInstanceNotFound) {
			return gr, err
		}
		return gr, nil
	}

	window := ingest.SelectWindow(msgs, now)
	gr.WindowLabel = window.WindowLabel
	gr.TextCount = window.TextCount
	if window.Reason != ingest.ReasonSuccess {
		gr.Reason = window.Reason
		return gr, nil
	}

	start := time.Now()
	text, err := s.summarizer.Summarize(ctx, domain.SummaryRequest{
		GroupName:   group.Name,
		Lines:       window.Lines,
		Preferences: prefs,
		Plan:        plan,
		WindowLabel: window.WindowLabel,
		Date:        date,
	})
	metrics.SummaryBuildSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		gr.Reason = ingest.ReasonAIError
		return gr, nil
	}

	saved, created, err := s.summaries.CreateSummary(ctx, domain.Summary{
		UserID:       group.UserID,
		GroupJID:     group.GroupJID,
		GroupName:    group.Name,
		SummaryText:  text,
		MessageCount: window.TextCount,
		SummaryDate:  date.Truncate(24 * time.Hour),
	})
	if err != nil {
		gr.Reason = ingest.ReasonPersistError
		return gr, fmt.Errorf("сохранение резюме группы %s: %w", group.GroupJID, err)
	}
	if !created {
		gr.Reason = ingest.ReasonAlreadyExists
		return gr, nil
	}

	gr.SummaryID = saved.ID
	gr.Summary = &saved
	gr.Reason = ingest.ReasonSuccess
	return gr, nil
}

package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wa-summary-bot/internal/domain"
	"wa-summary-bot/internal/usecase/delivery"
	"wa-summary-bot/internal/usecase/summary"
)

type stubCache struct {
	keys   map[string]time.Duration
	locked bool
}

func (c *stubCache) Once(key string, ttl time.Duration, fn func() error) error {
	if c.keys == nil {
		c.keys = map[string]time.Duration{}
	}
	if _, exists := c.keys[key]; exists || c.locked {
		return nil
	}
	c.keys[key] = ttl
	return fn()
}

func (c *stubCache) Set(string, []byte, time.Duration) error { return nil }

func (c *stubCache) Get(string) ([]byte, error) { return nil, nil }

type stubPrefsRepo struct {
	users []int64
	prefs map[int64]domain.UserPreferences
}

func (r *stubPrefsRepo) PreferencesByUser(_ context.Context, userID int64) (domain.UserPreferences, error) {
	if p, ok := r.prefs[userID]; ok {
		return p, nil
	}
	return domain.UserPreferences{SendSummaryToGroup: true}, nil
}

func (r *stubPrefsRepo) UsersForHour(context.Context, int) ([]int64, error) {
	return r.users, nil
}

type stubConnRepo struct {
	conns map[int64]domain.Connection
}

func (r *stubConnRepo) ActiveByUser(_ context.Context, userID int64) (domain.Connection, error) {
	conn, ok := r.conns[userID]
	if !ok {
		return domain.Connection{}, domain.ErrConnectionNotFound
	}
	return conn, nil
}

func (r *stubConnRepo) ByInstanceName(context.Context, string) (domain.Connection, error) {
	return domain.Connection{}, domain.ErrConnectionNotFound
}

func (r *stubConnRepo) SweepStaleConnecting(context.Context, int64, time.Time) (int, error) {
	return 0, nil
}

func (r *stubConnRepo) DisconnectActive(context.Context, int64) error { return nil }

func (r *stubConnRepo) CreateConnection(_ context.Context, c domain.Connection) (domain.Connection, error) {
	return c, nil
}

func (r *stubConnRepo) UpdateQR(context.Context, int64, string, time.Time) error { return nil }

func (r *stubConnRepo) SetStatus(context.Context, int64, domain.ConnectionStatus) error { return nil }

func (r *stubConnRepo) MarkConnected(context.Context, int64, time.Time) error { return nil }

type stubExecRepo struct {
	records []domain.ScheduledExecution
}

func (r *stubExecRepo) RecordExecution(_ context.Context, e domain.ScheduledExecution) error {
	r.records = append(r.records, e)
	return nil
}

type stubRunner struct {
	results map[int64]summary.RunResult
	errs    map[int64]error
	calls   []int64
	dates   []time.Time
}

func (r *stubRunner) GenerateForUser(_ context.Context, userID int64, date time.Time) (summary.RunResult, error) {
	r.calls = append(r.calls, userID)
	r.dates = append(r.dates, date)
	return r.results[userID], r.errs[userID]
}

type stubDeliverer struct {
	delivered []domain.Summary
	outcome   delivery.Outcome
}

func (d *stubDeliverer) Deliver(_ context.Context, _ string, sum domain.Summary) (delivery.Outcome, error) {
	d.delivered = append(d.delivered, sum)
	if d.outcome == "" {
		return delivery.OutcomeSent, nil
	}
	return d.outcome, nil
}

type stubArchiver struct {
	archived []int64
	reasons  []string
}

func (a *stubArchiver) Archive(_ context.Context, userID int64, reason string) error {
	a.archived = append(a.archived, userID)
	a.reasons = append(a.reasons, reason)
	return nil
}

func newTestService(cache *stubCache, prefs *stubPrefsRepo, conns *stubConnRepo, execs *stubExecRepo, runner *stubRunner, deliverer *stubDeliverer, archiver *stubArchiver) *Service {
	return NewService(cache, prefs, conns, execs, runner, deliverer, archiver, -3, zerolog.Nop())
}

func connectedUsers(ids ...int64) *stubConnRepo {
	conns := map[int64]domain.Connection{}
	for _, id := range ids {
		conns[id] = domain.Connection{UserID: id, InstanceName: "wa-abc", Status: domain.ConnectionConnected}
	}
	return &stubConnRepo{conns: conns}
}

func summarized(id int64) summary.RunResult {
	sum := domain.Summary{ID: id, UserID: id, GroupJID: "g@g.us", GroupName: "G", SummaryText: "Resumo."}
	return summary.RunResult{
		UserID:    id,
		Generated: 1,
		Groups:    []summary.GroupResult{{GroupJID: "g@g.us", Reason: "success", SummaryID: id, Summary: &sum}},
	}
}

func TestRunHourlyUsesLocalHourWithOffset(t *testing.T) {
	cache := &stubCache{}
	prefs := &stubPrefsRepo{}
	svc := newTestService(cache, prefs, connectedUsers(), &stubExecRepo{}, &stubRunner{}, &stubDeliverer{}, &stubArchiver{})
	// 02:30 UTC при смещении -3 — это 23:30 предыдущего дня.
	svc.now = func() time.Time { return time.Date(2025, 3, 11, 2, 30, 0, 0, time.UTC) }

	if err := svc.RunHourly(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if _, ok := cache.keys["summary_run:2025-03-10-23"]; !ok {
		t.Fatalf("неожиданный ключ замка: %v", cache.keys)
	}
}

func TestLocalDateShiftsToLocalDay(t *testing.T) {
	cases := []struct {
		name   string
		at     time.Time
		offset int
		want   time.Time
	}{
		{
			name:   "раннее утро UTC — ещё вечер предыдущего местного дня",
			at:     time.Date(2026, 8, 31, 1, 0, 0, 0, time.UTC),
			offset: -3,
			want:   time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "местный полдень остаётся в том же дне",
			at:     time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC),
			offset: -3,
			want:   time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:   "положительное смещение переносит вечер UTC на следующий день",
			at:     time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC),
			offset: 3,
			want:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := LocalDate(tc.at, tc.offset); !got.Equal(tc.want) {
				t.Fatalf("ожидали %v, получили %v", tc.want, got)
			}
		})
	}
}

// Один и тот же момент обязан давать одну дату резюме что в часовом
// слоте, что при ручном запуске через LocalDate.
func TestRunHourlyDateMatchesLocalDate(t *testing.T) {
	at := time.Date(2026, 8, 31, 1, 0, 0, 0, time.UTC) // 22:00 накануне по местному
	cache := &stubCache{}
	prefs := &stubPrefsRepo{users: []int64{5}}
	runner := &stubRunner{results: map[int64]summary.RunResult{5: summarized(5)}}
	svc := newTestService(cache, prefs, connectedUsers(5), &stubExecRepo{}, runner, &stubDeliverer{}, &stubArchiver{})
	svc.now = func() time.Time { return at }

	if err := svc.RunHourly(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	want := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	if len(runner.dates) != 1 || !runner.dates[0].Equal(want) {
		t.Fatalf("слот передал дату %v, ожидали %v", runner.dates, want)
	}
	if got := LocalDate(at, -3); !got.Equal(runner.dates[0]) {
		t.Fatalf("ручной путь дал %v, слот — %v", got, runner.dates[0])
	}
}

func TestRunHourlySkipsWhenLocked(t *testing.T) {
	cache := &stubCache{locked: true}
	execs := &stubExecRepo{}
	runner := &stubRunner{}
	prefs := &stubPrefsRepo{users: []int64{5}}
	svc := newTestService(cache, prefs, connectedUsers(5), execs, runner, &stubDeliverer{}, &stubArchiver{})

	if err := svc.RunHourly(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatal("при занятом замке слот не должен выполняться")
	}
	if len(execs.records) != 0 {
		t.Fatal("при занятом замке аудит не пишется")
	}
}

func TestRunHourlyGeneratesAndDelivers(t *testing.T) {
	cache := &stubCache{}
	prefs := &stubPrefsRepo{users: []int64{5, 6}}
	runner := &stubRunner{results: map[int64]summary.RunResult{
		5: summarized(5),
		6: summarized(6),
	}}
	deliverer := &stubDeliverer{}
	execs := &stubExecRepo{}
	svc := newTestService(cache, prefs, connectedUsers(5, 6), execs, runner, deliverer, &stubArchiver{})
	svc.now = func() time.Time { return time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC) }

	if err := svc.RunHourly(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("ожидалось два пользователя, обработано %d", len(runner.calls))
	}
	if len(deliverer.delivered) != 2 {
		t.Fatalf("ожидались две доставки, выполнено %d", len(deliverer.delivered))
	}
	if len(execs.records) != 1 {
		t.Fatalf("ожидалась одна запись аудита, получено %d", len(execs.records))
	}
	rec := execs.records[0]
	if rec.Status != "success" || rec.UsersProcessed != 2 || rec.SummariesGenerated != 2 || rec.ErrorsCount != 0 {
		t.Fatalf("неожиданный аудит: %+v", rec)
	}
}

func TestRunHourlyUserFailureIsContained(t *testing.T) {
	cache := &stubCache{}
	prefs := &stubPrefsRepo{users: []int64{5, 6}}
	runner := &stubRunner{
		results: map[int64]summary.RunResult{6: summarized(6)},
		errs:    map[int64]error{5: errors.New("шлюз недоступен")},
	}
	execs := &stubExecRepo{}
	svc := newTestService(cache, prefs, connectedUsers(5, 6), execs, runner, &stubDeliverer{}, &stubArchiver{})

	if err := svc.RunHourly(context.Background()); err != nil {
		t.Fatalf("сбой пользователя не должен прерывать слот: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("оба пользователя должны быть обработаны: %v", runner.calls)
	}
	rec := execs.records[0]
	if rec.Status != "partial" || rec.ErrorsCount != 1 {
		t.Fatalf("неожиданный аудит: %+v", rec)
	}

	var outcomes []userOutcome
	if err := json.Unmarshal(rec.Details, &outcomes); err != nil {
		t.Fatalf("детали аудита не разбираются: %v", err)
	}
	if len(outcomes) != 2 || outcomes[0].Error == "" || outcomes[1].Error != "" {
		t.Fatalf("неожиданные детали аудита: %+v", outcomes)
	}
}

func TestRunHourlyArchivesLostInstance(t *testing.T) {
	cache := &stubCache{}
	prefs := &stubPrefsRepo{users: []int64{5}}
	runner := &stubRunner{errs: map[int64]error{5: domain.ErrInstanceNotFound}}
	archiver := &stubArchiver{}
	svc := newTestService(cache, prefs, connectedUsers(5), &stubExecRepo{}, runner, &stubDeliverer{}, archiver)

	if err := svc.RunHourly(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(archiver.archived) != 1 || archiver.archived[0] != 5 {
		t.Fatalf("привязка не заархивирована: %v", archiver.archived)
	}
	if archiver.reasons[0] != "instance_not_found" {
		t.Fatalf("неожиданная причина архивирования: %q", archiver.reasons[0])
	}
}

func TestRunHourlyRespectsDeliveryPreference(t *testing.T) {
	cache := &stubCache{}
	prefs := &stubPrefsRepo{
		users: []int64{5},
		prefs: map[int64]domain.UserPreferences{5: {SendSummaryToGroup: false}},
	}
	runner := &stubRunner{results: map[int64]summary.RunResult{5: summarized(5)}}
	deliverer := &stubDeliverer{}
	svc := newTestService(cache, prefs, connectedUsers(5), &stubExecRepo{}, runner, deliverer, &stubArchiver{})

	if err := svc.RunHourly(context.Background()); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if len(deliverer.delivered) != 0 {
		t.Fatal("при выключенной настройке доставка не выполняется")
	}
}

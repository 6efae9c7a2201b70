package groups

import (
	"context"
	"errors"
	"testing"
	"time"

	"wa-summary-bot/internal/domain"
)

type stubConnRepo struct {
	conn domain.Connection
	err  error
}

func (r *stubConnRepo) ActiveByUser(context.Context, int64) (domain.Connection, error) {
	return r.conn, r.err
}

func (r *stubConnRepo) ByInstanceName(context.Context, string) (domain.Connection, error) {
	return r.conn, r.err
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

type stubGroupRepo struct {
	upserted []domain.Group
	kept     []string
	selected map[string]bool
}

func (r *stubGroupRepo) ListGroups(context.Context, int64) ([]domain.Group, error) { return nil, nil }

func (r *stubGroupRepo) SelectedGroups(context.Context, int64) ([]domain.Group, error) {
	return nil, nil
}

func (r *stubGroupRepo) UpsertGroups(_ context.Context, _ int64, groups []domain.Group) error {
	r.upserted = groups
	return nil
}

func (r *stubGroupRepo) ArchiveMissing(_ context.Context, _ int64, keepJIDs []string) error {
	r.kept = keepJIDs
	return nil
}

func (r *stubGroupRepo) SetSelected(_ context.Context, _ int64, jid string, selected bool) error {
	if r.selected == nil {
		r.selected = map[string]bool{}
	}
	r.selected[jid] = selected
	return nil
}

func (r *stubGroupRepo) CountGroups(context.Context, int64) (int, error) {
	return len(r.upserted), nil
}

type stubGateway struct {
	groups []domain.GroupInfo
	err    error
}

func (g *stubGateway) CreateInstance(context.Context, string) error { return nil }

func (g *stubGateway) ConnectInstance(context.Context, string) (string, error) { return "", nil }

func (g *stubGateway) ConnectionState(context.Context, string) (string, error) { return "", nil }

func (g *stubGateway) Logout(context.Context, string) error { return nil }

func (g *stubGateway) DeleteInstance(context.Context, string) error { return nil }

func (g *stubGateway) FindMessages(context.Context, string, string, int64, int) ([]domain.RawMessage, error) {
	return nil, nil
}

func (g *stubGateway) RecentMessages(context.Context, string, int) ([]domain.RawMessage, error) {
	return nil, nil
}

func (g *stubGateway) SendText(context.Context, string, string, string) (string, error) {
	return "", nil
}

func (g *stubGateway) FetchGroups(context.Context, string) ([]domain.GroupInfo, error) {
	return g.groups, g.err
}

func TestSyncUpsertsAndArchives(t *testing.T) {
	conn := &stubConnRepo{conn: domain.Connection{
		UserID:       5,
		InstanceName: "wa-abc",
		Status:       domain.ConnectionConnected,
	}}
	repo := &stubGroupRepo{}
	gw := &stubGateway{groups: []domain.GroupInfo{
		{JID: "a@g.us", Subject: "Família", ParticipantCount: 12},
		{JID: "b@g.us", Subject: "Trabalho", ParticipantCount: 30},
	}}
	svc := NewService(conn, repo, gw)

	count, err := svc.Sync(context.Background(), 5)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if count != 2 {
		t.Fatalf("ожидалось две группы, получено %d", count)
	}
	if len(repo.upserted) != 2 || repo.upserted[0].Name != "Família" {
		t.Fatalf("группы не сохранены: %+v", repo.upserted)
	}
	if len(repo.kept) != 2 || repo.kept[1] != "b@g.us" {
		t.Fatalf("список сохранённых JID неверен: %v", repo.kept)
	}
}

func TestSyncRequiresConnection(t *testing.T) {
	conn := &stubConnRepo{err: domain.ErrConnectionNotFound}
	svc := NewService(conn, &stubGroupRepo{}, &stubGateway{})

	if _, err := svc.Sync(context.Background(), 5); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ожидалась ErrNotConnected, получено: %v", err)
	}
}

func TestSyncEmptyGatewayArchivesAll(t *testing.T) {
	conn := &stubConnRepo{conn: domain.Connection{Status: domain.ConnectionConnected, InstanceName: "wa-abc"}}
	repo := &stubGroupRepo{}
	svc := NewService(conn, repo, &stubGateway{})

	count, err := svc.Sync(context.Background(), 5)
	if err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if count != 0 {
		t.Fatalf("ожидался пустой список, получено %d", count)
	}
	if repo.kept == nil || len(repo.kept) != 0 {
		t.Fatalf("архивирование должно получить пустой список JID: %v", repo.kept)
	}
}

func TestSetSelected(t *testing.T) {
	repo := &stubGroupRepo{}
	svc := NewService(&stubConnRepo{}, repo, &stubGateway{})

	if err := svc.SetSelected(context.Background(), 5, "a@g.us", true); err != nil {
		t.Fatalf("неожиданная ошибка: %v", err)
	}
	if !repo.selected["a@g.us"] {
		t.Fatalf("выбор группы не сохранён: %v", repo.selected)
	}
}

package domain

import (
	"context"
	"time"
)

// SummaryJobCause описывает источник запроса на генерацию.
type SummaryJobCause string

const (
	// SummaryCauseManual — пользователь запросил генерацию вручную.
	SummaryCauseManual SummaryJobCause = "manual"
	// SummaryCauseScheduled — генерация запланирована по расписанию.
	SummaryCauseScheduled SummaryJobCause = "scheduled"
)

// SummaryJob содержит информацию о задаче генерации резюме.
type SummaryJob struct {
	ID          string          `json:"job_id,omitempty"`
	UserID      int64           `json:"user_id"`
	GroupJID    string          `json:"group_jid,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	Cause       SummaryJobCause `json:"cause"`
}

// SummaryQueue описывает очередь задач на генерацию резюме.
type SummaryQueue interface {
	Enqueue(ctx context.Context, job SummaryJob) error
	// Pop блокирующе читает задачу из очереди.
	Pop(ctx context.Context) (SummaryJob, error)
}

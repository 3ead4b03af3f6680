package domain

import (
	"context"
	"time"
)

// FinalizeJobCause описывает источник запроса на фиксацию.
type FinalizeJobCause string

const (
	// FinalizeCauseManual: администратор запросил фиксацию.
	FinalizeCauseManual FinalizeJobCause = "manual"
	// FinalizeCauseScheduled: фиксация запланирована по расписанию.
	FinalizeCauseScheduled FinalizeJobCause = "scheduled"
)

// FinalizeJob содержит информацию о задаче фиксации розыгрыша.
type FinalizeJob struct {
	ID          string           `json:"job_id,omitempty"`
	Date        string           `json:"date"`
	RequestedBy string           `json:"requested_by,omitempty"`
	RequestedAt time.Time        `json:"requested_at"`
	Cause       FinalizeJobCause `json:"cause"`
}

// FinalizeQueue описывает очередь задач фиксации.
type FinalizeQueue interface {
	Enqueue(ctx context.Context, job FinalizeJob) error
	Receive(ctx context.Context) (FinalizeJob, AckFunc, error)
}

// AckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type AckFunc func(success bool) error

// FinalizeJobStatusRepo отслеживает выполнение задач фиксации.
type FinalizeJobStatusRepo interface {
	// EnsureFinalizeJob регистрирует попытку обработки и возвращает признак завершения
	// и номер текущей попытки.
	EnsureFinalizeJob(ctx context.Context, jobID string) (done bool, attempt int, err error)
	// MarkFinalizeJobDone помечает задачу завершённой.
	MarkFinalizeJobDone(ctx context.Context, jobID string, committed int, failed int) error
}

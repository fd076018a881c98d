package model

import (
	"time"

	"github.com/google/uuid"
)

// Page — страница списка. Next — смещение следующей страницы
// или nil, если страница пуста.
type Page[T any] struct {
	Items []T
	Next  *int
}

// NewPage формирует страницу по смещению и полученным элементам.
func NewPage[T any](items []T, offset int) Page[T] {
	if len(items) == 0 {
		return Page[T]{Items: []T{}}
	}
	next := offset + len(items)
	return Page[T]{Items: items, Next: &next}
}

// JobState — состояние пакетной задачи (одна строка на задачу).
// Хранится в таблице job_state.
type JobState struct {
	Job           string
	LastRunAt     *time.Time
	LastSucceeded int
	LastFailed    int
	LastError     *string
	UpdatedAt     time.Time
}

// ItemFailure — сбой обработки одного элемента пакета.
type ItemFailure struct {
	UserUUID uuid.UUID
	Group    string
	Error    string
}

// BatchResult — агрегированный результат пакетной операции.
// Сбой одного элемента не прерывает обработку остальных.
type BatchResult struct {
	Succeeded int
	Failed    int
	Failures  []ItemFailure
	StartedAt time.Time
	// CompletedAt — время завершения пакета
	CompletedAt time.Time
}

// Merge добавляет результат другого пакета.
func (r *BatchResult) Merge(other BatchResult) {
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Failures = append(r.Failures, other.Failures...)
}

// GroupDiff — расхождение групп одного пользователя между
// локальным хранилищем и сервисом идентификации.
type GroupDiff struct {
	UserUUID uuid.UUID
	// Missing — группы, которые есть локально, но нет в профиле
	Missing []string
	// Extra — управляемые группы, которые есть в профиле, но нет локально
	Extra []string
}

// ConsolidationResult — результат консолидации.
type ConsolidationResult struct {
	DryRun bool
	Diffs  []GroupDiff
	BatchResult
}

// ImportResult — результат импорта группы.
type ImportResult struct {
	Group     string
	Curators  BatchResult
	Members   BatchResult
	CreatedAt time.Time
}

// jobs.go — реестр пакетных задач и периодический планировщик.
//
// Каждый запуск задачи записывается в job_state (время, счётчики,
// ошибка) и в метрики gm_batch_*. Планировщик запускает группы задач
// по своим интервалам, как фоновая горутина с ticker.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
)

// Имена пакетных задач (совпадают со строками job_state).
const (
	JobExpireMemberships = "expire-memberships"
	JobFirstWarning      = "first-warning"
	JobSecondWarning     = "second-warning"
	JobExpireInvitations = "expire-invitations"
	JobExpireRequests    = "expire-requests"
	JobConsolidate       = "consolidate"
	JobDeactivateGroups  = "deactivate-groups"
)

// JobFunc — пакетная задача.
type JobFunc func(ctx context.Context, dryRun bool) (model.BatchResult, error)

// JobRunner — реестр пакетных задач с записью состояния.
type JobRunner struct {
	engine *Engine
	jobs   map[string]JobFunc
	locks  map[string]*sync.Mutex
	logger *slog.Logger
}

// NewJobRunner регистрирует все пакетные задачи движка.
func NewJobRunner(engine *Engine, logger *slog.Logger) *JobRunner {
	jr := &JobRunner{
		engine: engine,
		logger: logger.With(slog.String("component", "jobs")),
	}
	jr.jobs = map[string]JobFunc{
		JobExpireMemberships: func(ctx context.Context, _ bool) (model.BatchResult, error) {
			return engine.ExpireMemberships(ctx)
		},
		JobFirstWarning: func(ctx context.Context, _ bool) (model.BatchResult, error) {
			return engine.ExpirationNotification(ctx, FirstWarning)
		},
		JobSecondWarning: func(ctx context.Context, _ bool) (model.BatchResult, error) {
			return engine.ExpirationNotification(ctx, SecondWarning)
		},
		JobExpireInvitations: func(ctx context.Context, _ bool) (model.BatchResult, error) {
			return engine.ExpireInvitations(ctx)
		},
		JobExpireRequests: func(ctx context.Context, _ bool) (model.BatchResult, error) {
			return engine.ExpireRequests(ctx)
		},
		JobConsolidate: func(ctx context.Context, dryRun bool) (model.BatchResult, error) {
			res, err := engine.Consolidate(ctx, dryRun)
			if err != nil {
				return model.BatchResult{}, err
			}
			return res.BatchResult, nil
		},
		JobDeactivateGroups: func(ctx context.Context, _ bool) (model.BatchResult, error) {
			return engine.DeactivateEmpty(ctx)
		},
	}
	jr.locks = make(map[string]*sync.Mutex, len(jr.jobs))
	for name := range jr.jobs {
		jr.locks[name] = &sync.Mutex{}
	}
	return jr
}

// Names возвращает имена задач в алфавитном порядке.
func (jr *JobRunner) Names() []string {
	names := make([]string, 0, len(jr.jobs))
	for name := range jr.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run выполняет задачу и записывает её состояние.
// Одна и та же задача не выполняется параллельно сама с собой.
func (jr *JobRunner) Run(ctx context.Context, name string, dryRun bool) (model.BatchResult, error) {
	job, ok := jr.jobs[name]
	if !ok {
		return model.BatchResult{}, fmt.Errorf("неизвестная задача %q: %w", name, ErrNotFound)
	}

	lock := jr.locks[name]
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	jr.logger.Info("Запуск пакетной задачи", slog.String("job", name), slog.Bool("dry_run", dryRun))

	result, err := job(ctx, dryRun)

	batchDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	batchItems.WithLabelValues(name, "succeeded").Add(float64(result.Succeeded))
	batchItems.WithLabelValues(name, "failed").Add(float64(result.Failed))

	if !dryRun {
		if recErr := jr.engine.store.Repos().Jobs.Record(ctx, name, started.UTC(), result, err); recErr != nil {
			jr.logger.Warn("Ошибка записи состояния задачи",
				slog.String("job", name),
				slog.String("error", recErr.Error()),
			)
		}
	}

	if err != nil {
		jr.logger.Error("Пакетная задача завершилась ошибкой",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
		return result, err
	}
	jr.logger.Info("Пакетная задача завершена",
		slog.String("job", name),
		slog.Int("succeeded", result.Succeeded),
		slog.Int("failed", result.Failed),
		slog.String("duration", time.Since(started).Round(time.Millisecond).String()),
	)
	return result, nil
}

// States возвращает состояние всех задач.
func (jr *JobRunner) States(ctx context.Context) ([]*model.JobState, error) {
	states, err := jr.engine.store.Repos().Jobs.List(ctx)
	if err != nil {
		return nil, storeErr("состояние задач", err)
	}
	return states, nil
}

// Schedule — группа задач с общим интервалом.
type Schedule struct {
	Interval time.Duration
	Jobs     []string
}

// Scheduler периодически запускает задачи.
type Scheduler struct {
	runner    *JobRunner
	schedules []Schedule
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler создаёт планировщик. Расписания с нулевым интервалом пропускаются.
func NewScheduler(runner *JobRunner, schedules []Schedule, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:    runner,
		schedules: schedules,
		logger:    logger.With(slog.String("component", "scheduler")),
	}
}

// Start запускает по горутине на расписание.
// Вызывается один раз при старте приложения.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, sch := range s.schedules {
		if sch.Interval <= 0 || len(sch.Jobs) == 0 {
			continue
		}
		s.wg.Add(1)
		go func(sch Schedule) {
			defer s.wg.Done()

			s.logger.Info("Расписание пакетных задач запущено",
				slog.String("interval", sch.Interval.String()),
				slog.Any("jobs", sch.Jobs),
			)

			ticker := time.NewTicker(sch.Interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, name := range sch.Jobs {
						if ctx.Err() != nil {
							return
						}
						// Ошибка уже залогирована и записана в job_state
						_, _ = s.runner.Run(ctx, name, false)
					}
				}
			}
		}(sch)
	}
}

// Stop останавливает планировщик и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Планировщик пакетных задач остановлен")
}

// metrics.go — Prometheus-метрики движка жизненного цикла.
//
//   - gm_lifecycle_operations_total — операции над членством (по результату)
//   - gm_profile_sync_failures_total — сбои синхронизации профиля
//   - gm_batch_job_duration_seconds — длительность пакетных задач
//   - gm_batch_items_total — обработанные элементы пакетов
package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lifecycleOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gm_lifecycle_operations_total",
		Help: "Количество операций жизненного цикла членства",
	}, []string{"operation", "result"}) // result: ok, sync_error, error

	syncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gm_profile_sync_failures_total",
		Help: "Количество сбоев синхронизации профиля с IdP",
	}, []string{"operation"}) // operation: add, remove

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gm_batch_job_duration_seconds",
		Help:    "Длительность пакетных задач",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 0.05s … ~102s
	}, []string{"job"})

	batchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gm_batch_items_total",
		Help: "Количество элементов, обработанных пакетными задачами",
	}, []string{"job", "result"}) // result: succeeded, failed
)

// observe учитывает результат операции и возвращает err без изменений.
func observe(operation string, err error) error {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrSync) && !errors.Is(err, ErrTransferIncomplete):
		result = "sync_error"
	default:
		result = "error"
	}
	lifecycleOps.WithLabelValues(operation, result).Inc()
	return err
}

// groups-jobs — разовый запуск пакетных задач Groups Module
// (например, из Kubernetes CronJob) без HTTP-сервера.
// Использует ту же конфигурацию GM_*, что и groups-module.
//
// Примеры:
//
//	groups-jobs --list
//	groups-jobs --job expire-memberships --job expire-requests
//	groups-jobs --job consolidate --dry-run
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bigkaa/goartstore/groups-module/internal/config"
	"github.com/bigkaa/goartstore/groups-module/internal/database"
	"github.com/bigkaa/goartstore/groups-module/internal/domain/model"
	"github.com/bigkaa/goartstore/groups-module/internal/keycloak"
	"github.com/bigkaa/goartstore/groups-module/internal/notify"
	"github.com/bigkaa/goartstore/groups-module/internal/repository"
	"github.com/bigkaa/goartstore/groups-module/internal/service"
	"github.com/bigkaa/goartstore/groups-module/internal/syncqueue"
)

// exitPartial — код выхода при частичном сбое пакета.
const exitPartial = 2

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ошибка: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	var (
		jobs   []string
		dryRun bool
		list   bool
	)

	flagSet := pflag.NewFlagSet("groups-jobs", pflag.ContinueOnError)
	flagSet.StringSliceVar(&jobs, "job", nil, "имя задачи (можно повторять или перечислить через запятую)")
	flagSet.BoolVar(&dryRun, "dry-run", false, "только подсчитать затрагиваемые записи, без изменений")
	flagSet.BoolVar(&list, "list", false, "вывести список задач и выйти")
	flagSet.BoolP("help", "h", false, "справка")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return 0, nil
		}
		return 1, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return 0, nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return 1, fmt.Errorf("неожиданный аргумент: %s", args[0])
	}
	if !list && len(jobs) == 0 {
		printHelp(flagSet)
		return 1, errors.New("не указана ни одна задача (--job)")
	}

	cfg, err := config.Load()
	if err != nil {
		return 1, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	logger := config.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, cleanup, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		return 1, err
	}
	defer cleanup()

	if list {
		for _, name := range runner.Names() {
			fmt.Println(name)
		}
		return 0, nil
	}

	code := 0
	enc := json.NewEncoder(os.Stdout)
	for _, name := range jobs {
		result, runErr := runner.Run(ctx, name, dryRun)
		_ = enc.Encode(report(name, dryRun, result, runErr))

		switch {
		case runErr != nil && errors.Is(runErr, service.ErrPartialFailure):
			code = max(code, exitPartial)
		case runErr != nil:
			return 1, fmt.Errorf("задача %s: %w", name, runErr)
		}
		if ctx.Err() != nil {
			return 1, ctx.Err()
		}
	}
	return code, nil
}

// bootstrap собирает зависимости движка: миграции, PostgreSQL, Keycloak,
// NATS и очередь досинхронизации.
func bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.JobRunner, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if err := database.Migrate(cfg, logger); err != nil {
		return nil, cleanup, fmt.Errorf("миграции БД: %w", err)
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, cleanup, fmt.Errorf("подключение к PostgreSQL: %w", err)
	}
	closers = append(closers, pool.Close)

	kcClient := keycloak.New(
		cfg.KeycloakURL,
		cfg.KeycloakRealm,
		cfg.KeycloakClientID,
		cfg.KeycloakClientSecret,
		&http.Client{Timeout: cfg.KeycloakTimeout},
		cfg.KeycloakGroupCacheSize,
		cfg.KeycloakGroupCacheTTL,
		logger,
	)

	nc, err := notify.Connect(cfg.NATSURL, "groups-jobs", logger)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("подключение к NATS: %w", err)
	}
	closers = append(closers, func() { _ = nc.Drain() })

	var heal syncqueue.Queue = syncqueue.NewMemoryQueue()
	if cfg.RedisEnabled() {
		rdb, redisErr := syncqueue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if redisErr != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("подключение к Redis: %w", redisErr)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		heal = syncqueue.NewRedisQueue(rdb, syncqueue.DefaultKey, logger)
	}

	engine := service.NewEngine(
		repository.NewTxRunner(pool),
		kcClient,
		notify.NewSender(nc, cfg.NATSMailSubject, logger),
		heal,
		cfg.BatchConcurrency,
		logger,
	)
	return service.NewJobRunner(engine, logger), cleanup, nil
}

// jobReport — строка JSON-отчёта по одной задаче.
type jobReport struct {
	Job       string        `json:"job"`
	DryRun    bool          `json:"dry_run"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Failures  []failureLine `json:"failures,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type failureLine struct {
	UserUUID string `json:"user_uuid"`
	Group    string `json:"group,omitempty"`
	Error    string `json:"error"`
}

func report(name string, dryRun bool, result model.BatchResult, err error) jobReport {
	rep := jobReport{
		Job:       name,
		DryRun:    dryRun,
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
	}
	for _, f := range result.Failures {
		rep.Failures = append(rep.Failures, failureLine{UserUUID: f.UserUUID.String(), Group: f.Group, Error: f.Error})
	}
	if err != nil {
		rep.Error = err.Error()
	}
	return rep
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `groups-jobs — разовый запуск пакетных задач Groups Module.

Результат каждой задачи печатается в stdout строкой JSON.
Код выхода: 0 — успех, 2 — частичный сбой пакета, 1 — ошибка.

Использование:
  groups-jobs [флаги]

Флаги:
%s`, flagSet.FlagUsages())
}

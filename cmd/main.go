package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"

	"enrollsync/cmd/buildCFG"
	"enrollsync/internal/api/api"
	rabbitReader "enrollsync/internal/consumerWorker"
	"enrollsync/internal/mailer"
	"enrollsync/internal/rabbit"
	"enrollsync/internal/remote"
	"enrollsync/internal/repo"
	"enrollsync/internal/service"
	"enrollsync/internal/session"
	"enrollsync/internal/store"
)

func main() {
	migrateDown := flag.Bool("migrate-down", false, "roll back the postgres cache migrations and exit")
	flag.Parse()

	zlog.Init()
	log := zlog.Logger

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	cfg := config.New()
	if err := cfg.Load("config.yaml", "", ""); err != nil {
		log.Fatal().Msgf("failed to load configuration: %v", err)
	}
	serverCfg := buildCFG.BuildServerConfig(cfg, &log)

	storeCfg, err := buildCFG.BuildStoreConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build store config")
	}
	backend, closeBackend, err := openBackend(cfg, storeCfg, *migrateDown, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local enrollment cache")
	}
	defer closeBackend()
	if *migrateDown {
		return
	}

	remoteCfg, err := buildCFG.BuildRemoteConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build remote config")
	}
	httpClient, err := remote.NewHTTPClient(remoteCfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create events API client")
	}

	sessionCfg := buildCFG.BuildSessionConfig(cfg, &log)
	sessions := session.NewRegistry(
		session.NewTokenParser(sessionCfg.JWTSecret),
		func(token string, onUnauthorized func()) remote.Client {
			return httpClient.WithToken(token, onUnauthorized)
		},
		backend,
		sessionCfg.Session,
		&log,
	)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go sessions.Run(workerCtx, sessionCfg.SweepInterval)

	rabbitCfg, err := buildCFG.BuildRabbitConfig(cfg, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load RabbitMQ config")
	}
	mailerCfg := buildCFG.BuildMailerConfig(cfg, &log)

	var (
		notifier service.Notifier
		reader   *rabbitReader.Reader
	)
	if rabbitCfg.Enabled && mailerCfg.Enabled {
		rmq, err := rabbit.NewRabbit(rabbitCfg.Url, rabbitCfg.Exchange, rabbitCfg.Queue)
		if err != nil {
			log.Fatal().Msgf("failed to connect to RabbitMQ: %v", err)
		}
		defer rmq.Close()

		mail, err := mailer.New(mailerCfg.SMTP, &log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to configure mailer")
		}
		notifier = rmq
		reader = rabbitReader.NewReader(rmq, backend, mail, &log)
		reader.Start(workerCtx)
	} else {
		log.Info().Msg("event reminders disabled")
	}

	serviceInstance := service.NewService(sessions, notifier, service.Options{ReminderLead: rabbitCfg.ReminderLead}, &log)
	app := api.NewRouters(&api.Routers{Service: serviceInstance})

	srv := &http.Server{Addr: ":" + serverCfg.Port, Handler: app}
	serverErrChan := make(chan error, 1)
	go func() {
		log.Info().Msgf("Starting server on %s", serverCfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- fmt.Errorf("failed to start server: %w", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		log.Info().Msgf("Received signal %s. Initiating shutdown...", sig)
	case err := <-serverErrChan:
		log.Error().Msgf("Server error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Msgf("Error shutting down server: %v", err)
	}

	cancelWorkers()
	if reader != nil {
		reader.Stop()
	}
	log.Info().Msg("Shutdown complete")
}

// openBackend opens the configured cache backend. With migrateDown the
// postgres migrations are rolled back instead.
func openBackend(cfg *config.Config, storeCfg buildCFG.StoreConfig, migrateDown bool, log *zerolog.Logger) (store.Backend, func(), error) {
	noop := func() {}
	if migrateDown && storeCfg.Backend != buildCFG.BackendPostgres {
		return nil, noop, fmt.Errorf("-migrate-down needs the postgres store backend")
	}

	switch storeCfg.Backend {
	case buildCFG.BackendFile:
		fb, err := store.NewFileBackend(storeCfg.Dir)
		if err != nil {
			return nil, noop, err
		}
		log.Info().Str("dir", storeCfg.Dir).Msg("local enrollment cache on disk")
		return fb, noop, nil

	case buildCFG.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     storeCfg.Redis.Addr,
			Password: storeCfg.Redis.Password,
			DB:       storeCfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("redis ping failed: %w", err)
		}
		log.Info().Str("addr", storeCfg.Redis.Addr).Msg("local enrollment cache in redis")
		return store.NewRedisBackend(client, storeCfg.Redis.Prefix), func() { _ = client.Close() }, nil

	case buildCFG.BackendPostgres:
		masterDSN, slaveDSNs, poolOptions, err := buildCFG.BuildDBConfig(cfg, log)
		if err != nil {
			return nil, noop, err
		}
		db, err := dbpg.New(masterDSN, slaveDSNs, poolOptions)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to DB: %w", err)
		}
		repository, err := repo.NewRepository(db, log)
		if err != nil {
			return nil, noop, err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return nil, noop, fmt.Errorf("cannot get working directory: %w", err)
		}
		migrationPath := filepath.Join(cwd, "migrations/postgres")
		closeDB := func() { _ = db.Master.Close() }
		if migrateDown {
			return repository, closeDB, repository.MigrateDown(migrationPath)
		}
		if err := repository.MigrateUp(migrationPath); err != nil {
			return nil, closeDB, fmt.Errorf("migration failed: %w", err)
		}
		log.Info().Msg("local enrollment cache in postgres")
		return repository, closeDB, nil

	default:
		log.Info().Msg("local enrollment cache in memory")
		return store.NewMemoryBackend(), noop, nil
	}
}

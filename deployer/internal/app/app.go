// Package app wires the deployer together for one run.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ILLUVRSE/apim-delivery/deployer/internal/apim"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/archive"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/auth"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/config"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/deploy"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/events"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/history"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/lock"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/models"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/report"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/specs"
	"github.com/ILLUVRSE/apim-delivery/deployer/internal/versionset"
)

// Result describes a finished run.
type Result struct {
	Summary    models.Summary
	ReportPath string
	// ArchiveKey is set when the report was uploaded to S3.
	ArchiveKey string
}

// Run authenticates, discovers the batch, and deploys it. A credential failure returns
// before anything is located or dispatched.
func Run(ctx context.Context, cfg config.Config, locator specs.Locator) (Result, error) {
	secret, err := auth.ResolveClientSecret(cfg.KeyringService, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return Result{}, err
	}
	tokens, err := auth.NewClientCredentials(auth.ClientCredentialsConfig{
		LoginURL:     cfg.LoginURL,
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		Scope:        cfg.Scope,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", auth.ErrAuth, err)
	}
	if _, err := tokens.Token(ctx); err != nil {
		return Result{}, err
	}

	units, err := locator.Locate(ctx)
	if err != nil {
		return Result{}, err
	}

	runCtx := ctx
	if cfg.RedisAddr != "" {
		db := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer db.Close()
		var unlock func()
		runCtx, unlock, err = holdServiceLock(ctx, lock.NewRedisLock(db, cfg.ServiceName, cfg.LockTTL))
		if err != nil {
			return Result{}, err
		}
		defer unlock()
	}

	client, err := apim.NewClient(apim.ClientConfig{
		ManagementURL:     cfg.ManagementURL,
		ServiceResourceID: cfg.ServiceResourceID(),
		APIVersion:        cfg.APIVersion,
		Tokens:            tokens,
		Timeout:           cfg.RequestTimeout,
	})
	if err != nil {
		return Result{}, err
	}
	poller := deploy.NewPoller(client, deploy.PollerConfig{
		Interval: cfg.PollInterval,
		Deadline: cfg.PollDeadline,
		MaxPolls: cfg.MaxPolls,
	})
	engine := deploy.NewEngine(
		versionset.NewReconciler(client, nil),
		deploy.NewDispatcher(client, poller, nil),
		deploy.EngineConfig{Workers: cfg.Workers},
	)

	writer, err := report.CreateFileWriter(cfg.ReportPath)
	if err != nil {
		return Result{}, err
	}
	aggCfg := report.AggregatorConfig{RunID: models.NewRunID(), Writer: writer}
	closeSinks := attachSinks(ctx, cfg, &aggCfg)
	defer closeSinks()

	summary, runErr := engine.Run(runCtx, units, report.NewAggregator(aggCfg))
	if err := writer.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close report: %w", err)
	}
	res := Result{Summary: summary, ReportPath: cfg.ReportPath}

	if cfg.ReportS3Bucket != "" {
		arch, err := archive.NewS3Archiver(ctx, cfg.ReportS3Bucket, cfg.ReportS3Prefix)
		if err == nil {
			res.ArchiveKey, err = arch.ArchiveReport(ctx, summary.RunID, cfg.ReportPath, time.Now())
		}
		if err != nil {
			log.Printf("[archive] report not archived: %v", err)
		} else {
			log.Printf("[archive] report uploaded to s3://%s/%s", cfg.ReportS3Bucket, res.ArchiveKey)
		}
	}
	return res, runErr
}

// holdServiceLock takes the service lock and refreshes it every third of its ttl. The
// returned context is cancelled when a refresh fails, so in-flight units stop instead of
// racing a second holder. unlock stops refreshing and releases the lock.
func holdServiceLock(ctx context.Context, l *lock.RedisLock) (context.Context, func(), error) {
	if err := l.Acquire(ctx); err != nil {
		return ctx, nil, err
	}
	runCtx, cancel := context.WithCancel(ctx)
	stop := l.Hold(runCtx, l.TTL()/3, func(err error) {
		log.Printf("[lock] %v; cancelling run", err)
		cancel()
	})
	return runCtx, func() {
		stop()
		cancel()
		if err := l.Release(context.Background()); err != nil {
			log.Printf("[lock] %v", err)
		}
	}, nil
}

// attachSinks opens the configured optional sinks. A sink that cannot be opened is logged
// and skipped; the report file alone is authoritative.
func attachSinks(ctx context.Context, cfg config.Config, aggCfg *report.AggregatorConfig) func() {
	var closers []func()
	if cfg.DatabaseURL != "" {
		db, err := history.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Printf("[history] disabled: %v", err)
		} else {
			store := history.NewPGStore(db, cfg.ServiceName)
			if err := store.EnsureSchema(ctx); err != nil {
				log.Printf("[history] %v", err)
			}
			aggCfg.Store = store
			closers = append(closers, func() { db.Close() })
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Service: cfg.ServiceName,
		})
		if err != nil {
			log.Printf("[events] disabled: %v", err)
		} else {
			aggCfg.Publisher = pub
			closers = append(closers, func() { _ = pub.Close() })
		}
	}
	return func() {
		for _, c := range closers {
			c()
		}
	}
}

// ExitCode maps a run to the process exit status: 0 only when every unit completed or
// hit a conflict.
func ExitCode(res Result, err error) int {
	if err != nil {
		return 1
	}
	if res.Summary.Received == 0 || res.Summary.Failed > 0 {
		return 1
	}
	return 0
}

// Describe turns a fatal run error into the operator-facing message.
func Describe(err error) string {
	switch {
	case errors.Is(err, auth.ErrAuth):
		return fmt.Sprintf("authentication failed, nothing was deployed: %v", err)
	case errors.Is(err, specs.ErrNoSpecs):
		return "no spec files found, nothing to deploy"
	case errors.Is(err, lock.ErrLocked):
		return fmt.Sprintf("another deployment is running against this service: %v", err)
	default:
		return err.Error()
	}
}

// Command ledgerexport writes every product's stock ledger to an XLSX
// workbook, with a summary sheet flagging ledgers that do not replay to the
// stored quantity.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"retailpos/backend/internal/config"
	"retailpos/backend/internal/domain"
	"retailpos/backend/internal/export"
	"retailpos/backend/internal/logging"
	"retailpos/backend/internal/service"
	"retailpos/backend/internal/store"
	pgstore "retailpos/backend/internal/store/postgres"
	sqlitestore "retailpos/backend/internal/store/sqlite"
)

func main() {
	cfg := config.Load()
	out := pflag.StringP("out", "o", "stock-ledger.xlsx", "output workbook path")
	actor := pflag.String("actor", "admin", "username recorded as the reader")
	timeout := pflag.Duration("timeout", time.Minute, "overall export timeout")
	pflag.Parse()

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	summary, err := run(ctx, cfg, *actor, *out, logger)
	if err != nil {
		logger.WithError(err).Fatal("ledger export failed")
	}
	logger.WithFields(logrus.Fields{
		"out":          *out,
		"products":     summary.products,
		"inconsistent": summary.inconsistent,
	}).Info("ledger export written")
	if summary.inconsistent > 0 {
		os.Exit(2)
	}
}

type result struct {
	products     int
	inconsistent int
}

func run(ctx context.Context, cfg config.Config, actor string, out string, logger *logrus.Logger) (result, error) {
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return result{}, err
	}
	defer func() {
		if err := closeRepo(); err != nil {
			logger.WithError(err).Warn("close repository")
		}
	}()

	svc := service.New(repo, nil, nil, 0, logger)
	ctx = service.WithActor(ctx, domain.Actor{Username: actor, Role: domain.RoleAdmin})

	ledgers, err := export.Collect(ctx, svc)
	if err != nil {
		return result{}, err
	}

	f, err := os.Create(out)
	if err != nil {
		return result{}, fmt.Errorf("create %s: %w", out, err)
	}
	if err := export.Write(f, ledgers); err != nil {
		f.Close()
		return result{}, err
	}
	if err := f.Close(); err != nil {
		return result{}, fmt.Errorf("close %s: %w", out, err)
	}

	res := result{products: len(ledgers)}
	for _, l := range ledgers {
		if !l.Replay.Consistent {
			res.inconsistent++
		}
	}
	return res, nil
}

// openRepository opens the durable store the server is configured with. The
// in-memory backend has nothing to export across processes.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg, pg.Close, nil
	case cfg.SQLitePath != "":
		lite, err := sqlitestore.New(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		return lite, lite.Close, nil
	default:
		return nil, nil, errors.New("set DATABASE_URL or SQLITE_PATH to export a ledger")
	}
}

// Command backfill replays stored trips against the active segments of one
// area, or of every ready area with --all.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rossigee/street-coverage/internal/config"
	"github.com/rossigee/street-coverage/internal/coverage"
	"github.com/rossigee/street-coverage/internal/storage"
	"github.com/rossigee/street-coverage/pkg/types"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

// logProgress reports backfill progress through logrus
type logProgress struct {
	areaID string
}

func (l logProgress) UpdateProgress(stage string, percent float64, message string) {
	logrus.WithFields(logrus.Fields{
		"area_id": l.areaID,
		"stage":   stage,
		"percent": fmt.Sprintf("%.1f", percent),
	}).Info(message)
}

func main() {
	var (
		areaID = flag.String("area", "", "area id to backfill")
		all    = flag.Bool("all", false, "backfill every ready area")
		dryRun = flag.Bool("dry-run", false, "report matched segments without writing")
		since  = flag.String("since", "", "only trips driven at or after this RFC3339 time")
		until  = flag.String("until", "", "only trips driven at or before this RFC3339 time")
	)
	flag.Parse()

	_ = godotenv.Load()

	if (*areaID == "") == !*all {
		fmt.Fprintln(os.Stderr, "exactly one of --area or --all is required")
		flag.Usage()
		os.Exit(2)
	}

	opts := coverage.BackfillOptions{DryRun: *dryRun}
	var err error
	if opts.Since, err = parseTime(*since); err != nil {
		logrus.WithError(err).Fatal("Invalid --since")
	}
	if opts.Until, err = parseTime(*until); err != nil {
		logrus.WithError(err).Fatal("Invalid --until")
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open database")
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	areas := []string{*areaID}
	if *all {
		if areas, err = readyAreas(ctx, store); err != nil {
			logrus.WithError(err).Fatal("Failed to list areas")
		}
	}

	svc := coverage.NewService(store, nil, cfg.Coverage, cfg.Backfill)
	failed := 0
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, id := range areas {
		result, err := svc.Backfill(ctx, id, opts, logProgress{areaID: id})
		if err != nil {
			logrus.WithField("area_id", id).WithError(err).Error("Backfill failed")
			failed++
			continue
		}
		if err := enc.Encode(result); err != nil {
			logrus.WithError(err).Warn("Failed to write result")
		}
	}

	if failed > 0 {
		logrus.WithField("failed", failed).Error("Backfill finished with failures")
		os.Exit(1)
	}
}

func parseTime(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func readyAreas(ctx context.Context, store *storage.Store) ([]string, error) {
	list, err := store.ListAreas(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, a := range list {
		if a.AreaVersion > 0 && a.Status == types.AreaReady {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// Package retention deletes postprocessed outputs once they outlive their TTL.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/freakifranky/image-creator/internal/storage"
	"github.com/robfig/cron/v3"
)

type ObjectStore interface {
	ListObjects(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
	RemoveObject(ctx context.Context, objectKey string) error
}

type Config struct {
	Schedule string
	TTL      time.Duration
	// LocalDir is swept when set.
	LocalDir string
	// ObjectPrefix is swept when an object store is configured.
	ObjectPrefix string
}

type Report struct {
	Files   int
	Objects int
	Bytes   int64
}

type Sweeper struct {
	logger  *log.Logger
	cfg     Config
	objects ObjectStore
	cron    *cron.Cron
	now     func() time.Time
	onSweep func(Report)
}

func NewSweeper(logger *log.Logger, cfg Config, objects ObjectStore) (*Sweeper, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("retention ttl must be positive")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@hourly"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[retention] ", log.LstdFlags|log.Lmsgprefix)
	}

	return &Sweeper{
		logger:  logger,
		cfg:     cfg,
		objects: objects,
		cron:    cron.New(),
		now:     time.Now,
	}, nil
}

// OnSweep registers a callback run after every scheduled sweep.
func (s *Sweeper) OnSweep(fn func(Report)) {
	s.onSweep = fn
}

func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		report, err := s.Sweep(ctx)
		if err != nil {
			s.logger.Printf("retention sweep failed err=%v", err)
		}
		s.logger.Printf("retention sweep files=%d objects=%d bytes=%d", report.Files, report.Objects, report.Bytes)
		if s.onSweep != nil {
			s.onSweep(report)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep removes everything older than the TTL once. Errors from one backend do
// not stop the other; the report counts what was actually removed.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	cutoff := s.now().Add(-s.cfg.TTL)

	var (
		report Report
		errs   []error
	)
	if strings.TrimSpace(s.cfg.LocalDir) != "" {
		if err := s.sweepLocal(ctx, cutoff, &report); err != nil {
			errs = append(errs, err)
		}
	}
	if s.objects != nil {
		if err := s.sweepObjects(ctx, cutoff, &report); err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (s *Sweeper) sweepLocal(ctx context.Context, cutoff time.Time, report *Report) error {
	root := s.cfg.LocalDir
	var dirs []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && info.ModTime().Before(cutoff) {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		report.Files++
		report.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("sweep local outputs: %w", err)
	}

	// deepest first; non-empty directories stay
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	return nil
}

func (s *Sweeper) sweepObjects(ctx context.Context, cutoff time.Time, report *Report) error {
	prefix := strings.TrimSuffix(strings.TrimSpace(s.cfg.ObjectPrefix), "/")
	if prefix == "" {
		return errors.New("refusing to sweep objects without a prefix")
	}

	objects, err := s.objects.ListObjects(ctx, prefix+"/")
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if !obj.LastModified.Before(cutoff) {
			continue
		}
		if err := s.objects.RemoveObject(ctx, obj.Key); err != nil {
			return err
		}
		report.Objects++
		report.Bytes += obj.Size
	}
	return nil
}

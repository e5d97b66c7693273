// Package ftrstore persists encoded traces in a SQLite database.
//
// Every operation runs in its own transaction on a pooled connection. The
// database uses write-ahead logging, so readers aren't blocked by a writer,
// and writers retry on lock contention until the configured busy timeout.
package ftrstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/avast/retry-go"
	"github.com/c2h5oh/datasize"
	"github.com/golang/snappy"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config defines the parameters for opening a store.
type Config struct {
	// Path of the database file. Required. Parent directories are created as
	// necessary.
	Path string

	// BusyTimeout bounds how long a write waits for a locked database before
	// failing with ErrTimeout. Optional. By default, the busy timeout is 60s.
	// The minimum is 10ms, and the maximum is 10m.
	BusyTimeout time.Duration

	// MaxBlobSize is the largest encoded trace the store will accept. Larger
	// traces are logged and rejected with ErrTooBig. Optional. By default, the
	// max blob size is 512MB. The minimum is 1KB, and the maximum is 1GB,
	// which is the SQLite default row size limit.
	MaxBlobSize datasize.ByteSize

	// Compression enables snappy compression of new trace blobs. Existing
	// blobs are read correctly regardless of this setting. Optional. By
	// default, blobs are stored uncompressed.
	Compression bool

	// CacheSize enables an in-memory cache of loaded traces with the given
	// capacity. Deletions made by other processes aren't observed by the
	// cache, so it should only be used by a process that owns the database.
	// Optional. By default, there is no cache.
	CacheSize datasize.ByteSize

	// Logger receives warnings, e.g. about rejected traces. Optional. By
	// default, the standard logrus logger is used.
	Logger logrus.FieldLogger

	// Registerer, if set, receives an operation latency histogram. Optional.
	Registerer prometheus.Registerer
}

const (
	busyTimeoutMin = 10 * time.Millisecond
	busyTimeoutDef = 60 * time.Second
	busyTimeoutMax = 10 * time.Minute

	maxBlobSizeMin = 1 * datasize.KB
	maxBlobSizeDef = 512 * datasize.MB
	maxBlobSizeMax = 1 * datasize.GB

	retryDelay = 25 * time.Millisecond
)

func (cfg *Config) normalize() error {
	if cfg.Path == "" {
		return fmt.Errorf("path is required")
	}

	switch {
	case cfg.BusyTimeout <= 0:
		cfg.BusyTimeout = busyTimeoutDef
	case cfg.BusyTimeout < busyTimeoutMin:
		cfg.BusyTimeout = busyTimeoutMin
	case cfg.BusyTimeout > busyTimeoutMax:
		cfg.BusyTimeout = busyTimeoutMax
	}

	switch {
	case cfg.MaxBlobSize <= 0:
		cfg.MaxBlobSize = maxBlobSizeDef
	case cfg.MaxBlobSize < maxBlobSizeMin:
		cfg.MaxBlobSize = maxBlobSizeMin
	case cfg.MaxBlobSize > maxBlobSizeMax:
		cfg.MaxBlobSize = maxBlobSizeMax
	}

	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	return nil
}

// Store is a file-backed table of encoded traces, keyed by trace ID.
type Store struct {
	db          *sqlx.DB
	path        string
	busyTimeout time.Duration
	maxBlobSize datasize.ByteSize
	compression bool
	cache       *fastcache.Cache
	logger      logrus.FieldLogger
	latency     *prometheus.HistogramVec
}

// Open the store described by cfg, creating the database and its schema as
// necessary.
func Open(cfg Config) (*Store, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_synchronous", "NORMAL")
	params.Set("_busy_timeout", strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	params.Set("_txlock", "immediate")

	db, err := sqlx.Open("sqlite3", cfg.Path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:          db,
		path:        cfg.Path,
		busyTimeout: cfg.BusyTimeout,
		maxBlobSize: cfg.MaxBlobSize,
		compression: cfg.Compression,
		logger:      cfg.Logger.WithField("component", "ftrstore"),
	}

	if cfg.CacheSize > 0 {
		s.cache = fastcache.New(int(cfg.CacheSize.Bytes()))
	}

	if cfg.Registerer != nil {
		latency, err := registerLatency(cfg.Registerer)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.latency = latency
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Path returns the path of the database file.
func (s *Store) Path() string {
	return s.path
}

// Close the store.
func (s *Store) Close() error {
	if s.cache != nil {
		s.cache.Reset()
	}
	return s.db.Close()
}

//
//
//

// write runs fn in a transaction, retrying while the database is locked.
func (s *Store) write(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	return s.retry(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// retry calls fn until it succeeds, fails with an error other than a locked
// database, or the busy timeout elapses.
func (s *Store) retry(ctx context.Context, op string, fn func(ctx context.Context) error) (err error) {
	defer s.observe(op, time.Now(), &err)

	busyCtx, cancel := context.WithTimeout(ctx, s.busyTimeout)
	defer cancel()

	err = retry.Do(
		func() error { return fn(busyCtx) },
		retry.Context(busyCtx),
		retry.RetryIf(isBusy),
		retry.Attempts(uint(s.busyTimeout/retryDelay)+1),
		retry.Delay(retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case isBusy(err), busyCtx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	default:
		return err
	}
}

func (s *Store) observe(op string, begin time.Time, errp *error) {
	if s.latency == nil {
		return
	}
	result := "success"
	if *errp != nil {
		result = "error"
	}
	s.latency.WithLabelValues(op, result).Observe(time.Since(begin).Seconds())
}

func registerLatency(r prometheus.Registerer) (*prometheus.HistogramVec, error) {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ftr",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency of trace store operations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"op", "result"})

	if err := r.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		h = existing
	}

	return h, nil
}

//
//
//

const timeFormat = "2006-01-02 15:04:05.000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.ParseInLocation(timeFormat, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

const (
	compressionNone   = ""
	compressionSnappy = "snappy"
)

func (s *Store) decompress(id string, data []byte, compression string) ([]byte, error) {
	switch compression {
	case compressionNone:
		return data, nil
	case compressionSnappy:
		res, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%s: decompress: %w", id, err)
		}
		return res, nil
	default:
		return nil, fmt.Errorf("%s: unknown compression %q", id, compression)
	}
}

func (s *Store) cacheGet(id string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	data := s.cache.GetBig(nil, []byte(id))
	return data, len(data) > 0
}

func (s *Store) cachePut(id string, data []byte) {
	if s.cache == nil {
		return
	}
	s.cache.SetBig([]byte(id), data)
}

func (s *Store) cacheDel(ids ...string) {
	if s.cache == nil {
		return
	}
	for _, id := range ids {
		s.cache.Del([]byte(id))
	}
}

package ftrstore_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/peterbourgon/ftr/ftrstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

func newStore(t *testing.T, cfg ftrstore.Config) *ftrstore.Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "db", "traces.sqlite3")
	}
	if cfg.Logger == nil {
		logger, _ := test.NewNullLogger()
		cfg.Logger = logger
	}
	s, err := ftrstore.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func listIDs(t *testing.T, s *ftrstore.Store, req ftrstore.ListRequest) []string {
	t.Helper()
	infos, err := s.List(context.Background(), req)
	require.NoError(t, err)
	ids := []string{}
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	return ids
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, ftrstore.Config{})

	require.NoError(t, s.Save(ctx, "trc_1", []byte("hello")))

	data, err := s.Load(ctx, "trc_1")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = s.Load(ctx, "trc_missing")
	require.ErrorIs(t, err, ftrstore.ErrNotFound)

	require.Error(t, s.Save(ctx, "", []byte("x")))
}

func TestSaveDuplicate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, ftrstore.Config{})

	require.NoError(t, s.Save(ctx, "trc_1", []byte("first")))
	require.ErrorIs(t, s.Save(ctx, "trc_1", []byte("second")), ftrstore.ErrConflict)
	require.NoError(t, s.Save(ctx, "trc_1", []byte("third"), ftrstore.IgnoreDuplicate()))

	data, err := s.Load(ctx, "trc_1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)
}

func TestList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, ftrstore.Config{})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"trc_a", "trc_b", "trc_c"} {
		require.NoError(t, s.Save(ctx, id, []byte(id), ftrstore.WithCreatedAt(base.Add(time.Duration(i)*time.Second))))
	}

	require.Equal(t, []string{"trc_c", "trc_b", "trc_a"}, listIDs(t, s, ftrstore.ListRequest{}))
	require.Equal(t, []string{"trc_a", "trc_b", "trc_c"}, listIDs(t, s, ftrstore.ListRequest{Oldest: true}))
	require.Equal(t, []string{"trc_c", "trc_b"}, listIDs(t, s, ftrstore.ListRequest{Limit: 2}))

	infos, err := s.List(ctx, ftrstore.ListRequest{Limit: 1, WithData: true})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, []byte("trc_c"), infos[0].Data)
	require.Equal(t, int64(len("trc_c")), infos[0].Size)
	require.True(t, infos[0].CreatedAt.Equal(base.Add(2*time.Second)), "created at %s", infos[0].CreatedAt)

	infos, err = s.List(ctx, ftrstore.ListRequest{})
	require.NoError(t, err)
	require.Nil(t, infos[0].Data)
}

func TestPinUnpin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, ftrstore.Config{})

	require.NoError(t, s.Save(ctx, "trc_1", []byte("1")))
	require.NoError(t, s.Save(ctx, "trc_2", []byte("2")))

	for i := 0; i < 2; i++ {
		ok, err := s.Pin(ctx, "trc_1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []string{"trc_1"}, listIDs(t, s, ftrstore.ListRequest{PinnedOnly: true}))
	}

	ok, err := s.Pin(ctx, "trc_missing")
	require.NoError(t, err)
	require.False(t, ok)

	for i := 0; i < 2; i++ {
		ok, err := s.Unpin(ctx, "trc_1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, listIDs(t, s, ftrstore.ListRequest{PinnedOnly: true}))
	}

	ok, err = s.Unpin(ctx, "trc_missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteByIDs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, ftrstore.Config{CacheSize: 1 * datasize.MB})

	for _, id := range []string{"trc_1", "trc_2", "trc_3"} {
		require.NoError(t, s.Save(ctx, id, []byte(id)))
		_, err := s.Load(ctx, id) // populate the cache
		require.NoError(t, err)
	}

	n, err := s.DeleteByIDs(ctx, "trc_1", "trc_3", "trc_missing")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"trc_2"}, listIDs(t, s, ftrstore.ListRequest{}))

	_, err = s.Load(ctx, "trc_1")
	require.ErrorIs(t, err, ftrstore.ErrNotFound)

	_, err = s.DeleteByIDs(ctx, "trc_missing")
	require.ErrorIs(t, err, ftrstore.ErrNotFound)

	n, err = s.DeleteByIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDeleteOlderThanSubMillisecond(t *testing.T) {
	t.Parallel()

	var (
		ctx     = context.Background()
		s       = newStore(t, ftrstore.Config{})
		created = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	)
	require.NoError(t, s.Save(ctx, "trc_1", []byte("x"), ftrstore.WithCreatedAt(created)))

	n, err := s.DeleteOlderThan(ctx, created)
	require.NoError(t, err)
	require.Equal(t, 0, n, "created_at equal to the cutoff")

	n, err = s.DeleteOlderThan(ctx, created.Add(500*time.Microsecond))
	require.NoError(t, err)
	require.Equal(t, 1, n, "created_at half a millisecond before the cutoff")
}

func TestDeleteOlderThan(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	iteration := 0

	rapid.Check(t, func(rt *rapid.T) {
		iteration++

		ctx := context.Background()
		logger, _ := test.NewNullLogger()
		s, err := ftrstore.Open(ftrstore.Config{Path: filepath.Join(dir, fmt.Sprintf("%d.sqlite3", iteration)), Logger: logger})
		if err != nil {
			rt.Fatalf("Open: %v", err)
		}
		defer s.Close()

		var (
			base    = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
			offsets = rapid.SliceOfN(rapid.IntRange(0, 10_000), 0, 20).Draw(rt, "offsets")
			cutoff  = base.Add(time.Duration(rapid.IntRange(0, 10_000).Draw(rt, "cutoff")) * time.Microsecond)
			keep    = []string{}
			want    = 0
		)

		for i, us := range offsets {
			id := fmt.Sprintf("trc_%03d", i)
			createdAt := base.Add(time.Duration(us) * time.Microsecond)
			if err := s.Save(ctx, id, []byte(id), ftrstore.WithCreatedAt(createdAt), ftrstore.WithPinned()); err != nil {
				rt.Fatalf("Save: %v", err)
			}
			if createdAt.Truncate(time.Millisecond).Before(cutoff) {
				want++
			} else {
				keep = append(keep, id)
			}
		}

		have, err := s.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			rt.Fatalf("DeleteOlderThan: %v", err)
		}
		if have != want {
			rt.Fatalf("deleted before %s: want %d, have %d", cutoff.Format(time.RFC3339Nano), want, have)
		}

		infos, err := s.List(ctx, ftrstore.ListRequest{Oldest: true})
		if err != nil {
			rt.Fatalf("List: %v", err)
		}
		remaining := []string{}
		for _, info := range infos {
			remaining = append(remaining, info.ID)
		}
		sort.Strings(keep)
		if fmt.Sprint(remaining) != fmt.Sprint(keep) {
			rt.Fatalf("remaining: want %v, have %v", keep, remaining)
		}
	})
}

func TestTooBig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger, hook := test.NewNullLogger()
	s := newStore(t, ftrstore.Config{MaxBlobSize: 1 * datasize.KB, Logger: logger})

	err := s.Save(ctx, "trc_big", make([]byte, 2048))
	require.ErrorIs(t, err, ftrstore.ErrTooBig)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, logrus.WarnLevel, entry.Level)
	require.Equal(t, "trc_big", entry.Data["trace_id"])

	_, err = s.Load(ctx, "trc_big")
	require.ErrorIs(t, err, ftrstore.ErrNotFound)
}

func TestCompression(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "traces.sqlite3")
	payload := []byte(fmt.Sprintf("%01000d", 0))

	compressed := newStore(t, ftrstore.Config{Path: path, Compression: true})
	require.NoError(t, compressed.Save(ctx, "trc_1", payload))

	infos, err := compressed.List(ctx, ftrstore.ListRequest{WithData: true})
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Less(t, infos[0].Size, int64(len(payload)))
	require.Equal(t, payload, infos[0].Data)

	plain := newStore(t, ftrstore.Config{Path: path})
	data, err := plain.Load(ctx, "trc_1")
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestConcurrentSaves(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, ftrstore.Config{})

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 10; i++ {
				if err := s.Save(ctx, fmt.Sprintf("trc_%d_%02d", w, i), []byte("x")); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	infos, err := s.List(ctx, ftrstore.ListRequest{})
	require.NoError(t, err)
	require.Len(t, infos, 80)
}

func TestBusyTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "traces.sqlite3")
	s := newStore(t, ftrstore.Config{Path: path, BusyTimeout: 100 * time.Millisecond})

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ExecContext(ctx, `BEGIN IMMEDIATE`)
	require.NoError(t, err)

	err = s.Save(ctx, "trc_1", []byte("x"))
	require.ErrorIs(t, err, ftrstore.ErrTimeout)

	_, err = conn.ExecContext(ctx, `ROLLBACK`)
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "trc_1", []byte("x")))
}

func TestMigrateLegacySchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "traces.sqlite3")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `CREATE TABLE traces (id TEXT PRIMARY KEY, created_at TEXT, msgpack BLOB)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO traces (id, created_at, msgpack) VALUES ('trc_old', '2023-01-01 00:00:00.000', x'c0')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s := newStore(t, ftrstore.Config{Path: path})

	ok, err := s.Pin(ctx, "trc_old")
	require.NoError(t, err)
	require.True(t, ok)

	data, err := s.Load(ctx, "trc_old")
	require.NoError(t, err)
	require.Equal(t, []byte{0xc0}, data)
}

func TestVacuum(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newStore(t, ftrstore.Config{})

	require.NoError(t, s.Save(ctx, "trc_1", make([]byte, 64*1024)))
	_, err := s.DeleteByIDs(ctx, "trc_1")
	require.NoError(t, err)
	require.NoError(t, s.Vacuum(ctx))
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	s := newStore(t, ftrstore.Config{Registerer: reg})

	require.NoError(t, s.Save(ctx, "trc_1", []byte("x")))

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "ftr_store_operation_duration_seconds" {
			found = true
		}
	}
	require.True(t, found)

	// A second store on the same registry reuses the histogram.
	newStore(t, ftrstore.Config{Registerer: reg})
}

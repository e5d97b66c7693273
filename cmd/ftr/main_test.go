package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/peterbourgon/ftr"
	"github.com/peterbourgon/ftr/ftrstore"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestListShow(t *testing.T) {
	db := filepath.Join(t.TempDir(), "db.sqlite3")
	first := capture(t, db, "first")
	second := capture(t, db, "second")

	stdout, _, err := runCmd(t, "list", "--db", db, "--names", "-o", "ndjson")
	if err != nil {
		t.Fatal(err)
	}

	var items []listItem
	sc := bufio.NewScanner(strings.NewReader(stdout))
	for sc.Scan() {
		var item listItem
		if err := json.Unmarshal(sc.Bytes(), &item); err != nil {
			t.Fatalf("%s: %v", sc.Text(), err)
		}
		items = append(items, item)
	}

	if want, have := 2, len(items); want != have {
		t.Fatalf("items: want %d, have %d", want, have)
	}
	if want, have := second, items[0].ID; want != have {
		t.Errorf("newest: want %s, have %s", want, have)
	}
	if want, have := "second", items[0].Name; want != have {
		t.Errorf("newest name: want %s, have %s", want, have)
	}
	if want, have := first, items[1].ID; want != have {
		t.Errorf("oldest: want %s, have %s", want, have)
	}

	stdout, _, err = runCmd(t, "show", "--db", db, "--locals", first)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"trace    " + first,
		"name     first",
		"call   main.f  [/app/main.go:10]",
		"return main.f",
		"x = 1",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("show output doesn't contain %q\n%s", want, stdout)
		}
	}

	stdout, _, err = runCmd(t, "show", "--db", db, "-o", "ndjson", second)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(stdout), &doc); err != nil {
		t.Fatal(err)
	}
	if want, have := second, doc["trace_id"]; want != have {
		t.Errorf("trace_id: want %v, have %v", want, have)
	}
}

func TestShowMissing(t *testing.T) {
	db := filepath.Join(t.TempDir(), "db.sqlite3")

	_, _, err := runCmd(t, "show", "--db", db, "trc_missing")
	if want, have := ftrstore.ErrNotFound, err; !errors.Is(have, want) {
		t.Errorf("want %v, have %v", want, have)
	}

	if _, _, err := runCmd(t, "show", "--db", db); err == nil {
		t.Errorf("show without ID: want error, have none")
	}
}

func TestPinDelete(t *testing.T) {
	db := filepath.Join(t.TempDir(), "db.sqlite3")
	first := capture(t, db, "first")
	second := capture(t, db, "second")

	stdout, _, err := runCmd(t, "pin", "--db", db, first)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "pinned "+first+"\n", stdout; want != have {
		t.Errorf("pin: want %q, have %q", want, have)
	}

	if _, _, err := runCmd(t, "pin", "--db", db, "trc_missing"); !errors.Is(err, ftrstore.ErrNotFound) {
		t.Errorf("pin missing: want %v, have %v", ftrstore.ErrNotFound, err)
	}

	stdout, _, err = runCmd(t, "list", "--db", db, "--pinned")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stdout, first) || strings.Contains(stdout, second) {
		t.Errorf("list --pinned: want only %s, have\n%s", first, stdout)
	}

	stdout, _, err = runCmd(t, "unpin", "--db", db, first)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "unpinned "+first+"\n", stdout; want != have {
		t.Errorf("unpin: want %q, have %q", want, have)
	}

	stdout, _, err = runCmd(t, "delete", "--db", db, second)
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "deleted 1 trace(s)\n", stdout; want != have {
		t.Errorf("delete by ID: want %q, have %q", want, have)
	}

	stdout, _, err = runCmd(t, "delete", "--db", db, "--old")
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "deleted 0 trace(s) created before", stdout; !strings.HasPrefix(have, want) {
		t.Errorf("delete --old: want %q, have %q", want, have)
	}

	stdout, _, err = runCmd(t, "delete", "--db", db, "--old", "--before", "2999-01-01T00:00:00Z", "--vacuum")
	if err != nil {
		t.Fatal(err)
	}
	if want, have := "deleted 1 trace(s) created before 2999-01-01T00:00:00Z\n", stdout; want != have {
		t.Errorf("delete before 2999: want %q, have %q", want, have)
	}

	stdout, _, err = runCmd(t, "list", "--db", db)
	if err != nil {
		t.Fatal(err)
	}
	if stdout != "" {
		t.Errorf("list after deletes: want nothing, have\n%s", stdout)
	}
}

func TestDeleteFlags(t *testing.T) {
	db := filepath.Join(t.TempDir(), "db.sqlite3")

	for _, args := range [][]string{
		{"delete", "--db", db},
		{"delete", "--db", db, "--before", "2000-01-01T00:00:00Z"},
		{"delete", "--db", db, "--old", "--before", "yesterday"},
		{"delete", "--db", db, "--old", "trc_x"},
	} {
		if _, _, err := runCmd(t, args...); err == nil {
			t.Errorf("%v: want error, have none", args)
		}
	}
}

func TestStoreConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ftr.yaml")
	if err := os.WriteFile(file, []byte("sqlite_busy_timeout: 5s\nmax_trace_size: 64MB\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger, _ := test.NewNullLogger()
	cfg := &rootConfig{dbPath: filepath.Join(dir, "db.sqlite3"), configFile: file, logger: logger}
	if err := cfg.loadConfigFile(); err != nil {
		t.Fatal(err)
	}

	sc := cfg.storeConfig()
	if want, have := cfg.dbPath, sc.Path; want != have {
		t.Errorf("path: want %q, have %q", want, have)
	}
	if want, have := 5*time.Second, sc.BusyTimeout; want != have {
		t.Errorf("busy timeout: want %s, have %s", want, have)
	}
	if want, have := 64*datasize.MB, sc.MaxBlobSize; want != have {
		t.Errorf("max blob size: want %s, have %s", want, have)
	}

	cfg.busyTimeout = 2 * time.Second
	if want, have := 2*time.Second, cfg.storeConfig().BusyTimeout; want != have {
		t.Errorf("explicit busy timeout: want %s, have %s", want, have)
	}
}

func TestUnknownFlag(t *testing.T) {
	db := filepath.Join(t.TempDir(), "db.sqlite3")
	if _, _, err := runCmd(t, "list", "--db", db, "--compress"); err == nil {
		t.Errorf("--compress: want error, have none")
	}
}

func TestHelp(t *testing.T) {
	_, stderr, err := runCmd(t, "--help")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"list", "show", "delete", "pin", "unpin", "vacuum", "tail"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("help doesn't mention %q", want)
		}
	}
}

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{args[0], "--log", "none"}, args[1:]...)
	err := exec(context.Background(), strings.NewReader(""), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

// capture records a small trace into the database, and returns its ID.
func capture(t *testing.T, db, name string) string {
	t.Helper()

	store, err := ftrstore.Open(ftrstore.Config{Path: db})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	logger, _ := test.NewNullLogger()
	thread := &ftr.Thread{NativeID: 1, Name: "main"}
	h, err := ftr.Enable(store, ftr.Config{}, "ftr-test", ftr.WithOwner(thread), ftr.WithName(name), ftr.WithLogger(logger))
	if err != nil {
		t.Fatal(err)
	}

	var (
		m = h.Monitor()
		f = ftr.Code{Filename: "/app/main.go", Name: "f", QualName: "main.f"}
		s = ftr.NewScope(10, map[string]any{"x": 1})
	)
	m.Call(thread, f, s)
	m.Return(thread, f, s.At(11), nil)

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	saved := h.Saved()
	if len(saved) != 1 || saved[0].Err != nil {
		t.Fatalf("capture %s: unexpected save results %+v", name, saved)
	}
	return saved[0].TraceID
}

package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/Skipper-116/cdr-automated/internal/parser/sqldump"
	"github.com/Skipper-116/cdr-automated/internal/properties"
	"github.com/Skipper-116/cdr-automated/internal/quarantine"
	"github.com/Skipper-116/cdr-automated/internal/storage"
	_ "github.com/Skipper-116/cdr-automated/internal/storage/sqlite"
	"github.com/Skipper-116/cdr-automated/internal/watcher"
)

/*
Package-level test helpers
*/

const schema = `
CREATE TABLE global_properties (property TEXT, property_value TEXT);
CREATE TABLE location (id TEXT, name TEXT);
CREATE TABLE obs (site_id TEXT NOT NULL, a TEXT, b TEXT, PRIMARY KEY (site_id, a));
`

const acceptedProps = "CREATE TABLE `global_properties` (\n" +
	"('property_name_1','expected_value_1'),\n" +
	"('property_name_2','expected_value_2')\n" +
	");\n"

// env is one test fixture: a watch dir, a quarantine dir and a sqlite
// destination with the schema applied.
type env struct {
	watch  string
	dbPath string
	qdir   string
	done   string
	db     *sql.DB
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{
		watch:  filepath.Join(root, "in"),
		qdir:   filepath.Join(root, "in", "failed"),
		done:   filepath.Join(root, "in", "loaded"),
		dbPath: filepath.Join(root, "cdr.db"),
	}
	if err := os.MkdirAll(e.watch, 0o755); err != nil {
		t.Fatal(err)
	}
	db, err := sql.Open("sqlite", e.dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	e.db = db
	return e
}

func (e *env) options() Options {
	return Options{
		Workers:    2,
		Storage:    storage.Config{Kind: "sqlite", DSN: e.dbPath},
		Loader:     storage.Loader{CheckpointEvery: 2, FlushAfter: 2},
		Scoped:     map[string]bool{"obs": true},
		SiteID:     "site42",
		Expected:   properties.DefaultExpected(),
		Quarantine: quarantine.Dir{Path: e.qdir},
		Done:       quarantine.Dir{Path: e.done},
		Parse:      sqldump.Options{Workers: 2, SegmentBytes: 1},
		Job:        "test",
	}
}

// writeDump gzips body into the watch dir under name.
func (e *env) writeDump(t *testing.T, name, body string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(body)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(e.watch, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (e *env) rows(t *testing.T, query string) [][]string {
	t.Helper()
	rows, err := e.db.Query(query)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer rows.Close()
	cols, _ := rows.Columns()
	var out [][]string
	for rows.Next() {
		vals := make([]string, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, vals)
	}
	return out
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

/*
End-to-end scenarios
*/

// TestProcess_ScenarioA loads a dump with the expected properties and one
// non-scoped table verbatim.
func TestProcess_ScenarioA(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_a.sql.gz", acceptedProps+
		"CREATE TABLE `location` (\n"+
		"('1','Main ward'),\n"+
		"('2','Lab, annex')\n"+
		");\n")

	p := New(e.options())
	res := p.Process(context.Background(), path)
	if res.Outcome != Loaded || res.Err != nil {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	if got, want := e.rows(t, `SELECT id, name FROM location ORDER BY rowid`), [][]string{{"1", "Main ward"}, {"2", "Lab, annex"}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("location = %v, want %v", got, want)
	}
	if res.Rows != 4 || res.Tables != 2 || res.Compression != sqldump.CompressionGzip {
		t.Fatalf("result = %+v", res)
	}
	if exists(path) {
		t.Fatalf("committed file still in watch dir")
	}
	if want := filepath.Join(e.done, "openmrs_a.sql.gz"); res.Archived != want || !exists(want) {
		t.Fatalf("archived = %q, want %q", res.Archived, want)
	}
	if s := p.Stats(); s.Loaded != 1 || s.Rows != 4 || s.Files() != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

// TestProcess_ScenarioB rejects a dump with a wrong property value and
// quarantines it with the observed properties as reason.
func TestProcess_ScenarioB(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_b.sql.gz", "CREATE TABLE `global_properties` (\n"+
		"('property_name_1','expected_value_1'),\n"+
		"('property_name_2','wrong')\n"+
		");\n"+
		"CREATE TABLE `location` (\n"+
		"('1','Main ward')\n"+
		");\n")

	p := New(e.options())
	res := p.Process(context.Background(), path)
	if res.Outcome != Quarantined {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	var rej *properties.Rejection
	if !errors.As(res.Err, &rej) {
		t.Fatalf("err = %v, want *properties.Rejection", res.Err)
	}
	if exists(path) {
		t.Fatalf("rejected file still in watch dir")
	}
	moved := filepath.Join(e.qdir, "openmrs_b.sql.gz")
	if res.Quarantine.File != moved || !exists(moved) {
		t.Fatalf("quarantine result = %+v", res.Quarantine)
	}
	reason, err := os.ReadFile(moved + quarantine.ReasonSuffix)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"property_name_1: expected_value_1", "property_name_2: wrong"} {
		if !strings.Contains(string(reason), want) {
			t.Fatalf("reason %q lacks %q", reason, want)
		}
	}
	if got := e.rows(t, `SELECT id FROM location`); len(got) != 0 {
		t.Fatalf("rejected dump wrote rows: %v", got)
	}
}

// TestProcess_ScenarioC prepends the site id to rows of a scoped table.
func TestProcess_ScenarioC(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_c.sql.gz", acceptedProps+
		"CREATE TABLE `obs` (\n"+
		"('a','b')\n"+
		");\n")

	res := New(e.options()).Process(context.Background(), path)
	if res.Outcome != Loaded {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	if got, want := e.rows(t, `SELECT site_id, a, b FROM obs`), [][]string{{"site42", "a", "b"}}; !reflect.DeepEqual(got, want) {
		t.Fatalf("obs = %v, want %v", got, want)
	}
}

// TestProcess_RestartDoesNotReload commits a dump, then starts a fresh
// watcher on the same directory as a restarted process would. The committed
// file is not delivered again.
func TestProcess_RestartDoesNotReload(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_a.sql.gz", acceptedProps+"CREATE TABLE `location` (\n('1','A')\n);\n")
	if res := New(e.options()).Process(context.Background(), path); res.Outcome != Loaded {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}

	w := watcher.New(watcher.Options{Dir: e.watch, Prefix: "openmrs_", Suffix: ".sql.gz", Settle: 20 * time.Millisecond, Poll: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, out) }()

	fresh := e.writeDump(t, "openmrs_b.sql.gz", acceptedProps)
	select {
	case got := <-out:
		if got != fresh {
			t.Fatalf("delivered %s, want only %s", got, fresh)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("watcher delivered nothing")
	}
	select {
	case got := <-out:
		t.Fatalf("unexpected delivery %s", got)
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watcher: %v", err)
	}

	if got := e.rows(t, `SELECT id, name FROM location`); !reflect.DeepEqual(got, [][]string{{"1", "A"}}) {
		t.Fatalf("location = %v", got)
	}
}

// TestProcess_ArchiveFailureKeepsCommit cannot move the committed file; the
// rows stay committed and the file stays put.
func TestProcess_ArchiveFailureKeepsCommit(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	opt := e.options()
	opt.Done = quarantine.Dir{Path: blocker}

	path := e.writeDump(t, "openmrs_a.sql.gz", acceptedProps+"CREATE TABLE `location` (\n('1','A')\n);\n")
	res := New(opt).Process(context.Background(), path)
	if res.Outcome != Loaded || res.Err != nil {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	if res.ArchiveErr == nil || res.Archived != "" {
		t.Fatalf("archived = %q err = %v, want archive error", res.Archived, res.ArchiveErr)
	}
	if !exists(path) {
		t.Fatalf("file vanished after failed archive")
	}
	if got := e.rows(t, `SELECT id FROM location`); len(got) != 1 {
		t.Fatalf("location = %v, want 1 committed row", got)
	}
}

/*
Failure paths
*/

func TestProcess_MissingPropertiesTableIsQuarantined(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_noprops.sql.gz", "CREATE TABLE `location` (\n('1','x')\n);\n")

	res := New(e.options()).Process(context.Background(), path)
	if res.Outcome != Quarantined {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	reason, err := os.ReadFile(res.Quarantine.Reason)
	if err != nil {
		t.Fatal(err)
	}
	if len(reason) != 0 {
		t.Fatalf("reason = %q, want empty", reason)
	}
}

func TestProcess_ParseFailureLeavesFile(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_bad.sql.gz", acceptedProps+"CREATE TABLE `location` (\n('1','never closed\n")

	p := New(e.options())
	res := p.Process(context.Background(), path)
	if res.Outcome != ParseFailed {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	var pe *sqldump.ParseError
	if !errors.As(res.Err, &pe) {
		t.Fatalf("err = %v, want *sqldump.ParseError", res.Err)
	}
	if !exists(path) || exists(e.qdir) {
		t.Fatalf("parse failure must leave the file in place and not quarantine")
	}
	if s := p.Stats(); s.ParseFailed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestProcess_MissingFileIsParseFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	res := New(e.options()).Process(context.Background(), filepath.Join(e.watch, "openmrs_gone.sql.gz"))
	if res.Outcome != ParseFailed || !errors.Is(res.Err, os.ErrNotExist) {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
}

// TestProcess_LoadFailureRollsBack fails on the second table; the first
// table's rows must not survive and the file stays in place.
func TestProcess_LoadFailureRollsBack(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_dup.sql.gz", acceptedProps+
		"CREATE TABLE `location` (\n('1','x'),\n('2','y')\n);\n"+
		"CREATE TABLE `obs` (\n('a','1'),\n('a','2')\n);\n")

	p := New(e.options())
	res := p.Process(context.Background(), path)
	if res.Outcome != LoadFailed {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	var we *storage.WriteError
	if !errors.As(res.Err, &we) || we.Table != "obs" || we.Row != 2 {
		t.Fatalf("err = %v, want WriteError obs row 2", res.Err)
	}
	for _, table := range []string{"global_properties", "location", "obs"} {
		if got := e.rows(t, "SELECT * FROM "+table); len(got) != 0 {
			t.Fatalf("%s has rows after rollback: %v", table, got)
		}
	}
	if !exists(path) || exists(e.qdir) {
		t.Fatalf("load failure must leave the file in place")
	}
}

func TestProcess_ConnectionFailure(t *testing.T) {
	e := newEnv(t)
	path := e.writeDump(t, "openmrs_conn.sql.gz", acceptedProps)

	orig := newRepositoryFn
	defer func() { newRepositoryFn = orig }()
	boom := errors.New("dial tcp: connection refused")
	newRepositoryFn = func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return nil, boom
	}

	p := New(e.options())
	res := p.Process(context.Background(), path)
	if res.Outcome != ConnectionFailed || !errors.Is(res.Err, boom) {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	var ce *storage.ConnectionError
	if !errors.As(res.Err, &ce) || ce.Kind != "sqlite" {
		t.Fatalf("err = %v, want ConnectionError kind sqlite", res.Err)
	}
	if s := p.Stats(); s.ConnectionFailed != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestProcess_QuarantineFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_q.sql.gz", "CREATE TABLE `global_properties` (\n('property_name_1','x')\n);\n")

	opt := e.options()
	opt.Quarantine = quarantine.Dir{}
	res := New(opt).Process(context.Background(), path)
	if res.Outcome != QuarantineFailed || res.Err == nil {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	if !exists(path) {
		t.Fatalf("file lost after failed quarantine")
	}
}

/*
Unit tests
*/

func TestProcess_Fingerprint(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	path := e.writeDump(t, "openmrs_fp.sql.gz", acceptedProps)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	res := New(e.options()).Process(context.Background(), path)
	if res.Outcome != Loaded {
		t.Fatalf("outcome = %s err = %v", res.Outcome, res.Err)
	}
	if res.Fingerprint != xxh3.Hash(raw) || res.Bytes != int64(len(raw)) {
		t.Fatalf("fingerprint=%x bytes=%d, want %x %d", res.Fingerprint, res.Bytes, xxh3.Hash(raw), len(raw))
	}
}

func TestSiteFor(t *testing.T) {
	t.Parallel()

	p := New(Options{SiteID: "default", SitePattern: regexp.MustCompile(`^openmrs_([a-z0-9]+)_\d+\.sql\.gz$`)})
	cases := map[string]string{
		"openmrs_clinic7_20250101.sql.gz": "clinic7",
		"openmrs_20250101.sql.gz":         "default",
		"other.sql.gz":                    "default",
	}
	for name, want := range cases {
		if got := p.SiteFor(name); got != want {
			t.Errorf("SiteFor(%q) = %q, want %q", name, got, want)
		}
	}
	if got := New(Options{SiteID: "only"}).SiteFor("openmrs_x.sql.gz"); got != "only" {
		t.Fatalf("SiteFor without pattern = %q", got)
	}
}

// TestRun drains a queue of mixed files across workers; each file is
// processed exactly once.
func TestRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	queue := make(chan string, 16)
	for i := 0; i < 6; i++ {
		queue <- e.writeDump(t, fmt.Sprintf("openmrs_ok%d.sql.gz", i), acceptedProps+
			fmt.Sprintf("CREATE TABLE `location` (\n('%d','loc')\n);\n", i))
	}
	queue <- e.writeDump(t, "openmrs_rej.sql.gz", "CREATE TABLE `global_properties` (\n('property_name_1','nope')\n);\n")
	queue <- e.writeDump(t, "openmrs_bad.sql.gz", "CREATE TABLE `location` (\n('open\n")
	close(queue)

	opt := e.options()
	opt.Workers = 3
	p := New(opt)
	if err := p.Run(context.Background(), queue); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s := p.Stats()
	if s.Loaded != 6 || s.Quarantined != 1 || s.ParseFailed != 1 || s.Files() != 8 {
		t.Fatalf("stats = %+v", s)
	}
	if got := e.rows(t, `SELECT id FROM location ORDER BY id`); len(got) != 6 {
		t.Fatalf("location rows = %v, want 6", got)
	}
}

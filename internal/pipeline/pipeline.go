// Package pipeline runs dump files through parse, validate and load.
//
// A Pool of workers consumes file paths from one queue. Each worker owns a
// file from start to finish:
//
//	open + decompress + parse
//	     → validate global properties
//	     → rejected: move to quarantine with a reason file
//	     → accepted: open a fresh destination connection, load every table in
//	       one transaction, commit
//
//	     → committed: move the file into the done directory
//
// Files are independent. An error for one file is logged and counted and
// the worker moves on to the next path; nothing is retried. Only
// validation rejections are quarantined. Parse and load failures leave the
// file where it is.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/xxh3"

	"github.com/Skipper-116/cdr-automated/internal/datasource"
	"github.com/Skipper-116/cdr-automated/internal/datasource/file"
	"github.com/Skipper-116/cdr-automated/internal/metrics"
	"github.com/Skipper-116/cdr-automated/internal/parser/sqldump"
	"github.com/Skipper-116/cdr-automated/internal/properties"
	"github.com/Skipper-116/cdr-automated/internal/quarantine"
	"github.com/Skipper-116/cdr-automated/internal/storage"
)

// Outcome is the terminal state of one file.
type Outcome string

const (
	Loaded           Outcome = "loaded"
	Quarantined      Outcome = "quarantined"
	ParseFailed      Outcome = "parse_failed"
	ConnectionFailed Outcome = "connection_failed"
	LoadFailed       Outcome = "load_failed"
	QuarantineFailed Outcome = "quarantine_failed"
)

// Result describes what happened to one file.
type Result struct {
	Path        string
	Outcome     Outcome
	Site        string
	Compression sqldump.Compression
	Fingerprint uint64 // xxh3 of the raw file bytes
	Bytes       int64
	Tables      int
	Rows        int
	Observed    properties.PropertySet
	Quarantine  quarantine.Result
	// Archived is where a committed file was moved. ArchiveErr is set when
	// the move failed; the load itself stays committed.
	Archived   string
	ArchiveErr error
	Elapsed    time.Duration
	Err        error
}

// Options configures a Pool.
type Options struct {
	Workers int

	Storage storage.Config
	Loader  storage.Loader
	// Scoped names the tenant-scoped tables.
	Scoped map[string]bool
	// SiteID is prepended to scoped rows unless SitePattern matches the file
	// name, in which case its first capture group is used.
	SiteID      string
	SitePattern *regexp.Regexp

	Expected   properties.PropertySet
	Quarantine quarantine.Dir
	// Done receives committed files so a later scan of the watch directory
	// does not load them again. Empty Path leaves them in place.
	Done  quarantine.Dir
	Parse sqldump.Options

	// Job labels metrics.
	Job string
}

// Function variables used to introduce test seams.
var (
	newRepositoryFn = storage.New

	openSourceFn = func(path string) datasource.Source { return file.NewLocal(path) }
)

// counters holds cross-goroutine statistics. All fields are updated
// atomically.
type counters struct {
	loaded           atomic.Int64
	quarantined      atomic.Int64
	parseFailed      atomic.Int64
	connectionFailed atomic.Int64
	loadFailed       atomic.Int64
	quarantineFailed atomic.Int64
	rows             atomic.Int64 // rows committed
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Loaded           int64
	Quarantined      int64
	ParseFailed      int64
	ConnectionFailed int64
	LoadFailed       int64
	QuarantineFailed int64
	Rows             int64
}

// Files is the number of files that reached a terminal state.
func (s Stats) Files() int64 {
	return s.Loaded + s.Quarantined + s.ParseFailed + s.ConnectionFailed + s.LoadFailed + s.QuarantineFailed
}

// Pool is a fixed-size set of file workers.
type Pool struct {
	opt    Options
	counts counters
}

// New returns a Pool. Workers below 1 means 1.
func New(opt Options) *Pool {
	if opt.Workers < 1 {
		opt.Workers = 1
	}
	if opt.Expected == nil {
		opt.Expected = properties.DefaultExpected()
	}
	if opt.Loader.Job == "" {
		opt.Loader.Job = opt.Job
	}
	return &Pool{opt: opt}
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Loaded:           p.counts.loaded.Load(),
		Quarantined:      p.counts.quarantined.Load(),
		ParseFailed:      p.counts.parseFailed.Load(),
		ConnectionFailed: p.counts.connectionFailed.Load(),
		LoadFailed:       p.counts.loadFailed.Load(),
		QuarantineFailed: p.counts.quarantineFailed.Load(),
		Rows:             p.counts.rows.Load(),
	}
}

// Run starts the workers and blocks until queue is closed and drained. Each
// path is handed to exactly one worker. Files in flight when ctx is canceled
// run to completion; stopping intake is the job of whoever closes queue.
func (p *Pool) Run(ctx context.Context, queue <-chan string) error {
	log.Printf("pipeline: starting workers=%d scoped_tables=%d checkpoint_every=%d",
		p.opt.Workers, len(p.opt.Scoped), p.opt.Loader.CheckpointEvery)

	fileCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < p.opt.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				p.Process(fileCtx, path)
			}
		}()
	}
	wg.Wait()

	s := p.Stats()
	log.Printf("pipeline: drained files=%d loaded=%d quarantined=%d parse_failed=%d connection_failed=%d load_failed=%d quarantine_failed=%d rows=%s",
		s.Files(), s.Loaded, s.Quarantined, s.ParseFailed, s.ConnectionFailed, s.LoadFailed, s.QuarantineFailed,
		humanize.Comma(s.Rows))
	return nil
}

// SiteFor returns the site identifier for a file name.
func (p *Pool) SiteFor(name string) string {
	if p.opt.SitePattern != nil {
		if m := p.opt.SitePattern.FindStringSubmatch(name); len(m) == 2 && m[1] != "" {
			return m[1]
		}
	}
	return p.opt.SiteID
}

// Process runs one file to a terminal state. It never panics on bad input
// and never returns an error; the outcome and cause are in the Result.
func (p *Pool) Process(ctx context.Context, path string) Result {
	start := time.Now()
	res := Result{Path: path, Site: p.SiteFor(filepath.Base(path))}

	finish := func(o Outcome, err error) Result {
		res.Outcome = o
		res.Err = err
		res.Elapsed = time.Since(start)
		p.count(o, res.Rows)
		metrics.RecordFile(p.opt.Job, string(o))
		return res
	}

	// 1) Parse.
	dump, err := p.parse(ctx, path, &res)
	if err != nil {
		log.Printf("pipeline: parse failed file=%s err=%v", path, err)
		return finish(ParseFailed, err)
	}
	res.Tables = len(dump.Order)

	// 2) Validate.
	vStart := time.Now()
	observed, verr := properties.Check(dump.Rows(properties.GlobalPropertiesTable), p.opt.Expected)
	res.Observed = observed
	var rej *properties.Rejection
	if errors.As(verr, &rej) {
		metrics.RecordStep(p.opt.Job, "validate", nil, time.Since(vStart))
		log.Printf("pipeline: rejected file=%s site=%s reason=%q", path, res.Site, rej.Error())

		qStart := time.Now()
		q, err := p.opt.Quarantine.Move(path, rej.Reason())
		metrics.RecordStep(p.opt.Job, "quarantine", err, time.Since(qStart))
		if err != nil {
			log.Printf("pipeline: quarantine failed file=%s err=%v", path, err)
			return finish(QuarantineFailed, err)
		}
		res.Quarantine = q
		return finish(Quarantined, rej)
	}
	metrics.RecordStep(p.opt.Job, "validate", verr, time.Since(vStart))

	// 3) Load.
	lStart := time.Now()
	stats, err := p.load(ctx, dump, res.Site)
	metrics.RecordStep(p.opt.Job, "load", err, time.Since(lStart))
	if err != nil {
		var ce *storage.ConnectionError
		if errors.As(err, &ce) {
			log.Printf("pipeline: connection failed file=%s kind=%s err=%v", path, ce.Kind, err)
			return finish(ConnectionFailed, err)
		}
		log.Printf("pipeline: load failed file=%s site=%s err=%v (rolled back)", path, res.Site, err)
		return finish(LoadFailed, err)
	}
	res.Rows = stats.Rows
	p.archive(path, &res)

	log.Printf("pipeline: loaded file=%s site=%s size=%s xxh3=%016x tables=%d rows=%s checkpoints=%d load=%s total=%s",
		path, res.Site, humanize.Bytes(uint64(res.Bytes)), res.Fingerprint, res.Tables,
		humanize.Comma(int64(res.Rows)), stats.Checkpoints,
		stats.Elapsed.Truncate(time.Millisecond), time.Since(start).Truncate(time.Millisecond))
	return finish(Loaded, nil)
}

// parse opens path, fingerprints the raw bytes while decompressing, and
// parses the dump.
func (p *Pool) parse(ctx context.Context, path string, res *Result) (*sqldump.Dump, error) {
	start := time.Now()
	dump, info, err := ReadDump(ctx, path, p.opt.Parse)
	res.Compression, res.Fingerprint, res.Bytes = info.Compression, info.Fingerprint, info.Bytes
	metrics.RecordStep(p.opt.Job, "parse", err, time.Since(start))
	if err != nil {
		return nil, err
	}
	metrics.RecordRow(p.opt.Job, "parsed", int64(dump.RowCount()))
	metrics.RecordRow(p.opt.Job, "skipped_lines", int64(dump.Skipped))

	log.Printf("pipeline: parsed file=%s compression=%s size=%s tables=%d rows=%s lines=%s skipped=%d elapsed=%s",
		path, res.Compression, humanize.Bytes(uint64(res.Bytes)), len(dump.Order),
		humanize.Comma(int64(dump.RowCount())), humanize.Comma(int64(dump.Lines)), dump.Skipped,
		time.Since(start).Truncate(time.Millisecond))
	return dump, nil
}

// archive moves a committed file into the done directory.
func (p *Pool) archive(path string, res *Result) {
	if p.opt.Done.Path == "" {
		return
	}
	start := time.Now()
	dst, err := p.opt.Done.Archive(path)
	metrics.RecordStep(p.opt.Job, "archive", err, time.Since(start))
	if err != nil {
		res.ArchiveErr = err
		log.Printf("pipeline: archive failed file=%s err=%v (committed; file stays in watch dir)", path, err)
		return
	}
	res.Archived = dst
}

// FileInfo describes the raw bytes of a dump file.
type FileInfo struct {
	Compression sqldump.Compression
	Fingerprint uint64 // xxh3 of the raw file bytes
	Bytes       int64
}

// ReadDump opens path, decompresses it, parses it with opt and fingerprints
// the raw bytes on the way through.
func ReadDump(ctx context.Context, path string, opt sqldump.Options) (*sqldump.Dump, FileInfo, error) {
	var info FileInfo
	raw, err := openSourceFn(path).Open(ctx)
	if err != nil {
		return nil, info, err
	}
	defer raw.Close()

	h := xxh3.New()
	cr := &countingReader{r: io.TeeReader(raw, h)}

	text, comp, err := sqldump.Open(cr)
	if err != nil {
		return nil, info, err
	}
	defer text.Close()
	info.Compression = comp

	dump, err := sqldump.Parse(ctx, text, opt)
	if err != nil {
		return nil, info, err
	}
	// Trailing bytes after the compressed stream still count.
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return nil, info, fmt.Errorf("read %s: %w", path, err)
	}
	info.Bytes = cr.n
	info.Fingerprint = h.Sum64()
	return dump, info, nil
}

// load writes every table of dump, in dump order, through a fresh
// repository.
func (p *Pool) load(ctx context.Context, dump *sqldump.Dump, site string) (storage.LoadStats, error) {
	repo, err := newRepositoryFn(ctx, p.opt.Storage)
	if err != nil {
		var ce *storage.ConnectionError
		if !errors.As(err, &ce) {
			err = &storage.ConnectionError{Kind: p.opt.Storage.Kind, Err: err}
		}
		return storage.LoadStats{}, err
	}
	defer repo.Close()

	tables := make([]storage.TableRows, 0, len(dump.Order))
	for _, name := range dump.Order {
		tables = append(tables, storage.TableRows{Name: name, Rows: dump.Rows(name)})
	}

	l := p.opt.Loader
	return l.LoadDump(ctx, repo, tables, p.opt.Scoped, site)
}

func (p *Pool) count(o Outcome, rows int) {
	switch o {
	case Loaded:
		p.counts.loaded.Add(1)
		p.counts.rows.Add(int64(rows))
	case Quarantined:
		p.counts.quarantined.Add(1)
	case ParseFailed:
		p.counts.parseFailed.Add(1)
	case ConnectionFailed:
		p.counts.connectionFailed.Add(1)
	case LoadFailed:
		p.counts.loadFailed.Add(1)
	case QuarantineFailed:
		p.counts.quarantineFailed.Add(1)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	c.n += int64(n)
	return n, err
}

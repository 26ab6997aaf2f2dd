// Package sqldump turns a (possibly compressed) database dump into a table →
// ordered rows structure.
//
// The grammar is line oriented:
//
//	CREATE TABLE `name` ...   opens a table and closes any open row
//	(...)                     starts a logical row; it may span lines
//	)...                      closes the current table
//	anything else             continues an open row, or is skipped
//
// Field values are comma separated and may be single-quoted. Inside quotes a
// backslash escapes the next character and '' is a literal quote, so commas,
// parentheses and line breaks inside values never split a field.
//
// Large inputs are parsed in parallel. The decompressed line stream is cut
// into segments only at table-start lines that fall outside quoted values;
// every segment is then parseable on its own and the per-segment results are
// merged by table name in stream order. Row order within a table is the same
// as a sequential parse.
package sqldump

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// DefaultSegmentBytes is the minimum amount of text gathered into a segment
// before the splitter looks for the next table boundary.
const DefaultSegmentBytes = 4 << 20

// Table is one table of the dump with its rows in source order. Every field
// is kept as text.
type Table struct {
	Name string
	Rows [][]string
}

// Dump is the parse result.
type Dump struct {
	Tables map[string]*Table
	// Order lists table names by first appearance in the stream.
	Order []string
	// Lines is the number of physical lines read; Skipped counts lines that
	// were neither markers nor part of a row (DDL bodies, comments, SET ...).
	Lines   int
	Skipped int
}

// Rows returns the rows of the named table, or nil when it is absent.
func (d *Dump) Rows(name string) [][]string {
	if t, ok := d.Tables[name]; ok {
		return t.Rows
	}
	return nil
}

// RowCount is the total number of rows across all tables.
func (d *Dump) RowCount() int {
	n := 0
	for _, t := range d.Tables {
		n += len(t.Rows)
	}
	return n
}

// Options tunes Parse.
type Options struct {
	// Workers bounds the segment fan-out. 1 parses sequentially; 0 uses
	// GOMAXPROCS.
	Workers int
	// SegmentBytes is the minimum segment size; 0 uses DefaultSegmentBytes.
	SegmentBytes int
	// Charset of the dump text ("utf-8", "latin1", "windows-1252").
	Charset string
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.SegmentBytes <= 0 {
		o.SegmentBytes = DefaultSegmentBytes
	}
	return o
}

// Parse reads an already decompressed dump from r. See Open for
// decompression.
func Parse(ctx context.Context, r io.Reader, opt Options) (*Dump, error) {
	opt = opt.withDefaults()

	text, err := decodeCharset(r, opt.Charset)
	if err != nil {
		return nil, err
	}
	lr := newLineReader(text)

	if opt.Workers == 1 {
		return parseSequential(ctx, lr)
	}
	return parseParallel(ctx, lr, opt)
}

// lineReader yields physical lines without their terminator and rejects
// lines that are not valid UTF-8.
type lineReader struct {
	br *bufio.Reader
	n  int
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{br: bufio.NewReaderSize(r, readBufSize)}
}

func (l *lineReader) next() (string, error) {
	line, err := l.br.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", &ParseError{Line: l.n + 1, Msg: "read", Err: err}
	}
	l.n++
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if !utf8.ValidString(line) {
		return "", &ParseError{Line: l.n, Msg: "line is not valid UTF-8 text"}
	}
	return line, nil
}

func parseSequential(ctx context.Context, lr *lineReader) (*Dump, error) {
	p := newLineParser(false)
	for {
		if lr.n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		line, err := lr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := p.feed(line, lr.n); err != nil {
			return nil, err
		}
	}
	if err := p.close(true); err != nil {
		return nil, err
	}
	return merge([]*partial{p.partial()}), nil
}

// segment is a self-contained run of lines starting at a table boundary
// (or at the start of the stream).
type segment struct {
	index int
	first int // line number of lines[0]
	lines []string
	last  bool
}

// partial is the result of one segment.
type partial struct {
	index   int
	tables  map[string]*Table
	order   []string
	lines   int
	skipped int
}

func (p *lineParser) partial() *partial {
	return &partial{tables: p.tables, order: p.order, lines: p.lines, skipped: p.skipped}
}

func parseSegment(seg segment) (*partial, error) {
	p := newLineParser(false)
	for i, line := range seg.lines {
		if err := p.feed(line, seg.first+i); err != nil {
			return nil, err
		}
	}
	if err := p.close(seg.last); err != nil {
		return nil, err
	}
	out := p.partial()
	out.index = seg.index
	return out, nil
}

func parseParallel(ctx context.Context, lr *lineReader, opt Options) (*Dump, error) {
	g, gctx := errgroup.WithContext(ctx)

	jobs := make(chan segment, opt.Workers)
	results := make(chan *partial, opt.Workers)

	g.Go(func() error {
		defer close(jobs)
		return split(gctx, lr, opt.SegmentBytes, jobs)
	})

	var wg sync.WaitGroup
	for i := 0; i < opt.Workers; i++ {
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			for seg := range jobs {
				part, err := parseSegment(seg)
				if err != nil {
					return err
				}
				select {
				case results <- part:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var parts []*partial
	for part := range results {
		parts = append(parts, part)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ordered := make([]*partial, len(parts))
	for _, part := range parts {
		if part.index >= len(ordered) {
			return nil, fmt.Errorf("sqldump: segment %d out of range", part.index)
		}
		ordered[part.index] = part
	}
	return merge(ordered), nil
}

// split reads the whole stream and cuts it into segments at boundary lines.
// It runs the grammar in discard mode so it knows when a table-start marker
// is real and when it is text inside a quoted value.
func split(ctx context.Context, lr *lineReader, minBytes int, jobs chan<- segment) error {
	framer := newLineParser(true)
	cur := segment{first: 1}
	size := 0

	send := func(seg segment) error {
		select {
		case jobs <- seg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		if lr.n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		line, err := lr.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if size >= minBytes && framer.boundary(line) {
			if err := send(cur); err != nil {
				return err
			}
			cur = segment{index: cur.index + 1, first: lr.n}
			size = 0
		}
		if err := framer.feed(line, lr.n); err != nil {
			return err
		}
		cur.lines = append(cur.lines, line)
		size += len(line) + 1
	}

	if err := framer.close(true); err != nil {
		return err
	}
	cur.last = true
	return send(cur)
}

// merge concatenates partial results in segment order. It runs on a single
// goroutine after all segments are parsed.
func merge(parts []*partial) *Dump {
	d := &Dump{Tables: make(map[string]*Table)}
	for _, part := range parts {
		for _, name := range part.order {
			src := part.tables[name]
			dst, ok := d.Tables[name]
			if !ok {
				dst = &Table{Name: name}
				d.Tables[name] = dst
				d.Order = append(d.Order, name)
			}
			dst.Rows = append(dst.Rows, src.Rows...)
		}
		d.Lines += part.lines
		d.Skipped += part.skipped
	}
	return d
}

// Command dumpprobe parses one dump file offline and prints a JSON summary:
// tables and row counts, the observed global properties, and whether the
// dump would be accepted or quarantined. Nothing is written anywhere.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/Skipper-116/cdr-automated/internal/config"
	"github.com/Skipper-116/cdr-automated/internal/parser/sqldump"
	"github.com/Skipper-116/cdr-automated/internal/pipeline"
	"github.com/Skipper-116/cdr-automated/internal/properties"
)

// Summary is the JSON document printed for one dump.
type Summary struct {
	File        string            `json:"file"`
	Bytes       int64             `json:"bytes"`
	XXH3        string            `json:"xxh3"`
	Compression string            `json:"compression"`
	Lines       int               `json:"lines"`
	Skipped     int               `json:"skipped_lines"`
	Rows        int               `json:"rows"`
	Tables      []TableSummary    `json:"tables"`
	Observed    map[string]string `json:"observed_properties"`
	Accepted    bool              `json:"accepted"`
	Mismatches  []string          `json:"mismatches,omitempty"`
	ParseMillis int64             `json:"parse_ms"`
}

// TableSummary is one table in dump order.
type TableSummary struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

func main() {
	var (
		flagExpected = flag.String("expected_properties", "", "YAML file of expected global properties (default: compiled-in set)")
		flagWorkers  = flag.Int("parse_workers", 0, "Parser fan-out; 0 uses GOMAXPROCS, 1 parses sequentially")
		flagCharset  = flag.String("charset", "utf-8", "Dump charset: utf-8, latin1 or windows-1252")
		flagPretty   = flag.Bool("pretty", true, "Pretty-print JSON output")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dumpprobe [flags] <dump file>")
		flag.Usage()
		os.Exit(2)
	}

	expected := properties.DefaultExpected()
	if *flagExpected != "" {
		var err error
		if expected, err = config.LoadExpected(*flagExpected); err != nil {
			log.Fatalf("dumpprobe: %v", err)
		}
	}

	s, err := probe(context.Background(), flag.Arg(0), expected, sqldump.Options{
		Workers: *flagWorkers,
		Charset: *flagCharset,
	})
	if err != nil {
		log.Fatalf("dumpprobe: %v", err)
	}
	if err := write(os.Stdout, s, *flagPretty); err != nil {
		log.Fatalf("dumpprobe: write: %v", err)
	}
}

// probe parses path and validates its properties against expected.
func probe(ctx context.Context, path string, expected properties.PropertySet, opt sqldump.Options) (Summary, error) {
	start := time.Now()
	dump, info, err := pipeline.ReadDump(ctx, path, opt)
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		File:        path,
		Bytes:       info.Bytes,
		XXH3:        fmt.Sprintf("%016x", info.Fingerprint),
		Compression: string(info.Compression),
		Lines:       dump.Lines,
		Skipped:     dump.Skipped,
		Rows:        dump.RowCount(),
		Tables:      make([]TableSummary, 0, len(dump.Order)),
		ParseMillis: time.Since(start).Milliseconds(),
	}
	for _, name := range dump.Order {
		s.Tables = append(s.Tables, TableSummary{Name: name, Rows: len(dump.Rows(name))})
	}

	observed, verr := properties.Check(dump.Rows(properties.GlobalPropertiesTable), expected)
	s.Observed = observed
	var rej *properties.Rejection
	if errors.As(verr, &rej) {
		s.Mismatches = rej.Mismatches()
	} else {
		s.Accepted = verr == nil
	}
	return s, nil
}

func write(w io.Writer, s Summary, pretty bool) error {
	var (
		b   []byte
		err error
	)
	if pretty {
		b, err = json.MarshalIndent(s, "", "  ")
	} else {
		b, err = json.Marshal(s)
	}
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

package sqldump

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

const readBufSize = 1 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// Compression names the container format detected by Open.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionLZ4  Compression = "lz4"
)

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// Open sniffs the first bytes of r and returns a reader over the decompressed
// dump. Gzip (including multi-member files) and LZ4 frames are recognized;
// anything else is passed through as plain text. Closing the returned reader
// does not close r.
func Open(r io.Reader) (io.ReadCloser, Compression, error) {
	br := bufio.NewReaderSize(r, readBufSize)
	head, err := br.Peek(len(lz4Magic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, "", fmt.Errorf("sqldump: peek header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, "", fmt.Errorf("sqldump: gzip header: %w", err)
		}
		return zr, CompressionGzip, nil
	case bytes.HasPrefix(head, lz4Magic):
		zr := lz4.NewReader(br)
		return readCloser{Reader: zr, close: func() error { return nil }}, CompressionLZ4, nil
	default:
		return io.NopCloser(br), CompressionNone, nil
	}
}

// LookupCharset reports whether name is a supported dump charset.
func LookupCharset(name string) bool {
	_, err := charsetDecoder(name)
	return err == nil
}

func charsetDecoder(name string) (*charmap.Charmap, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("sqldump: unsupported charset %q", name)
	}
}

// decodeCharset converts a single-byte encoded stream to UTF-8. UTF-8 input
// is returned unchanged and validated line by line later.
func decodeCharset(r io.Reader, name string) (io.Reader, error) {
	cm, err := charsetDecoder(name)
	if err != nil {
		return nil, err
	}
	if cm == nil {
		return r, nil
	}
	return transform.NewReader(r, cm.NewDecoder()), nil
}

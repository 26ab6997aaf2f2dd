package sqldump

import (
	"strings"
)

// Line markers of the dump grammar.
const (
	tableStartPrefix = "CREATE TABLE `"
	tableNameQuote   = '`'
	tableEndPrefix   = ")"
	rowStartPrefix   = "("

	fieldQuote = '\''
	fieldSep   = ','
	escapeChar = '\\'
)

func isTableStart(trimmed string) bool { return strings.HasPrefix(trimmed, tableStartPrefix) }

// tableName returns the backtick-quoted token following the table-start prefix.
func tableName(trimmed string) (string, bool) {
	rest := trimmed[len(tableStartPrefix):]
	end := strings.IndexByte(rest, tableNameQuote)
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}

func trimIndent(line string) string { return strings.TrimLeft(line, " \t") }

// unescape maps the character following a backslash inside a quoted value.
func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	case 'r':
		return '\r'
	case '0':
		return 0
	case 'b':
		return '\b'
	case 'Z':
		return 0x1a
	default:
		return c
	}
}

// rowScanner frames logical rows across physical lines. Quote state lives
// here, not in the line loop, so a quoted value may span lines and contain
// any delimiter. With discard set it tracks state only and builds nothing;
// the segment splitter uses that mode to find safe cut points.
type rowScanner struct {
	discard bool

	open    bool // "(" seen, matching ")" not yet seen
	inQuote bool
	escaped bool
	quoted  bool // current field had a quoted section
	depth   int  // unquoted parentheses nested inside the row
	opens   int  // rows opened so far

	field  strings.Builder
	fields []string
}

func (r *rowScanner) writeByte(c byte) {
	if !r.discard {
		r.field.WriteByte(c)
	}
}

func (r *rowScanner) endField() {
	if r.discard {
		r.quoted = false
		return
	}
	v := r.field.String()
	if !r.quoted {
		v = strings.TrimSpace(v)
	}
	r.fields = append(r.fields, v)
	r.field.Reset()
	r.quoted = false
}

// blank reports an open row with no content so far, as in "()".
func (r *rowScanner) blank() bool {
	return len(r.fields) == 0 && !r.quoted && strings.TrimSpace(r.field.String()) == ""
}

// take closes the row and hands its fields to the caller. Blank rows yield
// nil.
func (r *rowScanner) take() []string {
	blank := r.blank()
	r.endField()
	row := r.fields
	r.fields = nil
	r.open = false
	r.depth = 0
	if blank || r.discard {
		return nil
	}
	return row
}

// scan consumes one physical line. Completed rows are passed to emit in
// order. Text after a closed row that does not open another row (";",
// trailing comments) is dropped.
func (r *rowScanner) scan(s string, emit func([]string)) {
	for i := 0; i < len(s); i++ {
		c := s[i]

		if !r.open {
			switch c {
			case ' ', '\t', fieldSep, ';':
				continue
			case '(':
				r.open = true
				r.opens++
				continue
			default:
				return
			}
		}

		if r.inQuote {
			if r.escaped {
				r.writeByte(unescape(c))
				r.escaped = false
				continue
			}
			switch c {
			case escapeChar:
				r.escaped = true
			case fieldQuote:
				if i+1 < len(s) && s[i+1] == fieldQuote {
					r.writeByte(fieldQuote)
					i++
					continue
				}
				r.inQuote = false
			default:
				r.writeByte(c)
			}
			continue
		}

		switch c {
		case fieldQuote:
			if !r.quoted && !r.discard {
				// Drop charset introducers such as _utf8mb4'...'.
				r.field.Reset()
			}
			r.quoted = true
			r.inQuote = true
		case '(':
			r.depth++
			r.writeUnquoted(c)
		case ')':
			if r.depth > 0 {
				r.depth--
				r.writeUnquoted(c)
				continue
			}
			if row := r.take(); row != nil && emit != nil {
				emit(row)
			}
		case fieldSep:
			if r.depth > 0 {
				r.writeUnquoted(c)
				continue
			}
			r.endField()
		default:
			r.writeUnquoted(c)
		}
	}

	// The physical line break belongs to the value when it falls inside
	// quotes; otherwise it only separates tokens.
	if r.inQuote {
		r.escaped = false
		r.writeByte('\n')
	}
}

func (r *rowScanner) writeUnquoted(c byte) {
	if !r.quoted {
		r.writeByte(c)
	}
}

// finish force-closes an open row (table boundary or end of input).
func (r *rowScanner) finish() []string {
	if !r.open {
		return nil
	}
	r.inQuote = false
	r.escaped = false
	return r.take()
}

// lineParser applies the line grammar to a run of lines and accumulates
// rows per table. One lineParser is used per segment; nothing is shared.
type lineParser struct {
	tables  map[string]*Table
	order   []string
	current *Table
	row     rowScanner

	rowStart int
	lines    int
	skipped  int
}

func newLineParser(discard bool) *lineParser {
	return &lineParser{
		tables: make(map[string]*Table),
		row:    rowScanner{discard: discard},
	}
}

// boundary reports whether line may start a new self-contained segment: a
// table-start line that is not inside a quoted value.
func (p *lineParser) boundary(line string) bool {
	return !p.row.inQuote && isTableStart(trimIndent(line))
}

func (p *lineParser) emit(row []string) {
	if p.current == nil || p.row.discard {
		return
	}
	p.current.Rows = append(p.current.Rows, row)
}

func (p *lineParser) finishRow() {
	if row := p.row.finish(); row != nil {
		p.emit(row)
	}
}

func (p *lineParser) openTable(name string) {
	t, ok := p.tables[name]
	if !ok {
		t = &Table{Name: name}
		p.tables[name] = t
		p.order = append(p.order, name)
	}
	p.current = t
}

// feed applies one physical line. lineNo is used for error reporting only.
func (p *lineParser) feed(line string, lineNo int) error {
	p.lines++

	opens := p.row.opens
	defer func() {
		if p.row.open && p.row.opens != opens {
			p.rowStart = lineNo
		}
	}()

	if p.row.inQuote {
		p.row.scan(line, p.emit)
		return nil
	}

	trimmed := trimIndent(line)
	switch {
	case isTableStart(trimmed):
		p.finishRow()
		name, ok := tableName(trimmed)
		if !ok {
			return &ParseError{Line: lineNo, Msg: "malformed table-start line"}
		}
		p.openTable(name)

	case p.row.open && strings.HasPrefix(trimmed, rowStartPrefix):
		// A row-start line outside quotes begins a new row even when the
		// previous one was never closed.
		p.finishRow()
		p.row.scan(trimmed, p.emit)

	// Inside an open row a ")" line closes the row only; the table stays
	// open until a ")" line arrives with no row open.
	case p.row.open:
		p.row.scan(line, p.emit)

	case strings.HasPrefix(trimmed, tableEndPrefix):
		p.finishRow()
		p.current = nil

	case strings.HasPrefix(trimmed, rowStartPrefix):
		if p.current == nil {
			p.skipped++
			return nil
		}
		p.row.scan(trimmed, p.emit)

	default:
		p.skipped++
	}
	return nil
}

// close ends the run of lines. atEOF marks the end of the whole stream, where
// an open quote can no longer be closed.
func (p *lineParser) close(atEOF bool) error {
	if atEOF && p.row.inQuote {
		return &ParseError{Line: p.rowStart, Msg: "unterminated quoted value"}
	}
	p.finishRow()
	p.current = nil
	return nil
}

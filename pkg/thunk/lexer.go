package thunk

import (
	"fmt"
	"regexp"
	"strings"
)

type tokenKind int

const (
	tEOF tokenKind = iota
	tID
	tKeyword
	tInt
	tFloat
	tPath
	tHomePath
	tSearchPath
	tStringOpen    // "
	tIndStringOpen // ''
	tInterpOpen    // ${
	tPunct
)

var tokenKindNames = map[tokenKind]string{
	tEOF:           "end of file",
	tID:            "identifier",
	tKeyword:       "keyword",
	tInt:           "integer",
	tFloat:         "float",
	tPath:          "path",
	tHomePath:      "path",
	tSearchPath:    "search path",
	tStringOpen:    `'"'`,
	tIndStringOpen: `"''"`,
	tInterpOpen:    "'${'",
	tPunct:         "operator",
}

type token struct {
	kind tokenKind
	text string
	loc  *SourceLocation
}

func (t token) String() string {
	switch t.kind {
	case tEOF, tStringOpen, tIndStringOpen, tInterpOpen:
		return tokenKindNames[t.kind]
	}
	return fmt.Sprintf("%s '%s'", tokenKindNames[t.kind], t.text)
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

var keywords = map[string]bool{
	"if":      true,
	"then":    true,
	"else":    true,
	"assert":  true,
	"with":    true,
	"let":     true,
	"in":      true,
	"rec":     true,
	"inherit": true,
	"or":      true,
}

var (
	reID         = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_'\-]*`)
	reInt        = regexp.MustCompile(`^[0-9]+`)
	reFloat      = regexp.MustCompile(`^(([1-9][0-9]*\.[0-9]*)|(0?\.[0-9]+))([Ee][+-]?[0-9]+)?`)
	rePath       = regexp.MustCompile(`^[a-zA-Z0-9._\-+]*(/[a-zA-Z0-9._\-+]+)+/?`)
	reHomePath   = regexp.MustCompile(`^~(/[a-zA-Z0-9._\-+]+)+/?`)
	reSearchPath = regexp.MustCompile(`^<[a-zA-Z0-9._\-+]+(/[a-zA-Z0-9._\-+]+)*>`)
)

// punctuation, longest first
var puncts = []string{
	"...", "==", "!=", "<=", ">=", "&&", "||", "->", "//", "++",
	"<", ">", "+", "-", "*", "/", "!", "?", "@", ":", ";", ",", ".", "=",
	"{", "}", "(", ")", "[", "]",
}

// lexer tokenizes source on demand. String contents are not tokenized: the
// parser reads them character by character and re-enters the lexer for
// interpolations.
type lexer struct {
	filename string
	src      string
	pos      int
	line     int
	col      int
}

type lexerState struct {
	pos, line, col int
}

func newLexer(filename, src string) *lexer {
	return &lexer{filename: filename, src: src, line: 1, col: 1}
}

func (l *lexer) save() lexerState { return lexerState{l.pos, l.line, l.col} }

func (l *lexer) restore(s lexerState) { l.pos, l.line, l.col = s.pos, s.line, s.col }

func (l *lexer) here(length int) *SourceLocation {
	return &SourceLocation{Filename: l.filename, Line: l.line, Column: l.col, Length: length}
}

func (l *lexer) eof() bool { return l.pos >= len(l.src) }

func (l *lexer) peek(off int) byte {
	if l.pos+off >= len(l.src) {
		return 0
	}
	return l.src[l.pos+off]
}

func (l *lexer) advance(n int) {
	for i := 0; i < n && l.pos < len(l.src); i++ {
		if l.src[l.pos] == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos++
	}
}

func (l *lexer) errorf(format string, args ...any) error {
	return newError(ErrParse, l.here(1), format, args...)
}

func (l *lexer) skipSpace() error {
	for !l.eof() {
		c := l.peek(0)
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance(1)
		case c == '#':
			for !l.eof() && l.peek(0) != '\n' {
				l.advance(1)
			}
		case c == '/' && l.peek(1) == '*':
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return l.errorf("unterminated comment")
			}
			l.advance(end + 4)
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) next() (token, error) {
	if err := l.skipSpace(); err != nil {
		return token{}, err
	}
	if l.eof() {
		return token{kind: tEOF, loc: l.here(0)}, nil
	}

	rest := l.src[l.pos:]
	emit := func(kind tokenKind, text string) (token, error) {
		tok := token{kind: kind, text: text, loc: l.here(len(text))}
		l.advance(len(text))
		return tok, nil
	}

	// Paths take precedence over identifiers and numbers they start with.
	if m := rePath.FindString(rest); m != "" {
		if id := reID.FindString(rest); len(m) > len(id) {
			if f := reFloat.FindString(rest); len(m) > len(f) {
				return emit(tPath, m)
			}
		}
	}

	switch {
	case strings.HasPrefix(rest, `"`):
		return emit(tStringOpen, `"`)
	case strings.HasPrefix(rest, "''"):
		return emit(tIndStringOpen, "''")
	case strings.HasPrefix(rest, "${"):
		return emit(tInterpOpen, "${")
	}

	if m := reHomePath.FindString(rest); m != "" {
		return emit(tHomePath, m)
	}
	if m := reSearchPath.FindString(rest); m != "" {
		return emit(tSearchPath, m)
	}
	if m := reFloat.FindString(rest); m != "" {
		if i := reInt.FindString(rest); len(m) > len(i) {
			return emit(tFloat, m)
		}
	}
	if m := reInt.FindString(rest); m != "" {
		return emit(tInt, m)
	}
	if m := reID.FindString(rest); m != "" {
		if keywords[m] {
			return emit(tKeyword, m)
		}
		return emit(tID, m)
	}
	for _, p := range puncts {
		if strings.HasPrefix(rest, p) {
			return emit(tPunct, p)
		}
	}

	return token{}, l.errorf("unexpected character '%c'", rest[0])
}

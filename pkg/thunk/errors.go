package thunk

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SourceLocation represents a location in source code
type SourceLocation struct {
	Filename string
	Line     int
	Column   int
	Length   int // Length of the syntax node that caused the error
}

func (loc *SourceLocation) String() string {
	if loc == nil {
		return "undefined position"
	}
	return fmt.Sprintf("%s:%d:%d", loc.Filename, loc.Line, loc.Column)
}

// ErrorKind classifies evaluation errors. Every *EvalError matches its kind
// with errors.Is.
type ErrorKind string

func (k ErrorKind) Error() string { return string(k) }

const (
	ErrType              ErrorKind = "type error"
	ErrUndefinedVar      ErrorKind = "undefined variable"
	ErrMissingAttr       ErrorKind = "missing attribute"
	ErrArity             ErrorKind = "arity mismatch"
	ErrInfiniteRecursion ErrorKind = "infinite recursion"
	ErrAssertion         ErrorKind = "assertion failed"
	ErrNotFound          ErrorKind = "not found"
	ErrStore             ErrorKind = "store failure"
	ErrPlaybackMiss      ErrorKind = "call not satisfiable from recording"
	ErrUnsupported       ErrorKind = "unsupported in record/playback mode"
	ErrThrown            ErrorKind = "thrown"
	ErrAbort             ErrorKind = "aborted"
	ErrStackOverflow     ErrorKind = "stack overflow"
	ErrParse             ErrorKind = "parse error"
	ErrRestricted        ErrorKind = "restricted"
)

// EvalError is raised by every failing evaluation step. It aborts the
// enclosing expression and carries the position it was raised at.
type EvalError struct {
	Kind     ErrorKind
	Msg      string
	Location *SourceLocation
}

func (e *EvalError) Error() string {
	if e.Location == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s, at %s", e.Msg, e.Location)
}

func (e *EvalError) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && kind == e.Kind
}

func newError(kind ErrorKind, pos *SourceLocation, format string, args ...any) *EvalError {
	return &EvalError{
		Kind:     kind,
		Msg:      fmt.Sprintf(format, args...),
		Location: pos,
	}
}

func typeError(pos *SourceLocation, format string, args ...any) *EvalError {
	return newError(ErrType, pos, format, args...)
}

// SourceError represents an error with source location information
type SourceError struct {
	Inner    error
	Location *SourceLocation
	Source   string // The source code of the file
}

// NewSourceError creates a new SourceError
func NewSourceError(inner error, location *SourceLocation, source string) *SourceError {
	return &SourceError{
		Inner:    inner,
		Location: location,
		Source:   source,
	}
}

// WithSource attaches a source excerpt to err if it carries a location in
// a file. Other errors are returned unchanged.
func WithSource(err error) error {
	var sourceErr *SourceError
	if errors.As(err, &sourceErr) {
		return err
	}
	var evalErr *EvalError
	if !errors.As(err, &evalErr) || evalErr.Location == nil || evalErr.Location.Filename == "" {
		return err
	}
	return NewSourceError(err, evalErr.Location, "")
}

func (e *SourceError) Unwrap() error {
	return e.Inner
}

func (e *SourceError) Error() string {
	return e.Format(false)
}

const (
	ansiRed   = "\033[31m"
	ansiBlue  = "\033[34m"
	ansiBold  = "\033[1m"
	ansiDim   = "\033[2m"
	ansiReset = "\033[0m"
)

// excerptContext is the number of lines shown around the failing one.
const excerptContext = 2

// Format renders the error followed by an excerpt of the source around its
// location, with the failing span underlined. ANSI colors are used only if
// color is set. Without a readable source it falls back to the inner
// error's message.
func (e *SourceError) Format(color bool) string {
	if e.Location == nil {
		return e.Inner.Error()
	}

	if e.Source == "" && e.Location.Filename != "" {
		if contents, err := os.ReadFile(e.Location.Filename); err == nil {
			e.Source = string(contents)
		}
	}
	lines := strings.Split(e.Source, "\n")
	if e.Source == "" || e.Location.Line < 1 || e.Location.Line > len(lines) {
		return e.Inner.Error()
	}

	paint := func(codes, s string) string {
		if !color {
			return s
		}
		return codes + s + ansiReset
	}

	label, msg := "error", e.Inner.Error()
	var evalErr *EvalError
	if errors.As(e.Inner, &evalErr) {
		label = "error[" + string(evalErr.Kind) + "]"
		msg = evalErr.Msg
	}

	first := max(1, e.Location.Line-excerptContext)
	last := min(len(lines), e.Location.Line+excerptContext)
	width := len(strconv.Itoa(last))
	gutter := strings.Repeat(" ", width)

	var out strings.Builder
	fmt.Fprintf(&out, "%s %s\n", paint(ansiBold+ansiRed, label+":"), msg)
	fmt.Fprintf(&out, "%s %s\n", gutter, paint(ansiBlue, "--> "+e.Location.String()))
	fmt.Fprintf(&out, "%s %s\n", gutter, paint(ansiDim, "|"))
	for i := first; i <= last; i++ {
		line := strings.ReplaceAll(lines[i-1], "\t", "    ")
		num := fmt.Sprintf("%*d", width, i)
		if i != e.Location.Line {
			fmt.Fprintf(&out, "%s %s\n", paint(ansiDim, num+" |"), line)
			continue
		}
		fmt.Fprintf(&out, "%s %s\n", paint(ansiBold+ansiBlue, num+" |"), line)
		fmt.Fprintf(&out, "%s %s %s\n", gutter, paint(ansiDim, "|"), paint(ansiRed, underline(lines[i-1], e.Location)))
	}
	fmt.Fprintf(&out, "%s %s", gutter, paint(ansiDim, "|"))
	return out.String()
}

// underline marks the span of loc on line, expanding tabs the same way the
// excerpt does. The span is clipped to the end of the line.
func underline(line string, loc *SourceLocation) string {
	col := min(max(loc.Column, 1), len(line)+1)
	prefix := strings.ReplaceAll(line[:col-1], "\t", "    ")
	n := max(1, min(loc.Length, len(line)-col+1))
	return strings.Repeat(" ", len(prefix)) + strings.Repeat("^", n)
}

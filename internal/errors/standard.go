// Package errors provides the typed failure values reported by the import pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind is the top-level failure class of an import error.
type Kind string

const (
	KindIllegalImageFormat   Kind = "ILLEGAL_IMAGE_FORMAT"
	KindMissingManagedHeader Kind = "MISSING_MANAGED_HEADER"
	KindTruncated            Kind = "TRUNCATED"
	KindCorruptMetadata      Kind = "CORRUPT_METADATA"
	KindUnresolvedReference  Kind = "UNRESOLVED_REFERENCE"
	KindSymbolUnavailable    Kind = "SYMBOL_UNAVAILABLE"
)

// Category groups kinds by the pipeline stage that produces them.
type Category string

const (
	CategoryFormat     Category = "FORMAT"
	CategoryMetadata   Category = "METADATA"
	CategoryResolution Category = "RESOLUTION"
	CategoryDebugInfo  Category = "DEBUGINFO"
)

// SubKind refines KindCorruptMetadata.
type SubKind string

const (
	SubNone               SubKind = ""
	SubUnsupportedStreams SubKind = "UNSUPPORTED_STREAMS"
	SubRowCountMismatch   SubKind = "ROW_COUNT_MISMATCH"
	SubHeapIndex          SubKind = "HEAP_INDEX"
	SubBadToken           SubKind = "BAD_TOKEN"
	SubBadHeader          SubKind = "BAD_HEADER"
	SubBadSignature       SubKind = "BAD_SIGNATURE"
	SubAmbiguousSection   SubKind = "AMBIGUOUS_SECTION"
	SubUnmappedRVA        SubKind = "UNMAPPED_RVA"
	SubBodyOutOfBounds    SubKind = "BODY_OUT_OF_BOUNDS"
)

// Sentinels for errors.Is. Only Kind (and Sub, when set) are compared.
var (
	ErrIllegalImageFormat   = &Error{Kind: KindIllegalImageFormat}
	ErrMissingManagedHeader = &Error{Kind: KindMissingManagedHeader}
	ErrTruncated            = &Error{Kind: KindTruncated}
	ErrCorruptMetadata      = &Error{Kind: KindCorruptMetadata}
	ErrUnresolvedReference  = &Error{Kind: KindUnresolvedReference}
	ErrSymbolUnavailable    = &Error{Kind: KindSymbolUnavailable}
)

// Error carries a failure kind plus enough location context to reproduce it.
type Error struct {
	Kind     Kind
	Sub      SubKind
	Message  string
	Assembly string
	Table    string
	Row      uint32
	Token    uint32
	Offset   int64 // -1 when not applicable
	Width    int
	Context  map[string]interface{}
	Caller   string
	Err      error
}

// Category returns the pipeline stage responsible for the kind.
func (e *Error) Category() Category {
	switch e.Kind {
	case KindIllegalImageFormat, KindMissingManagedHeader, KindTruncated:
		return CategoryFormat
	case KindUnresolvedReference:
		return CategoryResolution
	case KindSymbolUnavailable:
		return CategoryDebugInfo
	default:
		return CategoryMetadata
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	if e.Sub != SubNone {
		b.WriteString(":")
		b.WriteString(string(e.Sub))
	}
	b.WriteString("] ")
	b.WriteString(e.Message)

	var loc []string
	if e.Assembly != "" {
		loc = append(loc, "assembly="+e.Assembly)
	}
	if e.Table != "" {
		loc = append(loc, fmt.Sprintf("table=%s row=%d", e.Table, e.Row))
	}
	if e.Token != 0 {
		loc = append(loc, fmt.Sprintf("token=0x%08x", e.Token))
	}
	if e.Offset >= 0 {
		loc = append(loc, fmt.Sprintf("offset=0x%x", e.Offset))
	}
	if e.Width > 0 {
		loc = append(loc, fmt.Sprintf("width=%d", e.Width))
	}
	if len(loc) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(loc, " "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by Kind and, when the target names one, by Sub.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Sub == SubNone || t.Sub == e.Sub
}

// WithAssembly records the display name of the image being processed.
func (e *Error) WithAssembly(name string) *Error {
	if e.Assembly == "" {
		e.Assembly = name
	}
	return e
}

// WithRow records the table and 1-based row the failure is attributed to.
func (e *Error) WithRow(table string, row uint32) *Error {
	e.Table = table
	e.Row = row
	return e
}

// WithToken records the metadata token the failure is attributed to.
func (e *Error) WithToken(token uint32) *Error {
	e.Token = token
	return e
}

// WithOffset records the buffer offset of the failure.
func (e *Error) WithOffset(off int64) *Error {
	e.Offset = off
	return e
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// New creates a new error of the given kind.
func New(kind Kind, sub SubKind, message string, context map[string]interface{}) *Error {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &Error{
		Kind:    kind,
		Sub:     sub,
		Message: message,
		Offset:  -1,
		Context: context,
		Caller:  caller,
	}
}

// Common error constructors

func Truncated(offset int64, width int, length int) *Error {
	e := New(KindTruncated, SubNone,
		fmt.Sprintf("read of %d bytes at 0x%x exceeds buffer length %d", width, offset, length),
		map[string]interface{}{"offset": offset, "width": width, "length": length})
	e.Offset = offset
	e.Width = width
	return e
}

func IllegalImageFormat(format string, args ...interface{}) *Error {
	return New(KindIllegalImageFormat, SubNone, fmt.Sprintf(format, args...), nil)
}

func MissingManagedHeader(name string) *Error {
	e := New(KindMissingManagedHeader, SubNone, "image has no CLI header", map[string]interface{}{"image": name})
	e.Assembly = name
	return e
}

func Corrupt(sub SubKind, format string, args ...interface{}) *Error {
	return New(KindCorruptMetadata, sub, fmt.Sprintf(format, args...), nil)
}

func Unresolved(token uint32, format string, args ...interface{}) *Error {
	e := New(KindUnresolvedReference, SubNone, fmt.Sprintf(format, args...), nil)
	e.Token = token
	return e
}

func SymbolUnavailable(cause error) *Error {
	e := New(KindSymbolUnavailable, SubNone, "debug symbols unavailable", nil)
	e.Err = cause
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Recoverable reports whether the failure leaves sibling work unaffected and may be skipped.
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindMissingManagedHeader, KindSymbolUnavailable:
		return true
	}
	return false
}

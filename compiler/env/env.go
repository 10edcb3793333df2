package env

import (
	"fmt"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/loc"
	"tlog.app/go/tlog"

	"github.com/slowlang/ppcrec/compiler/alloc"
)

type (
	Severity int

	// LogFunc receives every diagnostic of a translation handle.
	LogFunc func(Severity, string)

	// Env is what a translation handle passes to every core operation:
	// where memory comes from and where diagnostics go.
	// It is never shared implicitly between handles.
	Env struct {
		Alloc alloc.Allocator
		Code  alloc.CodeAllocator
		Log   LogFunc

		// Array growth steps, in entries.
		InsnChunk  int
		BlockChunk int
		RegChunk   int
		AliasChunk int
		LabelChunk int
	}

	// FatalError is an internal compiler error: a broken construction
	// contract in the producer. It is never a recoverable condition.
	FatalError struct {
		Msg  string
		From loc.PC
	}

	// Collector accumulates diagnostics as "[severity] message" lines.
	Collector struct {
		b strings.Builder
	}
)

const (
	Info Severity = iota
	Warning
	Error
)

var ErrNoMemory = alloc.ErrNoMemory

const (
	defaultInsnChunk  = 1000
	defaultBlockChunk = 100
	defaultRegChunk   = 1000
	defaultAliasChunk = 100
	defaultLabelChunk = 100
)

// New returns an environment with default allocators and chunk sizes.
// log may be nil.
func New(log LogFunc) *Env {
	e := &Env{Log: log}
	e.setDefaults()

	return e
}

// Fill sets every unset field to its default.
func (e *Env) Fill() *Env {
	e.setDefaults()

	return e
}

func (e *Env) setDefaults() {
	if e.Alloc == nil {
		e.Alloc = alloc.Heap{}
	}

	if e.Code == nil {
		e.Code = alloc.Heap{}
	}

	setDefault(&e.InsnChunk, defaultInsnChunk)
	setDefault(&e.BlockChunk, defaultBlockChunk)
	setDefault(&e.RegChunk, defaultRegChunk)
	setDefault(&e.AliasChunk, defaultAliasChunk)
	setDefault(&e.LabelChunk, defaultLabelChunk)
}

func (e *Env) Infof(format string, args ...any) {
	e.log(Info, format, args...)
}

func (e *Env) Warnf(format string, args ...any) {
	e.log(Warning, format, args...)
}

func (e *Env) Errorf(format string, args ...any) {
	e.log(Error, format, args...)
}

// Fatalf reports an internal compiler error and returns it.
func (e *Env) Fatalf(format string, args ...any) error {
	err := &FatalError{
		Msg:  fmt.Sprintf(format, args...),
		From: loc.Caller(1),
	}

	tlog.Printw("internal compiler error", "msg", err.Msg, "from", err.From)

	e.emit(Error, "Internal compiler error: "+err.Msg)

	return err
}

func (e *Env) log(sev Severity, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)

	tlog.V("diag").Printw(msg, "severity", sev)

	e.emit(sev, msg)
}

func (e *Env) emit(sev Severity, msg string) {
	if e.Log == nil {
		return
	}

	e.Log(sev, msg)
}

// Extend grows s to capacity newCap through the allocator.
// what names the array in the diagnostic on failure.
func Extend[T any](e *Env, s []T, newCap int, what string) ([]T, error) {
	r, err := alloc.Grow(e.Alloc, s, newCap)
	if err != nil {
		e.Errorf("Failed to extend %s array to %d entries", what, newCap)

		return s, errors.Wrap(err, "extend %s to %d", what, newCap)
	}

	return r, nil
}

// Reserve makes sure s can take n more entries, growing by chunk.
func Reserve[T any](e *Env, s []T, n, chunk int, what string) ([]T, error) {
	need := len(s) + n
	if need <= cap(s) {
		return s, nil
	}

	if chunk < 1 {
		chunk = 1
	}

	newCap := cap(s) + chunk
	for newCap < need {
		newCap += chunk
	}

	return Extend(e, s, newCap, what)
}

// Make allocates a zeroed scratch array.
func Make[T any](e *Env, n int, what string) ([]T, error) {
	r, err := alloc.Make[T](e.Alloc, n)
	if err != nil {
		e.Errorf("Failed to allocate %s (%d entries)", what, n)

		return nil, errors.Wrap(err, "allocate %s", what)
	}

	return r, nil
}

// Free returns scratch memory to the allocator.
func Free[T any](e *Env, s []T) {
	alloc.Free(e.Alloc, s)
}

func (e *FatalError) Error() string {
	return "internal compiler error: " + e.Msg
}

// IsFatal reports whether err carries an internal compiler error.
func IsFatal(err error) bool {
	var f *FatalError

	return errors.As(err, &f)
}

// IsNoMemory reports whether err is an allocation failure.
func IsNoMemory(err error) bool {
	return errors.Is(err, ErrNoMemory)
}

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (c *Collector) Log(sev Severity, msg string) {
	fmt.Fprintf(&c.b, "[%v] %s\n", sev, msg)
}

func (c *Collector) String() string { return c.b.String() }

func (c *Collector) Reset() { c.b.Reset() }

func setDefault(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

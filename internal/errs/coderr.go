// Package errs provides the CodeError kind used to classify failures across
// the archiver the way spec §7 does: transient, rate-limited, auth-expired,
// access-denied, decode, programming, and db-invariant errors all carry a
// stable numeric code so callers can branch on kind without string matching.
package errs

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

type CodeError struct {
	Code   int
	Msg    string
	Detail string
	frame  string
}

func New(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

func (e *CodeError) Error() string {
	parts := make([]string, 0, 3)
	parts = append(parts, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, " ")
}

func (e *CodeError) ECode() int    { return e.Code }
func (e *CodeError) EMsg() string  { return e.Msg }
func (e *CodeError) EDetail() string { return e.Detail }

func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d, frame: e.frame}
}

// WrapMsg clones the error, appends a formatted detail and captures the
// call site, matching the teacher's tools/errs.WrapMsg signature.
func (e *CodeError) WrapMsg(msg string, kv ...any) *CodeError {
	clone := &CodeError{Code: e.Code, Msg: e.Msg, Detail: e.Detail}
	detail := toString(msg, kv)
	if detail != "" {
		if clone.Detail == "" {
			clone.Detail = detail
		} else {
			clone.Detail += ", " + detail
		}
	}
	clone.frame = callerFrame(2)
	return clone
}

func (e *CodeError) Is(target error) bool {
	other, ok := target.(*CodeError)
	if !ok {
		return false
	}
	if e == nil || other == nil {
		return e == other
	}
	return e.Code == other.Code
}

func (e *CodeError) Frame() string { return e.frame }

func toString(msg string, kv []any) string {
	if msg == "" && len(kv) == 0 {
		return ""
	}
	b := strings.Builder{}
	b.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

func callerFrame(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return ""
	}
	return fmt.Sprintf("%s:%d", file, line)
}

package errs

import "fmt"

// ErrPanic turns a recover() value into a programming-error CodeError, the
// way the teacher's tools/errs.ErrPanic does for its dispatcher goroutines.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	return New(KindProgrammingError, "panic recovered").WithDetail(fmt.Sprint(r))
}

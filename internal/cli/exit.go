package cli

import (
	"errors"
	"fmt"
)

// ExitCodeError carries a child's non-zero exit status out of a command so
// main can exit with the same code.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// ExitCode maps err to a process exit code. A killed child reports -1, which
// becomes 1 like any other failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		return exitErr.Code
	}
	return 1
}

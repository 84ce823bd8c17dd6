package environment

import "fmt"

// SetupError reports that a backend is unreachable or misconfigured. It is
// fatal to the environment instance; callers must not invoke further
// operations on it.
type SetupError struct {
	Backend Backend
	Err     error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("environment: %s setup failed: %v", e.Backend, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// InvalidExecutableError reports that the target path is not an executable
// file inside the environment's root.
type InvalidExecutableError struct {
	Path string
	Err  error
}

func (e *InvalidExecutableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("environment: not a valid executable: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("environment: not a valid executable: %s", e.Path)
}

func (e *InvalidExecutableError) Unwrap() error { return e.Err }

// TransferError wraps the underlying cause of a failed copy across the
// isolation boundary.
type TransferError struct {
	Source string
	Dest   string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("environment: transfer %s -> %s failed: %v", e.Source, e.Dest, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

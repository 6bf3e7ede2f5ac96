package publish

import "fmt"

// RuntimeError captures consumer errors that should not stop a drain loop.
type RuntimeError struct {
	Op  string
	Seq uint64
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s (seq %d): %v", e.Op, e.Seq, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func wrapRuntime(op string, seq uint64, err error) error {
	if err == nil {
		return nil
	}
	return &RuntimeError{Op: op, Seq: seq, Err: err}
}

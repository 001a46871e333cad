package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// fatalError marks a failure that no retry can fix; the shout is reported
// fatal and abandoned.
type fatalError struct {
	msg string
}

func (e *fatalError) Error() string { return e.msg }

// Fatalf builds a non-retryable shout error.
func Fatalf(format string, args ...any) error {
	return &fatalError{msg: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err should stop retries.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Shouter performs the actual work unit: uppercase the text.
type Shouter struct{}

// Shout returns the shouted text. Empty input is fatal; input prefixed with
// "fail!" simulates a transient failure so retry and interim-error paths
// can be exercised end to end.
func (Shouter) Shout(_ context.Context, text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", Fatalf("nothing to shout")
	}
	if strings.HasPrefix(trimmed, "fail!") {
		return "", errors.New("simulated transient failure")
	}
	return strings.ToUpper(trimmed), nil
}

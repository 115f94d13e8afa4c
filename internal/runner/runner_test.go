package runner

import (
	"context"
	"errors"
	"testing"
)

func TestRunReturnsZeroOnSuccess(t *testing.T) {
	code := Run(func(ctx context.Context) error { return nil })
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
}

func TestRunReturnsOneOnError(t *testing.T) {
	code := Run(func(ctx context.Context) error { return errors.New("boom") })
	if code != 1 {
		t.Fatalf("code = %d, want 1", code)
	}
}

func TestRunPassesCancellableContext(t *testing.T) {
	var sawDeadlineAware bool
	code := Run(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
		default:
			sawDeadlineAware = true
		}
		return nil
	})
	if code != 0 || !sawDeadlineAware {
		t.Fatalf("code=%d sawDeadlineAware=%v", code, sawDeadlineAware)
	}
}

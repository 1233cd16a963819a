package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindNone},
		{name: "store", err: Store("hgetall", errors.New("dial tcp: refused")), want: KindStoreUnavailable},
		{name: "deadline", err: fmt.Errorf("generate: %w", context.DeadlineExceeded), want: KindCollaboratorTimeout},
		{name: "timeout wrap", err: Timeout("send", context.DeadlineExceeded), want: KindCollaboratorTimeout},
		{name: "capability", err: Capability("promote", errors.New("forbidden")), want: KindCapabilityMissing},
		{name: "protected", err: fmt.Errorf("ban: %w", ErrTargetProtected), want: KindTargetProtected},
		{name: "other", err: errors.New("boom"), want: KindUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	err := Store("set", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("wrapped error lost its cause: %v", err)
	}
	if again := Store("set", err); again != err {
		t.Fatalf("double wrap: %v", again)
	}
}

package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		retryable bool
		fatal     bool
	}{
		{name: "nil", err: nil},
		{name: "network", err: Network("fetch", cause), retryable: true},
		{name: "wrapped network", err: fmt.Errorf("cycle: %w", Network("push", cause)), retryable: true},
		{name: "auth", err: Auth("fetch", cause), fatal: true},
		{name: "storage", err: Storage("upsert", cause), fatal: true},
		{name: "plain", err: cause},
		{name: "cancelled", err: context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("append journal", cause)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "append journal: storage error: disk full", err.Error())
}

func TestStorageNil(t *testing.T) {
	assert.NoError(t, Storage("noop", nil))
}

package pverr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionTimeoutMatchesBothKinds(t *testing.T) {
	err := Connection("connect", "sim://MOTOR:POS", context.DeadlineExceeded)

	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "connect sim://MOTOR:POS: connection error, timeout: context deadline exceeded", err.Error())
}

func TestConnectionRefusedIsNotTimeout(t *testing.T) {
	err := Connection("connect", "pvgw://X", errors.New("refused"))

	assert.ErrorIs(t, err, ErrConnection)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"cancel", context.Canceled, ErrCancelled},
		{"wrapped deadline", fmt.Errorf("wait: %w", context.DeadlineExceeded), ErrTimeout},
		{"already kinded", Shutdown("get", "X"), ErrShutdown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromContext("get", "X", tt.in)
			assert.ErrorIs(t, got, tt.want)
			assert.Equal(t, tt.want, Kind(got))
		})
	}

	assert.NoError(t, FromContext("get", "X", nil))
}

func TestWriteRejected(t *testing.T) {
	err := WriteRejected("sim://RO", "pv is read-only")

	assert.ErrorIs(t, err, ErrWriteRejected)
	assert.Contains(t, err.Error(), "read-only")

	var pe *Error
	assert.True(t, errors.As(err, &pe))
	assert.Equal(t, "put", pe.Op)
	assert.Equal(t, "sim://RO", pe.PV)
}

func TestKindUnknown(t *testing.T) {
	assert.Nil(t, Kind(errors.New("other")))
}

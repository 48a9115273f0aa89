package retrier

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_AttemptBudget(t *testing.T) {
	for retries := uint(0); retries <= 3; retries++ {
		for succeedAt := uint(1); succeedAt <= 6; succeedAt++ {
			t.Run(fmt.Sprintf("retries=%d succeedAt=%d", retries, succeedAt), func(t *testing.T) {
				// Given
				attempts := uint(0)
				var lastErr error
				op := func(ctx context.Context, attempt uint) (string, error) {
					attempts++
					if attempts < succeedAt {
						lastErr = fmt.Errorf("attempt %d failed", attempts)
						return "", lastErr
					}
					return "done", nil
				}

				// When
				got, err := Do(context.Background(), Policy{Retries: retries, Delay: NoDelay}, op)

				// Then
				if succeedAt <= 1+retries {
					require.NoError(t, err)
					assert.Equal(t, "done", got)
				} else {
					require.Error(t, err)
					assert.Same(t, lastErr, err)
					assert.Empty(t, got)
				}
				assert.Equal(t, min(succeedAt, 1+retries), attempts)
			})
		}
	}
}

func TestDo_ConditionStopsRetrying(t *testing.T) {
	// Given
	attempts := 0
	errFatal := errors.New("fatal")
	condition := func(ctx context.Context, err error) bool {
		return attempts < 2
	}

	// When
	err := Run(context.Background(), Policy{Retries: 10, Delay: NoDelay, Condition: condition, Logger: log.NewLogger()},
		func(ctx context.Context, attempt uint) error {
			attempts++
			return errFatal
		})

	// Then
	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 2, attempts)
}

func TestDo_ConditionSeesTheLastError(t *testing.T) {
	var seen []error
	errs := []error{errors.New("first"), errors.New("second"), errors.New("third")}

	err := Run(context.Background(), Policy{
		Retries: 2,
		Delay:   NoDelay,
		Condition: func(ctx context.Context, err error) bool {
			seen = append(seen, err)
			return true
		},
	}, func(ctx context.Context, attempt uint) error {
		return errs[attempt]
	})

	require.Equal(t, errs[2], err)
	assert.Equal(t, errs[:2], seen)
}

func TestDo_UsesDelaySequence(t *testing.T) {
	var asked []uint
	delay := func(retry uint) time.Duration {
		asked = append(asked, retry)
		return time.Millisecond
	}

	_ = Run(context.Background(), Policy{Retries: 3, Delay: delay}, func(ctx context.Context, attempt uint) error {
		return errors.New("nope")
	})

	assert.Equal(t, []uint{0, 1, 2}, asked)
}

func TestDo_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := Run(ctx, Policy{Retries: 5, Delay: ConstantDelay(time.Hour)}, func(ctx context.Context, attempt uint) error {
		attempts++
		cancel()
		return errors.New("timeout")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestExponentialDelay(t *testing.T) {
	for i := uint(0); i < 5; i++ {
		d := ExponentialDelay(i)
		base := time.Duration(1<<i) * time.Second
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+time.Second)
	}
}

package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats(t *testing.T) {
	s := NewStats()
	assert.Equal(t, time.Duration(0), s.Average())

	s.Update(1024*1024, 100*time.Millisecond)
	s.Update(1024*1024, 300*time.Millisecond)
	s.AddRetry()

	assert.Equal(t, int64(2), s.FinishedCount())
	assert.Equal(t, int64(2*1024*1024), s.Bytes())
	assert.Equal(t, 200*time.Millisecond, s.Average())
	assert.Equal(t, 400*time.Millisecond, s.TotalDuration())
	assert.Equal(t, "2 chunks, 2MiB in 400ms, 1 retries", s.String())
}

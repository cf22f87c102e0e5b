package audit

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadAll(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	log := NewLog(filepath.Join(t.TempDir(), "auth_log"), func() time.Time { return now })

	require.NoError(t, log.Append(Record{
		Protocol:   "https",
		OpName:     "reqpwresetaction",
		UserID:     "a@b.dk",
		SourceAddr: "203.0.113.9",
		Outcome:    OutcomeOK,
	}))
	require.NoError(t, log.Append(Record{
		Protocol:    "https",
		OpName:      "reqpwresetaction",
		UserID:      "a@b.dk",
		SourceAddr:  "203.0.113.9",
		Outcome:     OutcomeDeny,
		RateLimited: true,
	}))

	records, err := log.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, OutcomeOK, records[0].Outcome)
	assert.NotEmpty(t, records[0].ID)
	assert.Equal(t, now.Unix(), records[0].Timestamp.Unix())
	assert.True(t, records[1].RateLimited)
}

func TestReadAllMissingFile(t *testing.T) {
	t.Parallel()

	log := NewLog(filepath.Join(t.TempDir(), "auth_log"), nil)
	records, err := log.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestConcurrentAppend(t *testing.T) {
	t.Parallel()

	log := NewLog(filepath.Join(t.TempDir(), "auth_log"), nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, log.Append(Record{Protocol: "https", Outcome: OutcomeOK}))
		}()
	}
	wg.Wait()

	records, err := log.ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

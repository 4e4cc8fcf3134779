package backfill

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobPayload(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		original := JobPayload{JobID: "job-1", Resume: true}

		data, err := json.Marshal(original)
		require.NoError(t, err)

		parsed, err := ParseJobPayload(data)
		require.NoError(t, err)
		assert.Equal(t, original.JobID, parsed.JobID)
		assert.True(t, parsed.Resume)
	})

	t.Run("rejects malformed payload", func(t *testing.T) {
		_, err := ParseJobPayload([]byte(`not json`))
		assert.Error(t, err)
	})

	t.Run("rejects missing job id", func(t *testing.T) {
		_, err := ParseJobPayload([]byte(`{"resume":true}`))
		assert.Error(t, err)
	})

	t.Run("task id follows the job", func(t *testing.T) {
		p := JobPayload{JobID: "job-1"}
		assert.Equal(t, "job-1", p.UniqueID())
	})
}

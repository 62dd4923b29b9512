package scheduler

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
)

func TestJobRoundTrip(t *testing.T) {
	maxChunks := 5
	evidence := true
	job := Job{
		AuditRef:        "abc123",
		MaxChunks:       &maxChunks,
		IncludeEvidence: &evidence,
		EnqueuedAt:      1735689600,
	}

	payload, err := sonic.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, sonic.Unmarshal(payload, &decoded))
	require.Equal(t, job.AuditRef, decoded.AuditRef)
	require.NotNil(t, decoded.MaxChunks)
	require.Equal(t, 5, *decoded.MaxChunks)
	require.NotNil(t, decoded.IncludeEvidence)
	require.True(t, *decoded.IncludeEvidence)
}

func TestJobOptionalFieldsOmitted(t *testing.T) {
	payload, err := sonic.Marshal(Job{AuditRef: "abc"})
	require.NoError(t, err)
	require.NotContains(t, string(payload), "max_chunks")
	require.NotContains(t, string(payload), "include_evidence")

	var decoded Job
	require.NoError(t, sonic.Unmarshal(payload, &decoded))
	require.Nil(t, decoded.MaxChunks)
	require.Nil(t, decoded.IncludeEvidence)
}

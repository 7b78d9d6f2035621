package mq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueuedRoutingKeyMatchesWakeupBinding(t *testing.T) {
	assert.Equal(t, RoutingKey("enqueued.keyword-trend"), EnqueuedRoutingKey("keyword-trend"))
	assert.Equal(t, RoutingKey("enqueued.*"), RoutingKeyAllEnqueued)
}

func TestParsePayload_JobDead(t *testing.T) {
	msg := Message{
		ID:   "m1",
		Type: MessageTypeJobDead,
		Payload: JobDeadPayload{
			JobID:    "j1",
			Queue:    "alert-evaluation",
			Name:     "alert-evaluation.run",
			Attempts: 3,
			Error:    "platform 503",
		},
		Timestamp: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	// Эмулируем доставку: Message после json → Payload становится map
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	var delivered Message
	require.NoError(t, json.Unmarshal(body, &delivered))

	got, err := ParsePayload[JobDeadPayload](&delivered)
	require.NoError(t, err)
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "platform 503", got.Error)
}

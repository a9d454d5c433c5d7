package ws

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTopicNaming(t *testing.T) {
	id := uuid.MustParse("0190d1a2-5b7c-7000-8000-000000000001")

	assert.Equal(t, "events", TopicEvents)
	assert.Equal(t, "plan:0190d1a2-5b7c-7000-8000-000000000001", PlanTopic(id))
	assert.Equal(t, "worker:0190d1a2-5b7c-7000-8000-000000000001", WorkerTopic(id))
}

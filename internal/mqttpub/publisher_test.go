package mqttpub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicClass_CollapsesPerTouristTopics(t *testing.T) {
	assert.Equal(t, "tracking/location/+", topicClass(TopicLocationPrefix+"t1"))
	assert.Equal(t, "tracking/live/+", topicClass(TopicLivePrefix+"t1"))
	assert.Equal(t, "tracking/status/+", topicClass(TopicStatusPrefix+"t1"))
	assert.Equal(t, TopicAlerts, topicClass(TopicAlerts))
}

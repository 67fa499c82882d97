package notify

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlack struct {
	channels []string
}

func (f *fakeSlack) PostMessage(channelID string, options ...slack.MsgOption) (string, string, error) {
	f.channels = append(f.channels, channelID)
	return channelID, "ts", nil
}

func TestPostToAllowlistedChannel(t *testing.T) {
	api := &fakeSlack{}
	n := NewWithAPI(api, "C123", []string{"C123", "C456"}, zerolog.Nop())

	n.NotifyLoss("unit-1", "retries exhausted")
	require.Len(t, api.channels, 1)
	assert.Equal(t, "C123", api.channels[0])
}

func TestBlockedChannel(t *testing.T) {
	api := &fakeSlack{}
	n := NewWithAPI(api, "C999", []string{"C123"}, zerolog.Nop())

	n.NotifyLoss("unit-1", "retries exhausted")
	n.NotifyDispatch("issue-1", "A2", "task-1")
	assert.Empty(t, api.channels)
}

func TestEmptyAllowlistBlocksEverything(t *testing.T) {
	api := &fakeSlack{}
	n := NewWithAPI(api, "C123", nil, zerolog.Nop())

	n.NotifyDispatch("issue-1", "A2", "task-1")
	assert.Empty(t, api.channels)
}

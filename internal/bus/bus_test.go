package bus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duocall/pkg/logger"
)

type fakeChannel struct {
	connected bool
	sent      [][]byte
}

func (f *fakeChannel) Connected() bool { return f.connected }

func (f *fakeChannel) SendText(data []byte) error {
	f.sent = append(f.sent, data)
	return nil
}

func newTestBus(ch *fakeChannel) *Bus {
	return New(ch, logger.NewNop().Sugar())
}

func TestPublishSerializesTagAndPayload(t *testing.T) {
	ch := &fakeChannel{connected: true}
	b := newTestBus(ch)

	require.NoError(t, b.Publish(TagDrawPoint, map[string]int{"x": 3, "y": 7}))
	require.Len(t, ch.sent, 1)

	var msg Message
	require.NoError(t, json.Unmarshal(ch.sent[0], &msg))
	assert.Equal(t, TagDrawPoint, msg.Type)
	assert.JSONEq(t, `{"x":3,"y":7}`, string(msg.Payload))
}

func TestPublishIsNoopWhileDisconnected(t *testing.T) {
	ch := &fakeChannel{connected: false}
	b := newTestBus(ch)

	require.NoError(t, b.Publish(TagReaction, nil))
	assert.Empty(t, ch.sent)
}

func TestReactionRidesInEmojiField(t *testing.T) {
	ch := &fakeChannel{connected: true}
	b := newTestBus(ch)

	require.NoError(t, b.PublishReaction("heart"))
	var msg Message
	require.NoError(t, json.Unmarshal(ch.sent[0], &msg))
	assert.Equal(t, TagReaction, msg.Type)
	assert.Equal(t, "heart", msg.Emoji)
	assert.Empty(t, msg.Payload)
}

func TestFanOutReachesEverySubscriber(t *testing.T) {
	b := newTestBus(&fakeChannel{})

	var first, second []string
	b.Subscribe(nil, func(msg Message) { first = append(first, msg.Type) })
	b.Subscribe(TagPrefix("draw:"), func(msg Message) { second = append(second, msg.Type) })

	b.HandleRaw([]byte(`{"type":"draw:begin"}`))
	b.HandleRaw([]byte(`{"type":"reaction","emoji":"star"}`))

	assert.Equal(t, []string{"draw:begin", "reaction"}, first)
	assert.Equal(t, []string{"draw:begin"}, second)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(&fakeChannel{})

	var got int
	off := b.Subscribe(nil, func(Message) { got++ })
	b.HandleRaw([]byte(`{"type":"reaction"}`))
	off()
	b.HandleRaw([]byte(`{"type":"reaction"}`))

	assert.Equal(t, 1, got)
}

func TestMusicStateAlsoFansOutToMusicSubscribers(t *testing.T) {
	b := newTestBus(&fakeChannel{})

	var music, general int
	b.SubscribeMusic(func(Message) { music++ })
	b.Subscribe(nil, func(Message) { general++ })

	b.HandleRaw([]byte(`{"type":"music:state","payload":{"playing":true}}`))
	b.HandleRaw([]byte(`{"type":"reaction"}`))

	assert.Equal(t, 1, music, "music subscriber sees only music:state")
	assert.Equal(t, 2, general, "general subscriber sees everything")
}

func TestBadFrameIsSwallowedAndLaterFramesStillDeliver(t *testing.T) {
	b := newTestBus(&fakeChannel{})

	var got []string
	b.Subscribe(nil, func(msg Message) { got = append(got, msg.Type) })

	b.HandleRaw([]byte(`{{{definitely not json`))
	b.HandleRaw([]byte(`{"type":"reaction"}`))

	assert.Equal(t, []string{"reaction"}, got)
}

func TestUnknownTagStillReachesSubscribers(t *testing.T) {
	b := newTestBus(&fakeChannel{})

	var got []string
	b.Subscribe(nil, func(msg Message) { got = append(got, msg.Type) })

	b.HandleRaw([]byte(`{"type":"totally:new:thing"}`))
	assert.Equal(t, []string{"totally:new:thing"}, got)
}

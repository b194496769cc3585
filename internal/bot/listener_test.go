package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding-rate-alerts/internal/query"
	"funding-rate-alerts/internal/telegram"
)

type fakeUpdater struct {
	mu      sync.Mutex
	batches [][]telegram.Update
	offsets []int64
	sent    []telegram.Message
	failOn  int
	cancel  context.CancelFunc
}

func (f *fakeUpdater) GetUpdates(_ context.Context, offset int64, _ time.Duration) ([]telegram.Update, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offsets = append(f.offsets, offset)
	if len(f.offsets) == f.failOn {
		return nil, errors.New("bad gateway")
	}
	if len(f.batches) == 0 {
		f.cancel()
		return nil, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeUpdater) SendMessage(_ context.Context, msg telegram.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

type fakeReplier struct {
	cmds []query.Command
}

func (f *fakeReplier) Reply(_ context.Context, cmd query.Command) (string, error) {
	f.cmds = append(f.cmds, cmd)
	return "reply:" + cmd.Kind.String(), nil
}

func group(id int64, thread int64, text string) telegram.Update {
	return telegram.Update{UpdateID: id, Message: &telegram.IncomingMessage{
		MessageID: id,
		ThreadID:  thread,
		Chat:      telegram.Chat{ID: -100, Type: "supergroup"},
		Text:      text,
	}}
}

func runListener(t *testing.T, up *fakeUpdater, topic int64) *fakeReplier {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up.cancel = cancel

	rep := &fakeReplier{}
	l := New(up, rep, query.Parser{BotUsername: "funding_bot"}, Options{TopicID: topic, RetryDelay: time.Millisecond}, zerolog.Nop())
	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	return rep
}

func TestListenerAnswersCommandsInTopic(t *testing.T) {
	up := &fakeUpdater{batches: [][]telegram.Update{{
		group(5, 7, "/funding"),
		group(6, 8, "/funding btc"),
		group(7, 7, "just chatting"),
		group(8, 7, "/funding eth 999999"),
		group(9, 7, "/funding eth 010126"),
	}}}
	rep := runListener(t, up, 7)

	require.Len(t, rep.cmds, 2)
	assert.Equal(t, query.KindTop, rep.cmds[0].Kind)
	assert.Equal(t, query.KindHistorical, rep.cmds[1].Kind)
	assert.Equal(t, "ETHUSDT", rep.cmds[1].Symbol)

	require.Len(t, up.sent, 3)
	assert.Equal(t, "reply:top", up.sent[0].Text)
	assert.Equal(t, "-100", up.sent[0].ChatID)
	assert.Equal(t, int64(7), up.sent[0].ThreadID)
	assert.Contains(t, up.sent[1].Text, "Invalid date format")
	assert.Equal(t, telegram.ParseModeHTML, up.sent[2].ParseMode)

	assert.Equal(t, []int64{0, 10}, up.offsets)
}

func TestListenerPrivateChatGetsNote(t *testing.T) {
	up := &fakeUpdater{batches: [][]telegram.Update{{
		{UpdateID: 1, Message: &telegram.IncomingMessage{Chat: telegram.Chat{ID: 55, Type: "private"}, Text: "/funding"}},
		{UpdateID: 2},
	}}}
	rep := runListener(t, up, 0)

	assert.Empty(t, rep.cmds)
	require.Len(t, up.sent, 1)
	assert.Equal(t, "55", up.sent[0].ChatID)
	assert.Equal(t, DefaultPrivateNote, up.sent[0].Text)
}

func TestListenerRetriesAfterPollError(t *testing.T) {
	up := &fakeUpdater{failOn: 1, batches: [][]telegram.Update{{group(3, 0, "/status@funding_bot")}}}
	rep := runListener(t, up, 0)

	require.Len(t, rep.cmds, 1)
	assert.Equal(t, query.KindStatus, rep.cmds[0].Kind)
	assert.Equal(t, []int64{0, 0, 4}, up.offsets)
}

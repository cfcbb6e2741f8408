package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h1v3-io/livedesk/internal/connector"
)

type fakeQueue struct {
	waiting int
	online  int
	oldest  time.Duration
}

func (f *fakeQueue) QueueLen() int             { return f.waiting }
func (f *fakeQueue) OnlineCount() int          { return f.online }
func (f *fakeQueue) OldestWait() time.Duration { return f.oldest }

type recordingNotifier struct {
	mu   sync.Mutex
	err  error
	sent []connector.Alert
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, a connector.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return r.err
}

func newWatcher(q *fakeQueue, n *recordingNotifier) (*Watcher, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := New(Config{WaitThreshold: 2 * time.Minute, Cooldown: 10 * time.Minute}, q, []connector.Notifier{n}, nil)
	w.now = func() time.Time { return now }
	return w, &now
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		q      fakeQueue
		fire   bool
		reason connector.Reason
	}{
		{"empty queue", fakeQueue{waiting: 0, online: 0}, false, ""},
		{"no agents", fakeQueue{waiting: 2, online: 0}, true, connector.ReasonNoAgents},
		{"short wait", fakeQueue{waiting: 2, online: 1, oldest: time.Minute}, false, ""},
		{"long wait", fakeQueue{waiting: 2, online: 1, oldest: 3 * time.Minute}, true, connector.ReasonLongWait},
		{"at threshold", fakeQueue{waiting: 1, online: 1, oldest: 2 * time.Minute}, true, connector.ReasonLongWait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := newWatcher(&tt.q, &recordingNotifier{})
			a, fire := w.Evaluate()
			assert.Equal(t, tt.fire, fire)
			assert.Equal(t, tt.reason, a.Reason)
			assert.Equal(t, tt.q.waiting, a.QueueLength)
		})
	}
}

func TestEvaluate_ThresholdDisabled(t *testing.T) {
	q := &fakeQueue{waiting: 1, online: 1, oldest: time.Hour}
	w := New(Config{}, q, nil, nil)
	_, fire := w.Evaluate()
	assert.False(t, fire)
}

func TestCheck_Cooldown(t *testing.T) {
	q := &fakeQueue{waiting: 3, online: 0}
	n := &recordingNotifier{}
	w, now := newWatcher(q, n)
	ctx := context.Background()

	require.NoError(t, w.Check(ctx))
	require.Len(t, n.sent, 1)
	assert.Equal(t, connector.ReasonNoAgents, n.sent[0].Reason)
	assert.Equal(t, *now, w.LastFired())

	*now = now.Add(5 * time.Minute)
	require.NoError(t, w.Check(ctx))
	assert.Len(t, n.sent, 1, "quiet during cooldown")

	*now = now.Add(5 * time.Minute)
	require.NoError(t, w.Check(ctx))
	assert.Len(t, n.sent, 2, "fires again once cooldown elapsed")
}

func TestCheck_NothingToReport(t *testing.T) {
	q := &fakeQueue{waiting: 0}
	n := &recordingNotifier{}
	w, _ := newWatcher(q, n)

	require.NoError(t, w.Check(context.Background()))
	assert.Empty(t, n.sent)
	assert.True(t, w.LastFired().IsZero())
}

func TestCheck_NotifierErrorStartsCooldown(t *testing.T) {
	q := &fakeQueue{waiting: 1, online: 0}
	n := &recordingNotifier{err: errors.New("down")}
	w, now := newWatcher(q, n)

	err := w.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording: down")

	*now = now.Add(time.Minute)
	require.NoError(t, w.Check(context.Background()))
	assert.Len(t, n.sent, 1)
}

func TestTest_BypassesCooldown(t *testing.T) {
	q := &fakeQueue{waiting: 1, online: 0}
	n := &recordingNotifier{}
	w, _ := newWatcher(q, n)

	require.NoError(t, w.Check(context.Background()))
	require.NoError(t, w.Test(context.Background()))
	require.Len(t, n.sent, 2)
	assert.Equal(t, connector.ReasonTestMessage, n.sent[1].Reason)
}

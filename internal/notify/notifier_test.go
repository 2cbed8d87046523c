package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name string
	err  error
	sent []string
}

func (s *fakeSender) Send(_ context.Context, title, _ string) error {
	s.sent = append(s.sent, title)
	return s.err
}

func (s *fakeSender) Name() string { return s.name }

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestNotifyFanOut(t *testing.T) {
	a := &fakeSender{name: "a"}
	b := &fakeSender{name: "b"}
	n := NewNotifier([]Sender{a, b}, nil, testLogger())

	require.NoError(t, n.Notify(context.Background(), "execution_error", "order failed", "details"))
	assert.Equal(t, []string{"order failed"}, a.sent)
	assert.Equal(t, []string{"order failed"}, b.sent)
}

func TestNotifyEventFilter(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{"execution_error", " round_hedged "}, testLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, "execution_error", "t1", "m"))
	require.NoError(t, n.Notify(ctx, "round_hedged", "t2", "m"))
	require.NoError(t, n.Notify(ctx, "heartbeat", "t3", "m"))

	assert.Equal(t, []string{"t1", "t2"}, s.sent, "unlisted events are filtered out")
}

func TestNotifyPartialFailure(t *testing.T) {
	ok := &fakeSender{name: "ok"}
	broken := &fakeSender{name: "broken", err: errors.New("boom")}
	n := NewNotifier([]Sender{broken, ok}, nil, testLogger())

	err := n.Notify(context.Background(), "execution_error", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	// The healthy sender still delivered.
	assert.Equal(t, []string{"t"}, ok.sent)
}

func TestNotifyNoSenders(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	assert.NoError(t, n.Notify(context.Background(), "execution_error", "t", "m"))
}

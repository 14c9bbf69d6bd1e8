package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/agentcoord/pkg/api/v1"
)

type recordingPublisher struct {
	events []v1.SessionEvent
}

func (p *recordingPublisher) Publish(event v1.SessionEvent) {
	p.events = append(p.events, event)
}

func newTestStore(t *testing.T) (*Store, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	store, err := Open(":memory:", pub)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, pub
}

func TestCreateSessionAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "ses_abc", "hello", nil, v1.ExecutionModeSync)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusPending, sess.Status)

	fetched, err := store.GetSession(ctx, "ses_abc")
	require.NoError(t, err)
	assert.Equal(t, "hello", fetched.AgentName)
	assert.Nil(t, fetched.ExecutorSessionID)
}

func TestBindExecutorWriteOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateSession(ctx, "ses_bind", "hello", nil, v1.ExecutionModeSync)
	require.NoError(t, err)

	require.NoError(t, store.BindExecutor(ctx, "ses_bind", "U1", "claude-code", "A", "/x"))

	err = store.BindExecutor(ctx, "ses_bind", "U2", "claude-code", "A", "/x")
	require.Error(t, err)

	sess, err := store.GetSession(ctx, "ses_bind")
	require.NoError(t, err)
	require.NotNil(t, sess.ExecutorSessionID)
	assert.Equal(t, "U1", *sess.ExecutorSessionID)
}

func TestAppendEventMonotonicSequenceAndPublish(t *testing.T) {
	store, pub := newTestStore(t)
	ctx := context.Background()
	_, err := store.CreateSession(ctx, "ses_ev", "hello", nil, v1.ExecutionModeSync)
	require.NoError(t, err)

	e1, err := store.AppendEvent(ctx, "ses_ev", "log", map[string]any{"line": "one"}, nil)
	require.NoError(t, err)
	e2, err := store.AppendEvent(ctx, "ses_ev", "log", map[string]any{"line": "two"}, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(2), e2.Sequence)
	require.Len(t, pub.events, 2)
	assert.Equal(t, int64(1), pub.events[0].Sequence)
	assert.Equal(t, int64(2), pub.events[1].Sequence)
}

func TestCascadeDeleteRemovesSubtreeOnly(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.CreateSession(ctx, "ses_parent", "hello", nil, v1.ExecutionModeSync)
	require.NoError(t, err)
	parentID := "ses_parent"
	_, err = store.CreateSession(ctx, "ses_child", "hello", &parentID, v1.ExecutionModeSync)
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, "ses_unrelated", "hello", nil, v1.ExecutionModeSync)
	require.NoError(t, err)

	_, err = store.CreateRelation(ctx, v1.RelationRelated, "ses_parent", "ses_unrelated", "", "")
	require.NoError(t, err)

	require.NoError(t, store.CascadeDelete(ctx, "ses_parent"))

	_, err = store.GetSession(ctx, "ses_parent")
	assert.Error(t, err)
	_, err = store.GetSession(ctx, "ses_child")
	assert.Error(t, err)

	unrelated, err := store.GetSession(ctx, "ses_unrelated")
	require.NoError(t, err)
	assert.Equal(t, "ses_unrelated", unrelated.SessionID)
}

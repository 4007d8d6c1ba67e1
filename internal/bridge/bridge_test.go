package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openinspect/sandbox/pkg/protocol"
)

func TestDispatchSnapshot(t *testing.T) {
	b, events := newTestBridge(t)
	b.shutdown = make(chan struct{})
	b.gitSyncComplete = make(chan struct{})
	b.setSessionID("ses_live")

	b.dispatch(context.Background(), []byte(`{"type":"snapshot"}`))

	require.Len(t, *events, 1)
	snap := (*events)[0].(*protocol.SnapshotReadyEvent)
	require.NotNil(t, snap.OpencodeSessionID)
	assert.Equal(t, "ses_live", *snap.OpencodeSessionID)
}

func TestDispatchGitSyncComplete(t *testing.T) {
	b, _ := newTestBridge(t)
	b.shutdown = make(chan struct{})
	b.gitSyncComplete = make(chan struct{})

	b.dispatch(context.Background(), []byte(`{"type":"git_sync_complete"}`))
	// Duplicate signals are fine.
	b.dispatch(context.Background(), []byte(`{"type":"git_sync_complete"}`))

	select {
	case <-b.GitSyncComplete():
	default:
		t.Fatal("git sync completion not signalled")
	}
}

func TestDispatchInvalidAndUnknown(t *testing.T) {
	b, events := newTestBridge(t)
	b.shutdown = make(chan struct{})
	b.gitSyncComplete = make(chan struct{})

	b.dispatch(context.Background(), []byte(`not json`))
	b.dispatch(context.Background(), []byte(`{"type":"reboot_universe"}`))
	assert.Empty(t, *events)
}

func TestRunPromptCancellation(t *testing.T) {
	b, events := newTestBridge(t)
	b.shutdown = make(chan struct{})
	b.gitSyncComplete = make(chan struct{})
	b.client = sessionServer(t, "ses_x", nil)
	b.cfg.SessionIDFile = t.TempDir() + "/opencode-session-id"
	b.inactivity = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	b.tasks.Add(1)
	go func() {
		defer wg.Done()
		b.runPrompt(ctx, &protocol.PromptCommand{MessageID: "cp-1", Content: "hello"})
	}()
	wg.Wait()

	require.Len(t, *events, 1)
	done := (*events)[0].(*protocol.ExecutionCompleteEvent)
	assert.Equal(t, "cp-1", done.MessageID)
	assert.False(t, done.Success)
	assert.Equal(t, "Task was cancelled", done.Error)
}

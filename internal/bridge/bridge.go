// Package bridge implements the in-sandbox process that relays between the
// local OpenCode server and the remote control plane. It owns the websocket
// link, dispatches inbound commands, and runs one prompt session per prompt
// command.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openinspect/sandbox/internal/bridge/link"
	"github.com/openinspect/sandbox/internal/common/logger"
	"github.com/openinspect/sandbox/internal/tracing"
	"github.com/openinspect/sandbox/pkg/opencode"
	"github.com/openinspect/sandbox/pkg/protocol"
)

// Bridge relays between the OpenCode server and the control plane for one
// sandbox session.
type Bridge struct {
	cfg    Config
	log    *logger.Logger
	client *opencode.Client
	link   *link.Link

	// send delivers one outbound event; the link drops events silently while
	// disconnected.
	send func(protocol.Event)

	inactivity time.Duration

	shutdownOnce sync.Once
	shutdown     chan struct{}

	gitSyncOnce     sync.Once
	gitSyncComplete chan struct{}

	mu        sync.Mutex
	sessionID string

	tasks sync.WaitGroup
}

// New builds a bridge from its CLI configuration.
func New(cfg Config, log *logger.Logger) *Bridge {
	cfg.applyDefaults()

	log = log.With(
		zap.String("sandbox_id", cfg.SandboxID),
		zap.String("session_id", cfg.SessionID))

	b := &Bridge{
		cfg:    cfg,
		log:    log,
		client: opencode.NewClient(fmt.Sprintf("http://localhost:%d", cfg.OpencodePort), log),
		link: link.New(link.Config{
			ControlPlaneURL: cfg.ControlPlaneURL,
			SessionID:       cfg.SessionID,
			SandboxID:       cfg.SandboxID,
			AuthToken:       cfg.AuthToken,
		}, log),
		inactivity:      resolveSSEInactivityTimeout(log),
		shutdown:        make(chan struct{}),
		gitSyncComplete: make(chan struct{}),
	}
	b.send = b.link.Send
	return b
}

// Run connects to the control plane and serves commands until shutdown.
// Transient connection failures reconnect with capped exponential backoff; a
// terminal rejection by the control plane returns nil so the process exits 0
// and the supervisor mirrors the shutdown instead of restarting.
func (b *Bridge) Run(ctx context.Context) error {
	b.log.Info("bridge starting")
	b.loadSessionID(ctx)

	attempts := 0
	for !b.isShutdown() && ctx.Err() == nil {
		if err := b.link.Connect(ctx); err != nil {
			if errors.Is(err, link.ErrSessionTerminated) {
				b.log.Info("session terminated by control plane, shutting down",
					zap.Error(err))
				b.requestShutdown()
				break
			}
			if ctx.Err() != nil {
				break
			}
			b.log.Warn("control plane connection failed", zap.Error(err))
		} else {
			attempts = 0
			b.serve(ctx)
			if b.isShutdown() || ctx.Err() != nil {
				break
			}
			b.log.Warn("control plane connection lost")
		}

		attempts++
		delay := reconnectDelay(attempts)
		b.log.Info("reconnecting to control plane",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-b.shutdown:
		case <-ctx.Done():
		}
	}

	b.tasks.Wait()
	b.log.Info("bridge stopped")
	return nil
}

// serve drives one established connection: announce readiness, heartbeat, and
// read commands until the connection drops or shutdown is requested. Prompt
// goroutines spawned during this connection are cancelled when it ends.
func (b *Bridge) serve(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.send(protocol.NewReadyEvent(b.currentSessionID()))

	hbDone := make(chan struct{})
	go b.heartbeatLoop(connCtx, hbDone)

	for {
		data, err := b.link.ReadMessage()
		if err != nil {
			if !b.isShutdown() && ctx.Err() == nil {
				b.log.Debug("link read ended", zap.Error(err))
			}
			break
		}
		b.dispatch(connCtx, data)
		if b.isShutdown() {
			break
		}
	}

	cancel()
	<-hbDone
	b.link.Close()
}

func (b *Bridge) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if b.link.IsOpen() {
				b.send(protocol.NewHeartbeatEvent(time.Now()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatch handles one inbound message. Prompts run on their own goroutine so
// the read path stays responsive to stop and push while a prompt streams;
// everything else is quick enough to run inline.
func (b *Bridge) dispatch(ctx context.Context, data []byte) {
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		b.log.Warn("invalid control plane message", zap.Error(err))
		return
	}
	b.log.Debug("command received", zap.String("command_type", cmd.Type))

	switch cmd.Type {
	case protocol.CommandPrompt:
		prompt, err := cmd.Prompt()
		if err != nil {
			b.log.Warn("malformed prompt command", zap.Error(err))
			return
		}
		b.tasks.Add(1)
		go b.runPrompt(ctx, prompt)

	case protocol.CommandStop:
		b.handleStop(ctx)

	case protocol.CommandSnapshot:
		b.log.Info("snapshot requested")
		b.send(protocol.NewSnapshotReadyEvent(b.currentSessionID()))

	case protocol.CommandShutdown:
		b.log.Info("shutdown requested")
		b.requestShutdown()
		b.link.Close()

	case protocol.CommandGitSyncComplete:
		b.gitSyncOnce.Do(func() { close(b.gitSyncComplete) })

	case protocol.CommandPush:
		push, err := cmd.Push()
		if err != nil {
			b.log.Warn("malformed push command", zap.Error(err))
			return
		}
		b.handlePush(ctx, push)

	default:
		b.log.Debug("unknown command", zap.String("command_type", cmd.Type))
	}
}

// runPrompt wraps one prompt session so that every outcome, including
// cancellation, produces exactly one execution_complete event.
func (b *Bridge) runPrompt(ctx context.Context, cmd *protocol.PromptCommand) {
	defer b.tasks.Done()

	messageID := cmd.EffectiveMessageID()
	log := b.log.With(
		zap.String("message_id", messageID),
		zap.String("operation_id", uuid.NewString()))

	ctx, span := tracing.Tracer("bridge").Start(ctx, "bridge.prompt",
		trace.WithAttributes(
			attribute.String("prompt.message_id", messageID),
			attribute.String("prompt.model", cmd.Model)))
	defer span.End()

	start := time.Now()
	log.Info("prompt started", zap.String("model", cmd.Model))

	err := b.executePrompt(ctx, cmd, messageID)

	outcome := "success"
	switch {
	case err == nil:
		b.send(protocol.NewExecutionCompleteEvent(messageID, true, ""))
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
		b.send(protocol.NewExecutionCompleteEvent(messageID, false, "Task was cancelled"))
	default:
		outcome = "error"
		log.Error("prompt failed", zap.Error(err))
		b.send(protocol.NewExecutionCompleteEvent(messageID, false, err.Error()))
	}

	span.SetAttributes(attribute.String("prompt.outcome", outcome))
	log.Info("prompt finished",
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)))
}

func (b *Bridge) executePrompt(ctx context.Context, cmd *protocol.PromptCommand, messageID string) error {
	b.configureGitIdentity(ctx, resolveGitUser(cmd.Author))

	sessionID, err := b.ensureSession(ctx)
	if err != nil {
		return err
	}

	session := newPromptSession(b, sessionID, messageID)

	files := make([]opencode.PartInput, 0, len(cmd.Attachments))
	for _, a := range cmd.Attachments {
		files = append(files, opencode.FilePart(a.Mime, a.URL, a.Filename))
	}
	req := opencode.NewPromptRequest(cmd.Content, session.userMsgID, cmd.Model, files)

	return session.run(ctx, req)
}

// handleStop forwards a stop to OpenCode. Best effort: the in-flight prompt,
// if any, surfaces its own termination through the SSE stream.
func (b *Bridge) handleStop(ctx context.Context) {
	b.log.Info("stop requested")
	if id := b.currentSessionID(); id != "" {
		b.client.Stop(ctx, id, "command")
	}
}

// GitSyncComplete is closed when the control plane signals that a
// supervisor-driven git sync finished.
func (b *Bridge) GitSyncComplete() <-chan struct{} {
	return b.gitSyncComplete
}

func (b *Bridge) requestShutdown() {
	b.shutdownOnce.Do(func() { close(b.shutdown) })
}

func (b *Bridge) isShutdown() bool {
	select {
	case <-b.shutdown:
		return true
	default:
		return false
	}
}

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openinspect/sandbox/internal/common/logger"
	"github.com/openinspect/sandbox/pkg/opencode"
	"github.com/openinspect/sandbox/pkg/protocol"
)

// promptSession translates one prompt's OpenCode SSE activity into
// control-plane events. All of its state is per-prompt: a fresh session is
// created for every prompt command and discarded when it terminates.
//
// Correlation works through message IDs. The session generates an ascending
// user-message ID before the prompt request; OpenCode parents every resulting
// assistant message on it. An assistant message is admitted once a
// message.updated event proves the parent linkage; parts that arrive before
// admission are buffered and flushed in order when it happens.
type promptSession struct {
	client *opencode.Client
	log    *logger.Logger
	send   func(protocol.Event)

	sessionID string // OpenCode session
	messageID string // control-plane messageId, carried on every emitted event
	userMsgID string // generated ascending ID, parent of our assistant messages

	inactivity  time.Duration
	maxDuration time.Duration

	cumulativeText         map[string]string
	emittedToolStates      map[string]struct{}
	allowedAssistantMsgIDs map[string]struct{}
	pendingParts           map[string][]pendingPart
	pendingTotal           int
	dropLogged             bool
}

type pendingPart struct {
	part  opencode.Part
	delta string
}

func newPromptSession(b *Bridge, sessionID, messageID string) *promptSession {
	userMsgID := opencode.Ascending(opencode.IDKindMessage)
	return &promptSession{
		client:                 b.client,
		log:                    b.log.With(zap.String("message_id", messageID)),
		send:                   b.send,
		sessionID:              sessionID,
		messageID:              messageID,
		userMsgID:              userMsgID,
		inactivity:             b.inactivity,
		maxDuration:            promptMaxDuration,
		cumulativeText:         make(map[string]string),
		emittedToolStates:      make(map[string]struct{}),
		allowedAssistantMsgIDs: make(map[string]struct{}),
		pendingParts:           make(map[string][]pendingPart),
	}
}

// run subscribes to the event stream, submits the prompt, and translates
// events until the session goes idle, errors, times out, or the context is
// cancelled. The SSE subscription opens before the prompt POST so no event
// can slip between the two.
func (s *promptSession) run(ctx context.Context, req opencode.PromptRequest) error {
	stream, err := s.client.OpenEventStream(ctx, s.inactivity)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := s.client.SendPromptAsync(ctx, s.sessionID, req); err != nil {
		return err
	}

	deadline := time.NewTimer(s.maxDuration)
	defer deadline.Stop()

	for {
		select {
		case env, ok := <-stream.Events():
			if !ok {
				streamErr := stream.Err()
				switch {
				case errors.Is(streamErr, opencode.ErrStreamInactive):
					return s.recoverAfterTimeout(ctx, "inactivity_timeout",
						fmt.Errorf("sse stream inactive for %s (no data received)", s.inactivity))
				case streamErr != nil:
					return fmt.Errorf("sse stream: %w", streamErr)
				default:
					return errors.New("sse stream closed before session went idle")
				}
			}
			done, err := s.handleEvent(ctx, env)
			if done || err != nil {
				return err
			}

		case <-deadline.C:
			return s.recoverAfterTimeout(ctx, "max_duration_timeout",
				fmt.Errorf("prompt exceeded max duration of %s", s.maxDuration))

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recoverAfterTimeout asks OpenCode to stop the session and salvages whatever
// text the final message state holds before failing the prompt with cause.
func (s *promptSession) recoverAfterTimeout(ctx context.Context, reason string, cause error) error {
	s.log.Error("prompt timed out", zap.String("reason", reason), zap.Error(cause))
	s.client.Stop(ctx, s.sessionID, reason)
	s.fetchFinalState(ctx)
	return cause
}

// handleEvent processes one SSE event. It returns done=true when the prompt
// reached a terminal state, with err carrying the failure if that state was
// an error.
func (s *promptSession) handleEvent(ctx context.Context, env *opencode.EventEnvelope) (bool, error) {
	switch env.Type {
	case opencode.EventServerHeartbeat, opencode.EventServerConnected:
		return false, nil
	}

	// Events scoped to some other OpenCode session are invisible to this
	// prompt. Unscoped events pass through to the per-type checks.
	if sid := env.SessionID(); sid != "" && sid != s.sessionID {
		return false, nil
	}

	switch env.Type {
	case opencode.EventMessageUpdated:
		props, err := opencode.ParseMessageUpdated(env.Properties)
		if err != nil {
			s.log.Debug("malformed message.updated", zap.Error(err))
			return false, nil
		}
		s.handleMessageUpdated(&props.Info)

	case opencode.EventMessagePartUpdated:
		props, err := opencode.ParseMessagePartUpdated(env.Properties)
		if err != nil {
			s.log.Debug("malformed message.part.updated", zap.Error(err))
			return false, nil
		}
		s.handlePartUpdated(&props.Part, props.Delta)

	case opencode.EventSessionIdle:
		props, err := opencode.ParseSessionIdle(env.Properties)
		if err != nil || props.SessionID != s.sessionID {
			return false, nil
		}
		s.log.Debug("session idle",
			zap.Int("tracked_assistant_msgs", len(s.allowedAssistantMsgIDs)))
		s.fetchFinalState(ctx)
		return true, nil

	case opencode.EventSessionStatus:
		props, err := opencode.ParseSessionStatus(env.Properties)
		if err != nil || props.SessionID != s.sessionID || props.Status.Type != "idle" {
			return false, nil
		}
		s.log.Debug("session status idle",
			zap.Int("tracked_assistant_msgs", len(s.allowedAssistantMsgIDs)))
		s.fetchFinalState(ctx)
		return true, nil

	case opencode.EventSessionError:
		props, err := opencode.ParseSessionError(env.Properties)
		if err != nil || props.SessionID != s.sessionID {
			return false, nil
		}
		msg := props.Error.GetMessage()
		if msg == "" {
			msg = "Unknown error"
		}
		s.log.Error("opencode session error", zap.String("session_error", msg))
		s.send(protocol.NewErrorEvent(s.messageID, msg))
		return true, fmt.Errorf("opencode session error: %s", msg)
	}

	return false, nil
}

// handleMessageUpdated admits assistant messages that answer this prompt:
// same session, assistant role, and parented on our generated user-message
// ID. Admission flushes any parts buffered for that message in arrival order.
func (s *promptSession) handleMessageUpdated(info *opencode.MessageInfo) {
	if info.SessionID != s.sessionID || info.Role != "assistant" {
		return
	}
	if info.ParentID != s.userMsgID || info.ID == "" {
		return
	}
	if _, admitted := s.allowedAssistantMsgIDs[info.ID]; admitted {
		return
	}

	s.allowedAssistantMsgIDs[info.ID] = struct{}{}
	s.log.Debug("assistant message admitted", zap.String("assistant_msg_id", info.ID))

	pending := s.pendingParts[info.ID]
	if len(pending) == 0 {
		return
	}
	delete(s.pendingParts, info.ID)
	s.pendingTotal -= len(pending)
	for i := range pending {
		s.emitPart(&pending[i].part, pending[i].delta)
	}
}

// handlePartUpdated emits parts of admitted messages immediately and buffers
// the rest. The buffer is bounded; once full, further parts are dropped with
// a single warning for the whole prompt.
func (s *promptSession) handlePartUpdated(part *opencode.Part, delta string) {
	if _, admitted := s.allowedAssistantMsgIDs[part.MessageID]; admitted {
		s.emitPart(part, delta)
		return
	}
	if part.MessageID == "" {
		return
	}

	if s.pendingTotal >= maxPendingPartEvents {
		if !s.dropLogged {
			s.log.Warn("pending part buffer full, dropping parts",
				zap.Int("limit", maxPendingPartEvents))
			s.dropLogged = true
		}
		return
	}
	s.pendingParts[part.MessageID] = append(s.pendingParts[part.MessageID],
		pendingPart{part: *part, delta: delta})
	s.pendingTotal++
}

// emitPart translates one part update into zero or one control-plane event.
func (s *promptSession) emitPart(part *opencode.Part, delta string) {
	switch part.Type {
	case opencode.PartTypeText:
		if delta != "" {
			s.cumulativeText[part.ID] += delta
		} else {
			s.cumulativeText[part.ID] = part.Text
		}
		if content := s.cumulativeText[part.ID]; content != "" {
			s.send(protocol.NewTokenEvent(s.messageID, content))
		}

	case opencode.PartTypeTool:
		var status, output string
		var input json.RawMessage
		if part.State != nil {
			status = part.State.Status
			input = part.State.Input
			output = part.State.Output
		}
		// A tool call that has not even received its arguments yet carries
		// nothing worth forwarding.
		if (status == opencode.ToolStatusPending || status == "") && !part.State.HasInput() {
			return
		}
		key := part.CallID + ":" + status
		if _, emitted := s.emittedToolStates[key]; emitted {
			return
		}
		s.emittedToolStates[key] = struct{}{}
		s.send(protocol.NewToolCallEvent(s.messageID, part.Tool, part.CallID, status, output, input))

	case opencode.PartTypeStepStart:
		s.send(protocol.NewStepStartEvent(s.messageID))

	case opencode.PartTypeStepFinish:
		s.send(protocol.NewStepFinishEvent(s.messageID, part.Cost, part.Tokens, part.Reason))
	}
}

// fetchFinalState re-reads the session's message list and emits any text that
// outgrew what streaming delivered. SSE delivery near session.idle is not
// guaranteed; this is the safety net. Failures are logged and swallowed, the
// streamed text stands on its own.
func (s *promptSession) fetchFinalState(ctx context.Context) {
	messages, err := s.client.ListMessages(ctx, s.sessionID)
	if err != nil {
		s.log.Warn("final state fetch failed", zap.Error(err))
		return
	}

	for _, msg := range messages {
		if msg.Info.Role != "assistant" {
			continue
		}
		_, tracked := s.allowedAssistantMsgIDs[msg.Info.ID]
		if msg.Info.ParentID != s.userMsgID && !tracked {
			continue
		}

		for _, part := range msg.Parts {
			if part.Type != opencode.PartTypeText {
				continue
			}
			sent := s.cumulativeText[part.ID]
			if len(part.Text) > len(sent) {
				s.log.Debug("final state text update",
					zap.Int("prev_len", len(sent)),
					zap.Int("new_len", len(part.Text)))
				s.cumulativeText[part.ID] = part.Text
				s.send(protocol.NewTokenEvent(s.messageID, part.Text))
			}
		}
	}
}

package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/broker"
	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/pkg/streamjson"
	"github.com/agentdock/agentdock/pkg/ws"
)

// handleQuestionPrompt turns an AskUserQuestion tool call into a question
// turn: pending_question is set, the session transitions to waiting_input
// and the answer is later written back to the child as a plain user frame.
func (o *Orchestrator) handleQuestionPrompt(ctx context.Context, r *run, toolUse *streamjson.ToolUse) {
	id := r.sessionID
	requestID := toolUse.ID
	questions := parseQuestions(toolUse.Input)

	waiter := func(answers map[string]string, err error) {
		if err != nil {
			// Cancelled: discard; nothing is written back to the agent.
			return
		}
		wctx := context.Background()
		if werr := r.client.SendUserText(joinAnswers(answers)); werr != nil {
			o.logger.Warn("failed to write question answer",
				zap.String("session_id", id),
				zap.Error(werr))
		}
		if werr := o.store.AppendHistory(wctx, id, session.Entry{
			Kind:      session.EntryQuestionAnswer,
			RequestID: requestID,
			Answers:   answers,
		}); werr != nil {
			o.logger.Warn("failed to append question answer", zap.Error(werr))
		}
		if werr := o.store.SetPendingQuestion(wctx, id, nil); werr != nil {
			o.logger.Warn("failed to clear pending question", zap.Error(werr))
		}
		o.setStatus(wctx, id, session.StatusRunning)
	}

	if err := o.broker.RegisterQuestion(id, requestID, waiter); err != nil {
		o.publishError(id, err)
		return
	}

	record := &session.PendingQuestion{RequestID: requestID, Questions: questions}
	if err := o.store.SetPendingQuestion(ctx, id, record); err != nil {
		o.logger.Warn("failed to persist pending question", zap.Error(err))
	}
	if err := o.store.AppendHistory(ctx, id, session.Entry{
		Kind:      session.EntryQuestion,
		RequestID: requestID,
		Questions: questions,
	}); err != nil {
		o.logger.Warn("failed to append question entry", zap.Error(err))
	}

	o.publishSession(id, ws.EvAskUserQuestion, &ws.AskUserQuestionPayload{
		RequestID: requestID,
		Questions: questions,
	})
	o.setStatus(ctx, id, session.StatusWaitingInput)
}

// ResolveQuestion routes a client's answers to the pending question.
func (o *Orchestrator) ResolveQuestion(ctx context.Context, sessionID, requestID string, answers map[string]string) error {
	return o.broker.ResolveQuestion(sessionID, requestID, answers)
}

// handleAgentControlRequest services control requests raised by the agent
// on its own stdout; can_use_tool becomes a brokered permission prompt
// answered with a control_response on stdin.
func (o *Orchestrator) handleAgentControlRequest(r *run, requestID string, req *streamjson.ControlRequest) {
	if req.Subtype != streamjson.SubtypeCanUseTool {
		o.logger.Warn("unhandled control request subtype",
			zap.String("session_id", r.sessionID),
			zap.String("subtype", req.Subtype))
		if err := r.client.SendControlResponse(requestID, &streamjson.ControlResponse{
			Subtype: "error",
			Error:   "unhandled subtype: " + req.Subtype,
		}); err != nil {
			o.logger.Warn("failed to send error response", zap.Error(err))
		}
		return
	}

	waiter := func(resp session.PermissionResponse, err error) {
		if err != nil {
			// Cancelled waiter: the child is going away; nothing to write.
			return
		}
		if werr := r.client.SendControlResponse(requestID, &streamjson.ControlResponse{
			Subtype: "success",
			Result: &streamjson.PermissionResult{
				Behavior:     resp.Behavior,
				UpdatedInput: resp.UpdatedInput,
				Message:      resp.Message,
			},
		}); werr != nil {
			o.logger.Warn("failed to send permission response",
				zap.String("session_id", r.sessionID),
				zap.Error(werr))
		}
	}

	if err := o.OnPermissionRequest(context.Background(), r.sessionID, requestID, req.ToolName, req.Input, session.OriginAgent, waiter); err != nil {
		o.publishError(r.sessionID, err)
		if werr := r.client.SendControlResponse(requestID, &streamjson.ControlResponse{
			Subtype: "success",
			Result:  &streamjson.PermissionResult{Behavior: streamjson.BehaviorDeny, Message: dockerrors.MessageOf(err)},
		}); werr != nil {
			o.logger.Warn("failed to send deny response", zap.Error(werr))
		}
	}
}

// OnPermissionRequest registers an inbound permission request (from the
// agent or from the external permission service) and transitions the
// session to waiting_permission.
func (o *Orchestrator) OnPermissionRequest(ctx context.Context, sessionID, requestID, toolName string, input map[string]any, origin session.PermissionOrigin, upstream broker.PermissionWaiter) error {
	if _, err := o.store.Get(sessionID); err != nil {
		return err
	}

	waiter := func(resp session.PermissionResponse, err error) {
		wctx := context.Background()
		if err == nil {
			if werr := o.store.SetPendingPermission(wctx, sessionID, nil); werr != nil {
				o.logger.Warn("failed to clear pending permission", zap.Error(werr))
			}
			o.setStatus(wctx, sessionID, session.StatusRunning)
		}
		upstream(resp, err)
	}

	if err := o.broker.RegisterPermission(sessionID, requestID, waiter); err != nil {
		return err
	}

	record := &session.PendingPermission{
		RequestID: requestID,
		ToolName:  toolName,
		Input:     input,
		Origin:    origin,
	}
	if err := o.store.SetPendingPermission(ctx, sessionID, record); err != nil {
		o.logger.Warn("failed to persist pending permission", zap.Error(err))
	}

	o.publishSession(sessionID, ws.EvPermissionRequest, &ws.PermissionRequestPayload{
		RequestID: requestID,
		ToolName:  toolName,
		Input:     input,
	})
	o.setStatus(ctx, sessionID, session.StatusWaitingPermission)
	return nil
}

// ResolvePermission forwards a client's verdict to the upstream waiter.
// Duplicate responses for the same request id yield not_found without
// disturbing session state.
func (o *Orchestrator) ResolvePermission(ctx context.Context, sessionID, requestID string, decision ws.PermissionDecision) error {
	return o.broker.ResolvePermission(sessionID, requestID, session.PermissionResponse{
		Behavior:     decision.Behavior,
		UpdatedInput: decision.UpdatedInput,
		Message:      decision.Message,
	})
}

// parseQuestions decodes the AskUserQuestion tool input.
func parseQuestions(input map[string]any) []session.Question {
	raw, _ := input["questions"].([]any)
	questions := make([]session.Question, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		q := session.Question{}
		q.Question, _ = m["question"].(string)
		q.Header, _ = m["header"].(string)
		q.MultiSelect, _ = m["multiSelect"].(bool)
		if opts, ok := m["options"].([]any); ok {
			for _, opt := range opts {
				switch v := opt.(type) {
				case string:
					q.Options = append(q.Options, v)
				case map[string]any:
					if label, ok := v["label"].(string); ok {
						q.Options = append(q.Options, label)
					}
				}
			}
		}
		questions = append(questions, q)
	}
	return questions
}

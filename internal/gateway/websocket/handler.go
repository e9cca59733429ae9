package websocket

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	dockerrors "github.com/agentdock/agentdock/internal/common/errors"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/session"
	"github.com/agentdock/agentdock/internal/session/orchestrator"
	"github.com/agentdock/agentdock/internal/workspace"
	"github.com/agentdock/agentdock/pkg/ws"
)

// Gateway routes inbound command frames to the orchestrator and session
// store. Commands that do not need the originating connection go through
// the dispatcher; connection-bound commands (attach, create, the
// permission-service peer) are handled in handleFrame directly.
type Gateway struct {
	hub        *Hub
	orch       *orchestrator.Orchestrator
	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

// NewGateway creates the command router and registers the dispatcher
// handlers.
func NewGateway(hub *Hub, orch *orchestrator.Orchestrator, log *logger.Logger) *Gateway {
	g := &Gateway{
		hub:        hub,
		orch:       orch,
		dispatcher: ws.NewDispatcher(),
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
	g.registerHandlers()
	return g
}

// registerHandlers wires every connection-independent command into the
// dispatcher.
func (g *Gateway) registerHandlers() {
	g.dispatcher.RegisterFunc(ws.CmdListSessions, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		return []*ws.Event{ws.NewEvent(ws.EvSessionList, "", &ws.SessionListPayload{Sessions: g.orch.Store().List()})}, nil
	})

	g.dispatcher.RegisterFunc(ws.CmdDeleteSession, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.SessionCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.Delete(ctx, cmd.SessionID)
	})

	g.dispatcher.RegisterFunc(ws.CmdRenameSession, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.RenameSessionCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.Rename(ctx, cmd.SessionID, cmd.Name)
	})

	g.dispatcher.RegisterFunc(ws.CmdSetPermissionMode, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.SetPermissionModeCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.SetPermissionMode(ctx, cmd.SessionID, cmd.Mode)
	})

	g.dispatcher.RegisterFunc(ws.CmdSetModel, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.SetModelCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.SetModel(ctx, cmd.SessionID, cmd.Model, cmd.OldModel)
	})

	g.dispatcher.RegisterFunc(ws.CmdUserMessage, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.UserMessageCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.UserMessage(ctx, cmd.SessionID, cmd.Content, imagesToAttachments(cmd.Images))
	})

	g.dispatcher.RegisterFunc(ws.CmdInterrupt, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.SessionCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.Interrupt(ctx, cmd.SessionID)
	})

	g.dispatcher.RegisterFunc(ws.CmdCompactSession, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.SessionCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.Compact(ctx, cmd.SessionID)
	})

	g.dispatcher.RegisterFunc(ws.CmdPermissionResponse, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.PermissionResponseCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.ResolvePermission(ctx, cmd.SessionID, cmd.RequestID, cmd.Response)
	})

	g.dispatcher.RegisterFunc(ws.CmdQuestionResponse, func(ctx context.Context, frame *ws.Frame) ([]*ws.Event, error) {
		var cmd ws.QuestionResponseCmd
		if err := decode(frame, &cmd); err != nil {
			return nil, err
		}
		return nil, g.orch.ResolveQuestion(ctx, cmd.SessionID, cmd.RequestID, cmd.Answers)
	})
}

// decode unmarshals a command, mapping failures to protocol errors.
func decode(frame *ws.Frame, v any) error {
	if err := frame.Decode(v); err != nil {
		return dockerrors.Protocol("invalid " + frame.Type + " payload")
	}
	return nil
}

// handleFrame processes one inbound frame. Failures are reported to the
// originating connection as error frames; the connection stays open.
func (g *Gateway) handleFrame(ctx context.Context, c *Client, frame *ws.Frame) {
	// Commands that need the connection itself (attach bookkeeping, the
	// permission-service peer waiter) bypass the dispatcher.
	var err error
	switch frame.Type {
	case ws.CmdCreateSession:
		err = g.handleCreateSession(ctx, c, frame)
	case ws.CmdAttachSession:
		err = g.handleAttachSession(ctx, c, frame)
	case ws.CmdPermissionRequest:
		err = g.handlePermissionRequest(ctx, c, frame)
	default:
		events, derr, handled := g.dispatcher.Dispatch(ctx, frame)
		if !handled {
			c.sendError(frame.SessionID, dockerrors.KindProtocol, "unknown command type: "+frame.Type)
			return
		}
		for _, event := range events {
			c.sendEvent(event)
		}
		err = derr
	}

	if err != nil {
		g.logger.Debug("command failed",
			zap.String("type", frame.Type),
			zap.String("session_id", frame.SessionID),
			zap.Error(err))
		c.sendError(frame.SessionID, dockerrors.KindOf(err), dockerrors.MessageOf(err))
	}
}

func (g *Gateway) handleCreateSession(ctx context.Context, c *Client, frame *ws.Frame) error {
	var cmd ws.CreateSessionCmd
	if err := decode(frame, &cmd); err != nil {
		return err
	}

	seed := session.Seed{Name: cmd.Name, WorkingDir: cmd.WorkingDir, Model: cmd.Model}
	if len(cmd.Repo) > 0 {
		var repo workspace.Descriptor
		if err := json.Unmarshal(cmd.Repo, &repo); err != nil {
			return dockerrors.Protocol("invalid repository descriptor")
		}
		seed.Repo = &repo
	}

	sess, err := g.orch.Create(ctx, seed)
	if err != nil {
		return err
	}
	// The creator observes its session without a separate attach round
	// trip.
	g.hub.AttachSession(c, sess.ID)
	return nil
}

// handleAttachSession enrolls the connection for the session's fan-out and
// replies with a full state snapshot so the client can re-render without
// further round trips.
func (g *Gateway) handleAttachSession(ctx context.Context, c *Client, frame *ws.Frame) error {
	var cmd ws.SessionCmd
	if err := decode(frame, &cmd); err != nil {
		return err
	}

	sess, err := g.orch.Store().Get(cmd.SessionID)
	if err != nil {
		return err
	}
	history, err := g.orch.Store().History(ctx, cmd.SessionID)
	if err != nil {
		return err
	}

	g.hub.AttachSession(c, cmd.SessionID)

	payload := &ws.SessionAttachedPayload{
		Session:   sess,
		History:   history,
		IsRunning: g.orch.IsRunning(cmd.SessionID),
		Usage:     sess.Usage,
	}
	if len(sess.ModelUsage) > 0 {
		payload.ModelUsage = sess.ModelUsage
	}
	if sess.PendingPermission != nil {
		payload.PendingPermission = sess.PendingPermission
	}
	if sess.PendingQuestion != nil {
		payload.PendingQuestion = sess.PendingQuestion
	}
	c.sendEvent(ws.NewEvent(ws.EvSessionAttached, cmd.SessionID, payload))
	return nil
}

// handlePermissionRequest services the external permission service acting
// as a peer: the verdict is returned to this connection as a
// permission_result frame.
func (g *Gateway) handlePermissionRequest(ctx context.Context, c *Client, frame *ws.Frame) error {
	var cmd ws.PermissionRequestCmd
	if err := decode(frame, &cmd); err != nil {
		return err
	}

	sessionID := cmd.SessionID
	requestID := cmd.RequestID
	waiter := func(resp session.PermissionResponse, err error) {
		if err != nil {
			c.sendError(sessionID, dockerrors.KindOf(err), dockerrors.MessageOf(err))
			return
		}
		c.sendEvent(ws.NewEvent(ws.EvPermissionResult, sessionID, &ws.PermissionResultPayload{
			RequestID: requestID,
			Response: ws.PermissionDecision{
				Behavior:     resp.Behavior,
				UpdatedInput: resp.UpdatedInput,
				Message:      resp.Message,
			},
		}))
	}

	return g.orch.OnPermissionRequest(ctx, sessionID, requestID, cmd.ToolName, cmd.Input, session.OriginPeer, waiter)
}

func imagesToAttachments(images []ws.Image) []session.Attachment {
	if len(images) == 0 {
		return nil
	}
	out := make([]session.Attachment, len(images))
	for i, img := range images {
		out[i] = session.Attachment{MediaType: img.MediaType, Data: img.Data}
	}
	return out
}

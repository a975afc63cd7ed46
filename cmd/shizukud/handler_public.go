package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"shizukud/internal/broker"
	"shizukud/internal/compat"
	"shizukud/internal/ipc"
	"shizukud/internal/manager"
	"shizukud/internal/metrics"
	"shizukud/internal/store"
	"shizukud/internal/supervisor"
)

// publicHandler serves the app-facing socket: the permission surface,
// the compatibility shim, and process supervision. Authorization is
// per-operation against the connection's peer credentials.
type publicHandler struct {
	engine  *broker.Engine
	shim    *compat.Service
	sup     *supervisor.Supervisor
	metrics *metrics.Broker
	log     *slog.Logger
}

func (h *publicHandler) HandleMessage(ctx context.Context, conn *ipc.Conn, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID

	switch msg.Header.Type {
	case ipc.MsgPing:
		return ipc.Marshal(ipc.MsgPong, reqID, ipc.PongPayload{ProtocolVersion: h.engine.Ping()})

	case ipc.MsgRequestPermission:
		var req ipc.RequestPermissionPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		cb := &connCallback{conn: conn, requestID: reqID, log: h.log}
		err := h.engine.RequestPermission(ctx, conn.Peer.UID, req.PackageName, req.UserID, cb)
		if err != nil {
			if errors.Is(err, broker.ErrRateLimited) {
				h.metrics.RateLimited.Inc()
			}
			return errorResponse(reqID, err), nil
		}
		h.syncGauges()
		return ipc.NewMessage(ipc.MsgRequestPermissionAck, reqID, nil), nil

	case ipc.MsgGetMyPermission:
		var req ipc.GetMyPermissionPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		g, ok, err := h.engine.GetMyPermission(conn.Peer.UID, req.PackageName, req.UserID)
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		resp := ipc.GetMyPermissionResponse{}
		if ok {
			info := toGrantInfo(g)
			resp.Grant = &info
		}
		return ipc.Marshal(ipc.MsgGetMyPermissionResp, reqID, resp)

	case ipc.MsgAttachSession:
		var req ipc.AttachSessionPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		if err := h.engine.AttachSession(conn.Peer.UID, req.SessionToken, conn); err != nil {
			return errorResponse(reqID, err), nil
		}
		h.syncGauges()
		return ipc.NewMessage(ipc.MsgAttachSessionResp, reqID, nil), nil

	case ipc.MsgCheckSelfPermission:
		return ipc.Marshal(ipc.MsgCheckSelfPermissionResp, reqID,
			ipc.CheckSelfPermissionResponse{Granted: h.shim.CheckSelfPermission(conn.Peer.UID)})

	case ipc.MsgCompatRequestPermission:
		var req ipc.CompatRequestPermissionPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		err := h.shim.RequestPermission(ctx, conn.Peer.UID, req.RequestCode,
			func(code int, granted bool) {
				result, err := ipc.Marshal(ipc.MsgCompatPermissionResult, reqID,
					ipc.CompatPermissionResultPayload{RequestCode: code, Granted: granted})
				if err != nil {
					return
				}
				if err := conn.Send(result); err != nil {
					h.log.Warn("compat result delivery failed", "conn", conn.ID, "error", err)
				}
			})
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		return ipc.NewMessage(ipc.MsgCompatRequestAck, reqID, nil), nil

	case ipc.MsgCompatInfo:
		return ipc.Marshal(ipc.MsgCompatInfoResp, reqID, ipc.CompatInfoResponse{
			Version:        h.shim.GetVersion(),
			UID:            h.shim.GetUID(),
			SELinuxContext: h.shim.GetSELinuxContext(),
		})

	case ipc.MsgGetProperty:
		var req ipc.PropertyPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		return ipc.Marshal(ipc.MsgGetPropertyResp, reqID, ipc.PropertyPayload{
			Name:  req.Name,
			Value: h.shim.GetSystemProperty(req.Name, ""),
		})

	case ipc.MsgSetProperty:
		var req ipc.PropertyPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		if err := h.shim.SetSystemProperty(conn.Peer.UID, req.Name, req.Value); err != nil {
			return errorResponse(reqID, err), nil
		}
		return ipc.NewMessage(ipc.MsgSetPropertyResp, reqID, nil), nil

	case ipc.MsgAddUserService:
		var req ipc.UserServicePayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		return ipc.Marshal(ipc.MsgAddUserServiceResp, reqID,
			ipc.UserServiceResponse{Result: h.shim.AddUserService(req.Args)})

	case ipc.MsgRemoveUserService:
		var req ipc.UserServicePayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		return ipc.Marshal(ipc.MsgRemoveUserServiceResp, reqID,
			ipc.UserServiceResponse{Result: h.shim.RemoveUserService(req.Args)})

	case ipc.MsgAttachUserService:
		var req ipc.UserServicePayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		h.shim.AttachUserService(req.Args)
		return ipc.NewMessage(ipc.MsgAttachUserServiceResp, reqID, nil), nil

	case ipc.MsgAttachApplication:
		var req ipc.UserServicePayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		h.shim.AttachApplication(req.Args)
		return ipc.NewMessage(ipc.MsgAttachApplicationResp, reqID, nil), nil

	case ipc.MsgDispatchPackageChanged:
		h.shim.DispatchPackageChanged()
		return ipc.NewMessage(ipc.MsgDispatchPackageChangedResp, reqID, nil), nil

	case ipc.MsgIsHidden:
		var req ipc.UIDFlagsPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		return ipc.Marshal(ipc.MsgIsHiddenResp, reqID,
			ipc.IsHiddenResponse{Hidden: h.shim.IsHidden(req.UID)})

	case ipc.MsgGetFlagsForUID:
		var req ipc.UIDFlagsPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		return ipc.Marshal(ipc.MsgGetFlagsForUIDResp, reqID,
			ipc.UIDFlagsResponse{Flags: h.shim.GetFlagsForUID(req.UID, req.Mask)})

	case ipc.MsgUpdateFlagsForUID:
		var req ipc.UIDFlagsPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		h.shim.UpdateFlagsForUID(req.UID, req.Mask, req.Value)
		return ipc.NewMessage(ipc.MsgUpdateFlagsForUIDResp, reqID, nil), nil

	case ipc.MsgNewProcess:
		return h.handleNewProcess(conn, reqID, msg)

	case ipc.MsgProcessStreams:
		return h.handleProcessStreams(conn, reqID, msg)

	case ipc.MsgProcessWait:
		var req ipc.ProcessWaitPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		p, err := h.sup.Get(conn.Peer.UID, req.ProcessID)
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		resp := ipc.ProcessWaitResponse{}
		if req.TimeoutMs > 0 {
			resp.Exited = p.WaitFor(time.Duration(req.TimeoutMs) * time.Millisecond)
			if resp.Exited {
				resp.ExitCode, _ = p.ExitCode()
			}
		} else {
			resp.ExitCode = p.Wait()
			resp.Exited = true
		}
		return ipc.Marshal(ipc.MsgProcessWaitResp, reqID, resp)

	case ipc.MsgProcessExit:
		var req ipc.ProcessRefPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		p, err := h.sup.Get(conn.Peer.UID, req.ProcessID)
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		code, err := p.ExitCode()
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		return ipc.Marshal(ipc.MsgProcessExitResp, reqID, ipc.ProcessExitResponse{ExitCode: code})

	case ipc.MsgProcessAlive:
		var req ipc.ProcessRefPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		p, err := h.sup.Get(conn.Peer.UID, req.ProcessID)
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		return ipc.Marshal(ipc.MsgProcessAliveResp, reqID, ipc.ProcessAliveResponse{Alive: p.Alive()})

	case ipc.MsgProcessDestroy:
		var req ipc.ProcessRefPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		p, err := h.sup.Get(conn.Peer.UID, req.ProcessID)
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		p.Destroy()
		h.syncGauges()
		return ipc.NewMessage(ipc.MsgProcessDestroyResp, reqID, nil), nil
	}

	return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, "unknown message type"), nil
}

func (h *publicHandler) handleNewProcess(conn *ipc.Conn, reqID uint32, msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.NewProcessPayload
	if err := ipc.Unmarshal(msg, &req); err != nil {
		return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
	}
	p, err := h.sup.NewProcess(conn.Peer.UID, req.Cmd, req.Env, req.Dir, conn)
	if err != nil {
		return errorResponse(reqID, err), nil
	}
	h.metrics.ProcessesTotal.Inc()
	h.syncGauges()
	return ipc.Marshal(ipc.MsgNewProcessResp, reqID, ipc.NewProcessResponse{ProcessID: p.ID})
}

// handleProcessStreams sends the response itself: the descriptors ride
// the same control message as the payload.
func (h *publicHandler) handleProcessStreams(conn *ipc.Conn, reqID uint32, msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.ProcessRefPayload
	if err := ipc.Unmarshal(msg, &req); err != nil {
		return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
	}
	p, err := h.sup.Get(conn.Peer.UID, req.ProcessID)
	if err != nil {
		return errorResponse(reqID, err), nil
	}

	stdin, stdout, stderr := p.Streams()
	resp := ipc.ProcessStreamsResponse{
		Stdin:  stdin != nil,
		Stdout: stdout != nil,
		Stderr: stderr != nil,
	}
	reply, err := ipc.Marshal(ipc.MsgProcessStreamsResp, reqID, resp)
	if err != nil {
		return nil, err
	}

	files := make([]*os.File, 0, 3)
	for _, f := range []*os.File{stdin, stdout, stderr} {
		if f != nil {
			files = append(files, f)
		}
	}
	if err := conn.SendWithFiles(reply, files); err != nil {
		h.log.Warn("stream transfer failed", "conn", conn.ID, "error", err)
	}
	return nil, nil
}

func (h *publicHandler) syncGauges() {
	h.metrics.ActiveSessions.Set(int64(h.engine.Sessions().Count()))
	h.metrics.LiveProcesses.Set(int64(h.sup.GlobalCount()))
}

// connCallback delivers the one-shot consent outcome back over the
// requesting connection, correlated by the original request id. Delivery
// to a dead peer is logged and swallowed.
type connCallback struct {
	conn      *ipc.Conn
	requestID uint32
	log       *slog.Logger
}

func (c *connCallback) OnGranted(g store.Grant, sessionToken string) {
	info := toGrantInfo(g)
	msg, err := ipc.Marshal(ipc.MsgPermissionResult, c.requestID, ipc.PermissionResultPayload{
		Granted:      true,
		Grant:        &info,
		SessionToken: sessionToken,
		PackageName:  g.PackageName,
		UserID:       g.UserID,
	})
	if err != nil {
		return
	}
	if err := c.conn.Send(msg); err != nil {
		c.log.Warn("onGranted delivery failed", "conn", c.conn.ID, "error", err)
	}
}

func (c *connCallback) OnDenied(pkg string, userID int) {
	msg, err := ipc.Marshal(ipc.MsgPermissionResult, c.requestID, ipc.PermissionResultPayload{
		Granted:     false,
		PackageName: pkg,
		UserID:      userID,
	})
	if err != nil {
		return
	}
	if err := c.conn.Send(msg); err != nil {
		c.log.Warn("onDenied delivery failed", "conn", c.conn.ID, "error", err)
	}
}

// errorResponse maps domain errors to protocol error codes.
func errorResponse(reqID uint32, err error) *ipc.Message {
	code := ipc.CodeInternal
	switch {
	case errors.Is(err, broker.ErrNotOwner):
		code = ipc.CodeNotOwner
	case errors.Is(err, broker.ErrRateLimited):
		code = ipc.CodeRateLimit
	case errors.Is(err, manager.ErrNotAuthorized):
		code = ipc.CodeNotAuthorized
	case errors.Is(err, supervisor.ErrNotGranted):
		code = ipc.CodeNotGranted
	case errors.Is(err, supervisor.ErrResourceExhausted):
		code = ipc.CodeResourceExhausted
	case errors.Is(err, supervisor.ErrNotExited):
		code = ipc.CodeNotExited
	case errors.Is(err, supervisor.ErrNotFound):
		code = ipc.CodeBadRequest
	}
	return ipc.ErrorMessage(reqID, code, err.Error())
}

// toGrantInfo converts a store record to its wire form.
func toGrantInfo(g store.Grant) ipc.GrantInfo {
	return ipc.GrantInfo{
		Version:     g.Version,
		PackageName: g.PackageName,
		AppID:       g.AppID,
		UserID:      g.UserID,
		Granted:     g.Granted,
		GrantedAt:   g.GrantedAt,
		ExpiresAt:   g.ExpiresAt,
		Flags:       g.Flags,
		Scope:       g.Scope,
	}
}

// toAuditInfo converts an audit event to its wire form.
func toAuditInfo(e store.AuditEvent) ipc.AuditEventInfo {
	return ipc.AuditEventInfo{
		Version:     e.Version,
		EventType:   e.EventType,
		PackageName: e.PackageName,
		AppID:       e.AppID,
		UserID:      e.UserID,
		EventAt:     e.EventAt,
		Detail:      e.Detail,
	}
}

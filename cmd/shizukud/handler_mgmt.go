package main

import (
	"context"
	"log/slog"

	"shizukud/internal/broker"
	"shizukud/internal/ipc"
	"shizukud/internal/manager"
	"shizukud/internal/store"
	"shizukud/internal/supervisor"
)

// mgmtHandler serves the privileged management socket. The socket mode
// already limits connections to root; the manager additionally enforces
// the capability UID set on every operation.
type mgmtHandler struct {
	mgr       *manager.Manager
	store     *store.Store
	sessions  *broker.Sessions
	sup       *supervisor.Supervisor
	startedAt int64
	log       *slog.Logger
}

func (h *mgmtHandler) HandleMessage(ctx context.Context, conn *ipc.Conn, msg *ipc.Message) (*ipc.Message, error) {
	reqID := msg.Header.RequestID
	callerUID := conn.Peer.UID

	switch msg.Header.Type {
	case ipc.MsgPing:
		return ipc.Marshal(ipc.MsgPong, reqID, ipc.PongPayload{ProtocolVersion: broker.ProtocolVersion})

	case ipc.MsgListGrants:
		var req ipc.UserPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		grants, err := h.mgr.ListGrants(callerUID, req.UserID)
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		resp := ipc.ListGrantsResponse{Grants: make([]ipc.GrantInfo, 0, len(grants))}
		for _, g := range grants {
			resp.Grants = append(resp.Grants, toGrantInfo(g))
		}
		return ipc.Marshal(ipc.MsgListGrantsResp, reqID, resp)

	case ipc.MsgGetPermission:
		var req ipc.PackageUserPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		g, ok, err := h.mgr.GetPermission(callerUID, req.PackageName, req.UserID)
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		resp := ipc.GetMyPermissionResponse{}
		if ok {
			info := toGrantInfo(g)
			resp.Grant = &info
		}
		return ipc.Marshal(ipc.MsgGetPermissionResp, reqID, resp)

	case ipc.MsgRevokePermission:
		var req ipc.PackageUserPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		if err := h.mgr.RevokePermission(callerUID, req.PackageName, req.UserID); err != nil {
			return errorResponse(reqID, err), nil
		}
		return ipc.NewMessage(ipc.MsgRevokePermissionResp, reqID, nil), nil

	case ipc.MsgRevokeAllPermissions:
		var req ipc.UserPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		if err := h.mgr.RevokeAllPermissions(callerUID, req.UserID); err != nil {
			return errorResponse(reqID, err), nil
		}
		return ipc.NewMessage(ipc.MsgRevokeAllPermissionsResp, reqID, nil), nil

	case ipc.MsgGetAuditLog:
		var req ipc.AuditLogPayload
		if err := ipc.Unmarshal(msg, &req); err != nil {
			return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, err.Error()), nil
		}
		events, err := h.mgr.GetAuditLog(callerUID, req.PackageName, req.UserID)
		if err != nil {
			return errorResponse(reqID, err), nil
		}
		resp := ipc.AuditLogResponse{Events: make([]ipc.AuditEventInfo, 0, len(events))}
		for _, e := range events {
			resp.Events = append(resp.Events, toAuditInfo(e))
		}
		return ipc.Marshal(ipc.MsgGetAuditLogResp, reqID, resp)

	case ipc.MsgStatus:
		return ipc.Marshal(ipc.MsgStatusResp, reqID, ipc.StatusResponse{
			Version:         version,
			ProtocolVersion: broker.ProtocolVersion,
			StartedAt:       h.startedAt,
			Users:           h.store.Users(),
			ActiveSessions:  h.sessions.Count(),
			LiveProcesses:   h.sup.GlobalCount(),
		})

	case ipc.MsgSubscribe:
		conn.Subscribe()
		return ipc.NewMessage(ipc.MsgSubscribeResp, reqID, nil), nil
	}

	return ipc.ErrorMessage(reqID, ipc.CodeBadRequest, "unknown message type"), nil
}

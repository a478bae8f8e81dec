package gateway

import (
	"context"

	"FlareIM/module/gateway/frame"
	"FlareIM/module/im/model"
	"FlareIM/service/eventbus"
	"FlareIM/service/rpc"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
)

var (
	_ rpc.GatewayServer = (*Server)(nil)
	_ rpc.SessionServer = (*Server)(nil)
)

// Deliver 推送 worker 按 gateway_id 路由过来；本网关没有该设备的连接返回 NotFound
func (s *Server) Deliver(_ context.Context, req *rpc.DeliverRequest) (*rpc.DeliverResponse, error) {
	if req.UserID == "" || req.Message == nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("deliver requires user_id and message")
	}
	var targets []*Conn
	for _, sess := range s.deps.Sessions.ResolveByUser(req.UserID) {
		if req.DeviceID != "" && sess.DeviceID != req.DeviceID {
			continue
		}
		if req.TenantID != "" && sess.TenantID != req.TenantID {
			continue
		}
		if c := s.conn(sess.ConnectionID); c != nil && !c.Closed() {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return nil, errs.ErrNotFound.WrapMsg("no local connection",
			"user_id", req.UserID, "device_id", req.DeviceID, "gateway_id", s.opts.GatewayID)
	}

	f := messageFrame(req.Message)
	f.TaskID = req.TaskID
	f.TS = s.opts.Clock().UnixMilli()
	b := frame.Marshal(f)
	n := 0
	for _, c := range targets {
		if c.Enqueue(b) {
			n++
			s.deps.Metrics.Delivered()
			continue
		}
		if !c.Closed() {
			s.deps.Metrics.SlowClient()
			s.log.Warn("slow client disconnected", zap.String("conn_id", c.ID), zap.String("user_id", req.UserID))
			c.Close()
		}
	}
	if n == 0 {
		return nil, errs.ErrUnavailable.WrapMsg("outbound queue full", "user_id", req.UserID)
	}
	return &rpc.DeliverResponse{Delivered: n}, nil
}

func messageFrame(m *model.Message) *frame.Frame {
	return &frame.Frame{
		Type:              frame.TypeMessage,
		TenantID:          m.TenantID,
		MessageID:         m.MessageID,
		ConversationID:    m.ConversationID,
		ConversationType:  string(m.ConversationType),
		Kind:              string(m.Kind),
		Payload:           m.Payload.Data,
		MIME:              m.Payload.MIME,
		ClientTS:          m.ClientTS,
		Seq:               m.Seq,
		ServerTS:          m.ServerTS,
		OriginalMessageID: m.OriginalMessageID,
		Attributes:        m.Attributes,
		Attachments:       m.Attachments,
		Priority:          int64(m.Delivery.Priority),
		SenderUserID:      m.Sender.UserID,
		SenderDeviceID:    m.Sender.DeviceID,
	}
}

func (s *Server) GetOnlineStatus(ctx context.Context, req *rpc.OnlineStatusRequest) (*rpc.OnlineStatusResponse, error) {
	online, err := s.deps.Presence.BatchOnlineStatus(ctx, req.UserIDs)
	if err != nil {
		return nil, err
	}
	return &rpc.OnlineStatusResponse{Online: online}, nil
}

func (s *Server) ListUserDevices(ctx context.Context, req *rpc.ListDevicesRequest) (*rpc.ListDevicesResponse, error) {
	if req.UserID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("user_id required")
	}
	recs, err := s.deps.Presence.List(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return &rpc.ListDevicesResponse{Devices: recs}, nil
}

// onDeviceKicked 只处理本网关的会话：先发 KICKED，再终止会话
func (s *Server) onDeviceKicked(ev eventbus.DeviceKicked) {
	if ev.GatewayID != "" && ev.GatewayID != s.opts.GatewayID {
		return
	}
	sess, err := s.kickedSession(ev)
	if err != nil {
		return
	}
	if c := s.conn(sess.ConnectionID); c != nil {
		s.send(c, &frame.Frame{
			Type:      frame.TypeKicked,
			SessionID: sess.SessionID,
			TenantID:  sess.TenantID,
			Reason:    ev.Reason,
		})
		c.CloseAfterFlush()
	}
	if _, err := s.deps.Sessions.Terminate(sess.SessionID, model.ReasonKicked); err != nil {
		s.log.Debug("terminate kicked session", zap.String("session_id", sess.SessionID), zap.Error(err))
		return
	}
	s.log.Info("session kicked",
		zap.String("session_id", sess.SessionID), zap.String("user_id", ev.UserID),
		zap.String("device_id", ev.DeviceID), zap.String("by_device", ev.ByDevice))
}

func (s *Server) kickedSession(ev eventbus.DeviceKicked) (model.Session, error) {
	if ev.SessionID != "" {
		sess, err := s.deps.Sessions.Resolve(ev.SessionID)
		if err == nil && sess.DeviceID == ev.DeviceID {
			return sess, nil
		}
	}
	return s.deps.Sessions.ResolveDevice(ev.UserID, ev.DeviceID)
}

// onSessionTerminated 过期 / 被替换 / 登出：断开仍挂在该会话上的本地连接
func (s *Server) onSessionTerminated(ev eventbus.SessionTerminated) {
	c := s.conn(ev.Session.ConnectionID)
	if c == nil {
		return
	}
	if cur, ok := c.Session(); !ok || cur.SessionID != ev.Session.SessionID {
		return
	}
	c.CloseAfterFlush()
	s.deps.Metrics.SetSessions(s.deps.Sessions.Len())
}

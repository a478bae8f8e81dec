package gateway

import (
	"context"
	"time"

	"FlareIM/module/gateway/frame"
	"FlareIM/module/im/model"
	"FlareIM/service/rpc"
	"FlareIM/service/stream"
	"FlareIM/tools/errs"
	"FlareIM/tools/ids"
	"FlareIM/tools/security"

	"go.uber.org/zap"
)

const opLogout = "logout"

func (s *Server) requireSession(c *Conn, f *frame.Frame) (model.Session, bool) {
	sess, ok := c.Session()
	if !ok {
		s.replyError(c, f, errs.ErrUnauthenticated.WrapMsg("connect first"))
		return model.Session{}, false
	}
	return sess, true
}

// onPing 心跳：刷新会话与在线记录，回 PONG
func (s *Server) onPing(ctx context.Context, c *Conn, f *frame.Frame) {
	sess, ok := s.requireSession(c, f)
	if !ok {
		return
	}
	if _, err := s.deps.Sessions.Touch(sess.SessionID); err != nil {
		// 会话已过期或被终止，必须重新 CONNECT
		s.replyError(c, f, err)
		c.CloseAfterFlush()
		return
	}
	if err := s.deps.Presence.Refresh(ctx, sess.UserID, sess.DeviceID, s.opts.GatewayID); err != nil {
		s.log.Debug("presence refresh", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	s.send(c, &frame.Frame{
		Type:      frame.TypePong,
		FrameID:   f.FrameID,
		SessionID: sess.SessionID,
		TenantID:  sess.TenantID,
		ClientTS:  f.TS,
		ServerTS:  s.opts.Clock().UnixMilli(),
	})
}

// onConnect 鉴权 -> 在线目录 Upsert -> 建立或换绑会话 -> 绑定连接 -> CONNECT_ACK
func (s *Server) onConnect(ctx context.Context, c *Conn, f *frame.Frame) {
	if _, bound := c.Session(); bound {
		s.replyError(c, f, errs.ErrFailedPrecondition.WrapMsg("already connected"))
		return
	}
	claims, err := security.Verify(s.deps.Auth, f.Token)
	if err != nil {
		s.authFailed(c, f, errs.ErrUnauthenticated.WrapMsg("invalid token", "err", err))
		return
	}
	if f.TenantID != "" && f.TenantID != claims.TenantID {
		s.authFailed(c, f, errs.ErrUnauthenticated.WrapMsg("tenant mismatch"))
		return
	}
	if s.deps.Tenants != nil {
		if _, ok := s.deps.Tenants.Resolve(claims.TenantID); !ok {
			s.authFailed(c, f, errs.ErrPermissionDenied.WrapMsg("unknown tenant", "tenant_id", claims.TenantID))
			return
		}
	}

	// 先过在线目录（epoch / 冲突策略），通过后才建会话：旧 token 重放不能顶掉在线的会话
	sess, prevConn := s.resumable(f.SessionID, claims)
	sessionID := sess.SessionID
	if sessionID == "" {
		sessionID = ids.NewULID()
	}

	now := s.opts.Clock()
	rec := model.DeviceRecord{
		TenantID:   claims.TenantID,
		UserID:     claims.UserID,
		DeviceID:   claims.DeviceID,
		Platform:   claims.Platform,
		GatewayID:  s.opts.GatewayID,
		ServerID:   s.opts.ServerID,
		SessionID:  sessionID,
		Priority:   model.ParsePriority(claims.Priority),
		TokenEpoch: claims.TokenEpoch,
		Quality: model.ConnectionQuality{
			RTTMs:        f.RTTMs,
			LossRate:     f.LossRate,
			NetworkType:  model.NetworkType(f.NetworkType),
			LastMeasured: now,
		},
		LastSeenAt: now,
	}
	policy := s.opts.DefaultPolicy
	if f.Policy != "" {
		policy = model.ParsePolicy(f.Policy)
	}
	if _, err := s.deps.Presence.Upsert(ctx, rec, s.opts.PresenceTTL, policy); err != nil {
		// 旧 epoch / 策略拒绝
		s.authFailed(c, f, err)
		return
	}

	if sess.SessionID == "" {
		// 同设备在本网关上的旧会话在这里被替换；它的在线记录已经指向新会话，不会被摘掉
		sess, err = s.deps.Sessions.Create(model.Session{
			SessionID:      sessionID,
			TenantID:       claims.TenantID,
			UserID:         claims.UserID,
			DeviceID:       claims.DeviceID,
			DevicePlatform: claims.Platform,
			GatewayID:      s.opts.GatewayID,
			TokenEpoch:     claims.TokenEpoch,
		})
		if err != nil {
			if rerr := s.deps.Presence.Remove(ctx, claims.UserID, claims.DeviceID); rerr != nil {
				s.log.Warn("presence cleanup after failed session create", zap.String("session_id", sessionID), zap.Error(rerr))
			}
			s.authFailed(c, f, err)
			return
		}
	}

	bound, err := s.deps.Sessions.Bind(sess.SessionID, c.ID, s.opts.GatewayID)
	if err != nil {
		s.replyError(c, f, err)
		c.CloseAfterFlush()
		return
	}
	c.setSession(bound)
	// 换绑：旧连接若还挂着，直接断掉
	if old := s.conn(prevConn); old != nil && old != c {
		old.Close()
	}
	s.deps.Metrics.SetSessions(s.deps.Sessions.Len())
	s.log.Info("connected",
		zap.String("session_id", bound.SessionID), zap.String("tenant_id", bound.TenantID),
		zap.String("user_id", bound.UserID), zap.String("device_id", bound.DeviceID),
		zap.String("conn_id", c.ID), zap.Bool("resumed", bound.SessionID == f.SessionID))

	s.send(c, &frame.Frame{
		Type:      frame.TypeConnectAck,
		FrameID:   f.FrameID,
		SessionID: bound.SessionID,
		TenantID:  bound.TenantID,
		ServerTS:  now.UnixMilli(),
	})
}

// resumable 客户端带回的 session_id 仍有效且属于同一设备时换绑，否则新建
func (s *Server) resumable(sessionID string, claims *security.DeviceClaims) (model.Session, string) {
	if sessionID == "" {
		return model.Session{}, ""
	}
	old, err := s.deps.Sessions.Resolve(sessionID)
	if err != nil || old.Terminal() {
		return model.Session{}, ""
	}
	if old.TenantID != claims.TenantID || old.UserID != claims.UserID || old.DeviceID != claims.DeviceID ||
		old.TokenEpoch > claims.TokenEpoch {
		return model.Session{}, ""
	}
	return old, old.ConnectionID
}

func (s *Server) authFailed(c *Conn, f *frame.Frame, err error) {
	s.log.Info("connect rejected", zap.String("conn_id", c.ID), zap.String("remote", c.t.RemoteAddr()), zap.Error(err))
	if f.SessionID != "" {
		if old, rerr := s.deps.Sessions.Resolve(f.SessionID); rerr == nil && old.ConnectionID == "" {
			_, _ = s.deps.Sessions.Terminate(old.SessionID, model.ReasonAuth)
		}
	}
	s.replyError(c, f, err)
	c.CloseAfterFlush()
}

// onMessage 同一连接上顺序提交，保证客户端发送顺序即 seq 顺序
func (s *Server) onMessage(ctx context.Context, c *Conn, f *frame.Frame) {
	sess, ok := s.requireSession(c, f)
	if !ok {
		return
	}
	if f.ConversationID == "" {
		s.replyError(c, f, errs.ErrInvalidArgument.WrapMsg("conversation_id required"))
		return
	}
	kind := model.MessageKind(f.Kind)
	if kind == "" {
		kind = model.KindChat
	}
	if f.MessageID == "" {
		f.MessageID = ids.NewULID()
	}
	maxPayload := 0
	if s.deps.Tenants != nil {
		p, ok := s.deps.Tenants.Resolve(sess.TenantID)
		if !ok {
			s.replyError(c, f, errs.ErrPermissionDenied.WrapMsg("tenant disabled", "tenant_id", sess.TenantID))
			return
		}
		maxPayload = p.MaxPayloadBytes
	}

	now := s.opts.Clock()
	traceID := f.FrameID
	if traceID == "" {
		traceID = ids.NewRequestID()
	}
	req := &rpc.SubmitRequest{
		Envelope: model.Envelope{
			RequestID:       ids.NewRequestID(),
			TraceID:         traceID,
			TenantID:        sess.TenantID,
			UserID:          sess.UserID,
			DeviceID:        sess.DeviceID,
			SessionID:       sess.SessionID,
			GatewayID:       s.opts.GatewayID,
			TokenEpoch:      sess.TokenEpoch,
			Deadline:        now.Add(s.opts.SubmitTimeout),
			MaxPayloadBytes: maxPayload,
		},
		Submission: model.Submission{
			MessageID:         f.MessageID,
			ConversationID:    f.ConversationID,
			ConversationType:  model.ConversationType(f.ConversationType),
			Kind:              kind,
			Payload:           model.Payload{Data: f.Payload, MIME: f.MIME},
			Attributes:        f.Attributes,
			Attachments:       f.Attachments,
			ClientTS:          f.ClientTS,
			OriginalMessageID: f.OriginalMessageID,
			ReceiverIDs:       f.ReceiverIDs,
			Delivery: model.DeliveryOptions{
				RequireOnline:    f.RequireOnline,
				PersistIfOffline: f.PersistIfOffline,
				Priority:         model.Priority(f.Priority),
			},
		},
	}
	sctx, cancel := context.WithDeadline(ctx, req.Envelope.Deadline)
	defer cancel()
	res, err := s.deps.Submitter.Submit(sctx, req)
	s.deps.Metrics.ObserveSubmit(time.Since(now))
	if err != nil {
		s.log.Debug("submit failed", zap.String("message_id", f.MessageID), zap.String("trace_id", traceID), zap.Error(err))
		s.replyError(c, f, err)
		return
	}
	s.send(c, &frame.Frame{
		Type:           frame.TypeMessageAck,
		FrameID:        f.FrameID,
		SessionID:      sess.SessionID,
		TenantID:       sess.TenantID,
		MessageID:      res.MessageID,
		ConversationID: f.ConversationID,
		Seq:            res.Seq,
		ServerTS:       res.ServerTS,
		Status:         submitStatus(res),
	})
}

func submitStatus(r *model.SubmitResult) string {
	if r.Duplicate {
		return "duplicate"
	}
	return "ok"
}

// onAck 客户端确认转发到 client-ack 流，再推进本地游标提示
func (s *Server) onAck(ctx context.Context, c *Conn, f *frame.Frame) {
	sess, ok := s.requireSession(c, f)
	if !ok {
		return
	}
	if f.MessageID == "" {
		s.replyError(c, f, errs.ErrInvalidArgument.WrapMsg("message_id required"))
		return
	}
	status := model.AckStatus(f.Status)
	if status == "" {
		status = model.AckDelivered
	}
	if !status.Valid() || status == model.AckFailed {
		s.replyError(c, f, errs.ErrInvalidArgument.WrapMsg("bad ack status", "status", f.Status))
		return
	}
	if s.deps.Acks == nil {
		return
	}
	ack := model.DeliveryAck{
		TenantID:       sess.TenantID,
		MessageID:      f.MessageID,
		ConversationID: f.ConversationID,
		Seq:            f.Seq,
		UserID:         sess.UserID,
		DeviceID:       sess.DeviceID,
		Status:         status,
		ClientTS:       f.ClientTS,
		ServerTS:       s.opts.Clock().UnixMilli(),
		Source:         model.AckFromClient,
		TaskID:         f.TaskID,
	}
	pctx, cancel := context.WithTimeout(context.Background(), s.opts.SubmitTimeout)
	defer cancel()
	if err := stream.PublishJSON(pctx, s.deps.Acks, stream.TopicClientAcks, f.MessageID, "", ack); err != nil {
		s.log.Warn("forward client ack", zap.String("message_id", f.MessageID), zap.Error(err))
		s.replyError(c, f, err)
		return
	}
	if f.ConversationID != "" && f.Seq > 0 {
		c.Hint(f.ConversationID, f.Seq)
	}
}

// onCustom logout 在网关内处理，其余交给 CustomHandler
func (s *Server) onCustom(ctx context.Context, c *Conn, f *frame.Frame) {
	sess, ok := s.requireSession(c, f)
	if !ok {
		return
	}
	if f.Op == opLogout {
		s.logout(c, sess)
		return
	}
	out, err := s.deps.Custom.HandleCustom(ctx, sess, f)
	if err != nil {
		s.replyError(c, f, err)
		return
	}
	if out != nil {
		if out.FrameID == "" {
			out.FrameID = f.FrameID
		}
		if out.Type == 0 {
			out.Type = frame.TypeCustom
		}
		s.send(c, out)
	}
}

func (s *Server) logout(c *Conn, sess model.Session) {
	pctx, cancel := context.WithTimeout(context.Background(), s.opts.SubmitTimeout)
	defer cancel()
	if err := s.deps.Presence.Remove(pctx, sess.UserID, sess.DeviceID); err != nil {
		s.log.Warn("presence remove on logout", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	if _, err := s.deps.Sessions.Terminate(sess.SessionID, model.ReasonLogout); err != nil {
		s.log.Debug("terminate on logout", zap.String("session_id", sess.SessionID), zap.Error(err))
	}
	c.CloseAfterFlush()
}

// logCustom 默认 CUSTOM 处理：记日志并回执
type logCustom struct{ log *zap.Logger }

func (h logCustom) HandleCustom(_ context.Context, sess model.Session, f *frame.Frame) (*frame.Frame, error) {
	h.log.Info("custom frame", zap.String("session_id", sess.SessionID), zap.String("op", f.Op), zap.Int("bytes", len(f.Data)))
	return &frame.Frame{Type: frame.TypeCustom, Op: f.Op, Status: "ok"}, nil
}

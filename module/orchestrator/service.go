package orchestrator

import (
	"context"

	"FlareIM/module/im/model"
	"FlareIM/service/rpc"
	"FlareIM/service/storage"
	"FlareIM/tools/errs"
)

// Service MessageService 的 gRPC 实现
type Service struct {
	orch   *Orchestrator
	syncer *storage.Syncer
}

var _ rpc.MessageServer = (*Service)(nil)

func NewService(o *Orchestrator, syncer *storage.Syncer) *Service {
	return &Service{orch: o, syncer: syncer}
}

func (s *Service) Submit(ctx context.Context, req *rpc.SubmitRequest) (*model.SubmitResult, error) {
	res, err := s.orch.Submit(ctx, req.Envelope, req.Submission)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SyncMessages 重连客户端按游标补拉
func (s *Service) SyncMessages(ctx context.Context, req *rpc.SyncRequest) (*storage.SyncResult, error) {
	if s.syncer == nil {
		return nil, errs.ErrUnavailable.WrapMsg("sync not configured")
	}
	res, err := s.syncer.Sync(ctx, req.TenantID, req.UserID, req.ConversationID, req.AfterSeq, req.Limit)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// DeviceLookup 在线目录读取
type DeviceLookup interface {
	Get(ctx context.Context, userID, deviceID string) (model.DeviceRecord, error)
}

// PresenceSenders 用在线目录核对发送者：记录存在、未被踢、会话一致、epoch 不旧
type PresenceSenders struct {
	dir DeviceLookup
}

func NewPresenceSenders(dir DeviceLookup) *PresenceSenders { return &PresenceSenders{dir: dir} }

func (p *PresenceSenders) VerifySender(ctx context.Context, env model.Envelope) error {
	rec, err := p.dir.Get(ctx, env.UserID, env.DeviceID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			return errs.ErrUnauthenticated.WrapMsg("sender not online", "user_id", env.UserID, "device_id", env.DeviceID)
		}
		return err
	}
	if rec.Kicked {
		return errs.ErrUnauthenticated.WrapMsg("sender device kicked", "device_id", env.DeviceID)
	}
	if env.SessionID != "" && rec.SessionID != "" && rec.SessionID != env.SessionID {
		return errs.ErrPermissionDenied.WrapMsg("sender session mismatch", "session_id", env.SessionID)
	}
	if env.TokenEpoch < rec.TokenEpoch {
		return errs.ErrFailedPrecondition.WrapMsg("stale token epoch", "epoch", env.TokenEpoch, "current", rec.TokenEpoch)
	}
	if env.TenantID != "" && rec.TenantID != "" && rec.TenantID != env.TenantID {
		return errs.ErrPermissionDenied.WrapMsg("sender tenant mismatch")
	}
	return nil
}

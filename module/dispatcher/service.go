package dispatcher

import (
	"context"

	"FlareIM/module/im/model"
	"FlareIM/service/rpc"
	"FlareIM/tools/errs"
)

// Service PushService：绕过推送流，直接为给定接收者生成任务
type Service struct {
	d *Dispatcher
}

var _ rpc.PushServer = (*Service)(nil)

func NewService(d *Dispatcher) *Service { return &Service{d: d} }

func (s *Service) PushMessage(ctx context.Context, req *rpc.PushRequest) (*rpc.PushResponse, error) {
	return s.push(ctx, req, false)
}

// PushNotification 与 PushMessage 相同，但任务标记为通知（离线通道按通知展示）
func (s *Service) PushNotification(ctx context.Context, req *rpc.PushRequest) (*rpc.PushResponse, error) {
	return s.push(ctx, req, true)
}

func (s *Service) push(ctx context.Context, req *rpc.PushRequest, notification bool) (*rpc.PushResponse, error) {
	if req.Message == nil || req.Message.MessageID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("message with message_id required")
	}
	if len(req.ReceiverIDs) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("receiver_ids required")
	}
	msg := req.Message.Clone()
	msg.ReceiverIDs = req.ReceiverIDs
	if notification {
		msg.Kind = model.KindNotification
	}
	receivers, err := s.d.receivers(ctx, msg)
	if err != nil {
		return nil, err
	}
	tasks, err := s.d.Plan(ctx, msg, receivers)
	if err != nil {
		return nil, err
	}
	if err := s.d.publish(ctx, tasks); err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("publish push tasks", "err", err)
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.TaskID)
	}
	return &rpc.PushResponse{TaskIDs: ids}, nil
}

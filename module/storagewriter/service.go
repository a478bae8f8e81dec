package storagewriter

import (
	"context"

	"FlareIM/service/rpc"
	"FlareIM/service/storage"
	"FlareIM/tools/errs"

	"go.uber.org/zap"
)

// Service StorageService：同步写入与查询，归档之外的路径（管理面、补录）走这里
type Service struct {
	w *Writer
}

var _ rpc.StorageServer = (*Service)(nil)

func NewService(w *Writer) *Service { return &Service{w: w} }

func (s *Service) StoreMessage(ctx context.Context, req *rpc.StoreRequest) (*rpc.StoreResponse, error) {
	inserted, err := s.w.Store(ctx, req.Message)
	if err != nil {
		return nil, err
	}
	return &rpc.StoreResponse{Inserted: inserted}, nil
}

// BatchStore 逐条写入，遇到第一条失败即返回
func (s *Service) BatchStore(ctx context.Context, req *rpc.BatchStoreRequest) (*rpc.BatchStoreResponse, error) {
	resp := &rpc.BatchStoreResponse{}
	for _, m := range req.Messages {
		inserted, err := s.w.Store(ctx, m)
		if err != nil {
			s.w.log.Warn("batch store stopped", zap.Int("inserted", resp.Inserted), zap.Error(err))
			return nil, err
		}
		if inserted {
			resp.Inserted++
		} else {
			resp.Skipped++
		}
	}
	return resp, nil
}

func (s *Service) GetMessage(ctx context.Context, ref *rpc.MessageRef) (*storage.Record, error) {
	if ref.MessageID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("message_id required")
	}
	r, err := s.w.deps.Archive.Get(ctx, ref.TenantID, ref.ConversationID, ref.MessageID)
	if err != nil {
		return nil, err
	}
	r = r.Visible()
	return &r, nil
}

func (s *Service) QueryMessages(ctx context.Context, q *storage.Query) (*rpc.QueryResponse, error) {
	if q.ConversationID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("conversation_id required")
	}
	rows, err := s.w.deps.Archive.Query(ctx, *q)
	if err != nil {
		return nil, err
	}
	out := make([]storage.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Visible())
	}
	return &rpc.QueryResponse{Messages: out}, nil
}

// DeleteMessage 只打删除标记
func (s *Service) DeleteMessage(ctx context.Context, ref *rpc.MessageRef) (*rpc.Empty, error) {
	if ref.ConversationID == "" || ref.MessageID == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("conversation_id and message_id required")
	}
	if err := s.w.deps.Archive.Delete(ctx, ref.TenantID, ref.ConversationID, ref.MessageID); err != nil {
		return nil, err
	}
	return &rpc.Empty{}, nil
}

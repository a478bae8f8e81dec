package gateway

import (
	"context"

	"FlareIM/module/im/model"
	"FlareIM/service/rpc"
	"FlareIM/tools/errs"
)

// RemoteSubmitter 通过注册中心挑一个编排器实例，gRPC 提交
type RemoteSubmitter struct {
	resolver rpc.Resolver
	clients  *rpc.Manager
}

func NewRemoteSubmitter(resolver rpc.Resolver, clients *rpc.Manager) *RemoteSubmitter {
	return &RemoteSubmitter{resolver: resolver, clients: clients}
}

func (r *RemoteSubmitter) Submit(ctx context.Context, req *rpc.SubmitRequest) (*model.SubmitResult, error) {
	ep, err := r.resolver.Resolve(rpc.MessageServiceName, "")
	if err != nil {
		return nil, err
	}
	cli, err := r.clients.Message(ctx, ep)
	if err != nil {
		return nil, err
	}
	res, err := cli.Submit(ctx, req)
	if err != nil && errs.CodeOf(err) == errs.CodeUnavailable {
		// 连接坏了下次重拨
		r.clients.Drop(ep)
	}
	return res, err
}

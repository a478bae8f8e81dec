package pushworker

import (
	"context"

	"FlareIM/service/rpc"
	"FlareIM/tools/errs"
)

// RemoteGateways 经连接管理器调用网关
type RemoteGateways struct {
	clients *rpc.Manager
}

func NewRemoteGateways(clients *rpc.Manager) *RemoteGateways { return &RemoteGateways{clients: clients} }

func (g *RemoteGateways) Deliver(ctx context.Context, endpoint string, req *rpc.DeliverRequest) (*rpc.DeliverResponse, error) {
	cli, err := g.clients.Gateway(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	resp, err := cli.Deliver(ctx, req)
	if err != nil && errs.CodeOf(err) == errs.CodeUnavailable {
		g.clients.Drop(endpoint)
	}
	return resp, err
}

package rpc

import (
	"context"

	"FlareIM/tools/errs"
)

// Resolver registry.ServiceManager 实现
type Resolver interface {
	Resolve(service, gatewayID string) (string, error)
}

// RoutingService 把本节点的服务视图暴露给不接注册中心的调用方
type RoutingService struct {
	r Resolver
}

func NewRoutingService(r Resolver) *RoutingService { return &RoutingService{r: r} }

func (s *RoutingService) Resolve(_ context.Context, req *ResolveRequest) (*ResolveResponse, error) {
	if req.Service == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("resolve: service required")
	}
	ep, err := s.r.Resolve(req.Service, req.GatewayID)
	if err != nil {
		return nil, err
	}
	return &ResolveResponse{Endpoint: ep}, nil
}

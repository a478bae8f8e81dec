package nacos

import (
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"FlareIM/tools/errs"
)

// Options nacos 连接参数
type Options struct {
	Host      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
	CacheDir  string
	LogDir    string
}

func (o Options) clientParam() vo.NacosClientParam {
	if o.Port == 0 {
		o.Port = 8848
	}
	if o.CacheDir == "" {
		o.CacheDir = "nacos/cache"
	}
	if o.LogDir == "" {
		o.LogDir = "nacos/log"
	}
	cc := constant.NewClientConfig(
		constant.WithNamespaceId(o.Namespace),
		constant.WithTimeoutMs(5000),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogLevel("warn"),
		constant.WithCacheDir(o.CacheDir),
		constant.WithLogDir(o.LogDir),
		constant.WithUsername(o.Username),
		constant.WithPassword(o.Password),
	)
	return vo.NacosClientParam{
		ClientConfig: cc,
		ServerConfigs: []constant.ServerConfig{
			*constant.NewServerConfig(o.Host, o.Port),
		},
	}
}

func NewConfigClient(o Options) (config_client.IConfigClient, error) {
	c, err := clients.NewConfigClient(o.clientParam())
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("create nacos config client", "err", err)
	}
	return c, nil
}

func NewNamingClient(o Options) (naming_client.INamingClient, error) {
	c, err := clients.NewNamingClient(o.clientParam())
	if err != nil {
		return nil, errs.ErrUnavailable.WrapMsg("create nacos naming client", "err", err)
	}
	return c, nil
}

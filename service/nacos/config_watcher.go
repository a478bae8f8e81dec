package nacos

import (
	"context"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"

	"FlareIM/logger"
)

// Watch 先拉一次全量，再监听变更；ctx 结束时取消监听
func Watch(ctx context.Context, cli config_client.IConfigClient, dataID, group string, onChange func(data string)) error {
	content, err := cli.GetConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  group,
	})
	if err != nil {
		return err
	}
	if content != "" {
		onChange(content)
	}

	err = cli.ListenConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(namespace, group, dataId, data string) {
			logger.Info("[nacos] config changed", zap.String("dataId", dataId), zap.String("group", group))
			onChange(data)
		},
	})
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		_ = cli.CancelListenConfig(vo.ConfigParam{DataId: dataID, Group: group})
	}()
	return nil
}

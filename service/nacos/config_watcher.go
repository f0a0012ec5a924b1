package nacos

import (
	"context"

	"ChatCore/logger"
	"ChatCore/tools/safe"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ConfigSource Nacos 配置读取/监听（config_client.IConfigClient 满足）
type ConfigSource interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Apply 收到一份完整的 YAML 文档；返回错误只记录日志，不停止监听
type Apply func(doc string) error

// Watch 先拉一次再监听变更；ctx 结束时取消监听。首次拉取失败直接返回
func Watch(ctx context.Context, src ConfigSource, dataID, group string, apply Apply) error {
	log := logger.Named("nacos")
	content, err := src.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err != nil {
		return errors.Wrapf(err, "get config %s/%s", group, dataID)
	}
	if err := apply(content); err != nil {
		log.Warn("apply remote config failed", zap.String("dataId", dataID), zap.Error(err))
	}

	param := vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(_, group, dataID, data string) {
			safe.Call(func() error {
				if err := apply(data); err != nil {
					log.Warn("apply remote config failed", zap.String("dataId", dataID), zap.Error(err))
					return err
				}
				log.Info("remote config applied", zap.String("group", group), zap.String("dataId", dataID))
				return nil
			})
		},
	}
	if err := src.ListenConfig(param); err != nil {
		return errors.Wrapf(err, "listen config %s/%s", group, dataID)
	}
	go func() {
		<-ctx.Done()
		_ = src.CancelListenConfig(vo.ConfigParam{DataId: dataID, Group: group})
	}()
	return nil
}

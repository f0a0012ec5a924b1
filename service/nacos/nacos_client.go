// Package nacos 远端配置叠加与实例注册。
package nacos

import (
	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"github.com/pkg/errors"
)

type Config struct {
	Addr      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
	CacheDir  string
	LogDir    string
	LogLevel  string
}

func (c Config) params() vo.NacosClientParam {
	port := c.Port
	if port == 0 {
		port = 8848
	}
	level := c.LogLevel
	if level == "" {
		level = "warn"
	}
	return vo.NacosClientParam{
		ClientConfig: constant.NewClientConfig(
			constant.WithNamespaceId(c.Namespace),
			constant.WithTimeoutMs(5000),
			constant.WithNotLoadCacheAtStart(true),
			constant.WithLogLevel(level),
			constant.WithCacheDir(c.CacheDir),
			constant.WithLogDir(c.LogDir),
			constant.WithUsername(c.Username),
			constant.WithPassword(c.Password),
		),
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(c.Addr, port)},
	}
}

func NewConfigClient(c Config) (config_client.IConfigClient, error) {
	cli, err := clients.NewConfigClient(c.params())
	if err != nil {
		return nil, errors.Wrap(err, "nacos config client")
	}
	return cli, nil
}

func NewNamingClient(c Config) (naming_client.INamingClient, error) {
	cli, err := clients.NewNamingClient(c.params())
	if err != nil {
		return nil, errors.Wrap(err, "nacos naming client")
	}
	return cli, nil
}

package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// ReleaseFields 提供 manifest/版本/命中状态字段，供发布缓存日志复用。
func ReleaseFields(manifestName, version string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"manifest":  manifestName,
		"version":   version,
		"cache_hit": cacheHit,
	}
}

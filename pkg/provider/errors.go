package provider

import (
	"strings"

	perr "rpcpool/pkg/error"
)

// ConfigError 注册表构建失败，列出发现的全部问题
type ConfigError struct {
	*perr.BaseError
	Problems []string
}

func newConfigError(problems []string) *ConfigError {
	return &ConfigError{
		BaseError: perr.NewError(perr.CodeConfig, "invalid provider configuration: "+strings.Join(problems, "; ")).
			WithContext("problems", len(problems)),
		Problems: problems,
	}
}

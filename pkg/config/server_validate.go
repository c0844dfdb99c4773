package config

import (
	"errors"
	"fmt"
	"net"
)

// Validate HTTP服务配置校验
func (h *ServerConfig) Validate() error {
	if err := valid.Struct(h); err != nil {
		return err
	}
	// 	校验Addr格式(必须是 ":port" 或 "ip:port")

	if h.Addr == "" {
		return errors.New("[ERROR] HTTP.Addr cannot be empty")
	}
	// 	用net包解析地址，验证格式合法性
	_, err := net.ResolveTCPAddr("tcp", h.Addr)
	if err != nil {
		return fmt.Errorf("[ERROR] HTTP.Addr format invalid (expected: :port or ip:port), got %s: %w", h.Addr, err)
	}
	// 限流开启时突发值必须大于 0，否则所有请求都会被拒绝
	if h.RateLimit > 0 && h.RateBurst <= 0 {
		return fmt.Errorf("server.rate_burst must be positive when rate_limit is set, got %d", h.RateBurst)
	}
	return nil
}

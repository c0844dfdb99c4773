package agent

import (
	"github.com/spf13/cobra"

	"github.com/insight-collector/pkg/config"
)

var defaultCfg = config.NewDefaultConfig()

func initServerFlags(root *cobra.Command) {
	f := root.PersistentFlags()

	f.String("server.addr", defaultCfg.Server.Addr, "-> HTTP listening address (HTTP监听地址)")
	f.Duration("server.read_timeout", defaultCfg.Server.ReadTimeout, "-> Read timeout duration (读取超时时间)")
	f.Duration("server.write_timeout", defaultCfg.Server.WriteTimeout, "-> Write timeout duration (写入超时时间)")
	f.Duration("server.idle_timeout", defaultCfg.Server.IdleTimeout, "-> Idle connection timeout duration (空闲连接超时时间)")
	f.Float64("server.rate_limit", defaultCfg.Server.RateLimit, "-> Requests per second, 0 disables (每秒请求上限)")
	f.Int("server.rate_burst", defaultCfg.Server.RateBurst, "-> Request burst (突发请求数)")
}

package agent

import (
	"github.com/spf13/cobra"
)

func initCollectorFlags(root *cobra.Command) {
	f := root.PersistentFlags()

	f.Int("collector.default_delay", defaultCfg.Collector.DefaultDelay, "-> Default query period in seconds (默认查询周期，秒)")
	f.Int("collector.thread_pool_size", defaultCfg.Collector.ThreadPoolSize, "-> Concurrent query workers (并发工作槽)")
	f.String("collector.type", defaultCfg.Collector.Type, "-> Type tag attached to stored results (存储类型标签)")
	f.Duration("collector.reconcile_interval", defaultCfg.Collector.ReconcileInterval, "-> Catalog reconcile interval (对账周期)")
	f.Duration("collector.shutdown_timeout", defaultCfg.Collector.ShutdownTimeout, "-> Wait per shutdown phase (关闭阶段等待时间)")
	f.String("collector.node_id", defaultCfg.Collector.NodeID, "-> Node identity, hostname when empty (节点标识)")
	f.Bool("collector.always_send", defaultCfg.Collector.AlwaysSend, "-> Store every result without change suppression (不做变化抑制)")

	f.StringSlice("catalog.paths", defaultCfg.Catalog.Paths, "-> Query definition files or directories (查询清单)")

	f.String("backend.type", defaultCfg.Backend.Type, "-> Poller backend [host,jolokia] (轮询后端)")
	f.String("backend.jolokia.endpoint", defaultCfg.Backend.Jolokia.Endpoint, "-> Jolokia endpoint url (管理接口地址)")
	f.String("backend.jolokia.username", defaultCfg.Backend.Jolokia.Username, "-> Principal used for queries (执行身份)")

	f.String("sink.type", defaultCfg.Sink.Type, "-> Result sink [log,file,postgres,amqp,s3] (结果存储)")
	f.String("coordination.type", defaultCfg.Coordination.Type, "-> Coordination service [memory,postgres,kube] (协调服务)")
	f.String("tracing.exporter", defaultCfg.Tracing.Exporter, "-> Trace exporter [none,stdout] (链路追踪)")
}

package registers

// Canceler 调度句柄（scheduler.Handle 实现）
type Canceler interface {
	Cancel() bool
}

// Gate 查询的集群锁（leader.Gate 实现），只读取当下的领导权
type Gate interface {
	IsLeader() bool
	Close() error
}

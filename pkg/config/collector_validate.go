package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validate 调度配置校验
func (c *CollectorConfig) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	if c.ReconcileInterval < time.Second {
		return fmt.Errorf("collector.reconcile_interval must be at least 1s, got %s", c.ReconcileInterval)
	}
	if strings.ContainsAny(c.NodeID, "/ \t") {
		return fmt.Errorf("collector.node_id %q must not contain '/' or whitespace", c.NodeID)
	}
	return nil
}

// Validate 后端配置校验
func (b *BackendConfig) Validate() error {
	if err := valid.Struct(b); err != nil {
		return err
	}
	if b.Type != "jolokia" {
		return nil
	}
	if b.Jolokia.Endpoint == "" {
		return fmt.Errorf("backend.jolokia.endpoint is required when backend.type is jolokia")
	}
	u, err := url.Parse(b.Jolokia.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backend.jolokia.endpoint must be an http(s) url, got %q", b.Jolokia.Endpoint)
	}
	if b.Jolokia.Password != "" && b.Jolokia.Username == "" {
		return fmt.Errorf("backend.jolokia.password set without username")
	}
	return nil
}

// Validate 存储配置校验，只检查当前选用的类型
func (s *SinkConfig) Validate() error {
	if err := valid.Struct(s); err != nil {
		return err
	}
	switch s.Type {
	case "file":
		if s.File.Dir == "" || s.File.Pattern == "" {
			return fmt.Errorf("sink.file.dir and sink.file.pattern are required")
		}
		if s.File.RotationTime <= 0 {
			return fmt.Errorf("sink.file.rotation_time must be positive")
		}
	case "postgres":
		if s.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn is required")
		}
		if !identifier(s.Postgres.Table) {
			return fmt.Errorf("sink.postgres.table %q is not a valid identifier", s.Postgres.Table)
		}
	case "amqp":
		if s.AMQP.URL == "" || s.AMQP.Exchange == "" {
			return fmt.Errorf("sink.amqp.url and sink.amqp.exchange are required")
		}
	case "s3":
		if s.S3.Endpoint == "" || s.S3.Bucket == "" {
			return fmt.Errorf("sink.s3.endpoint and sink.s3.bucket are required")
		}
	}
	return nil
}

// Validate 协调配置校验
func (c *CoordinationConfig) Validate() error {
	if err := valid.Struct(c); err != nil {
		return err
	}
	switch c.Type {
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("coordination.postgres.dsn is required")
		}
	case "kube":
		k := c.Kube
		if k.LeaseDuration <= k.RenewDeadline {
			return fmt.Errorf("coordination.kube.lease_duration (%s) must be greater than renew_deadline (%s)", k.LeaseDuration, k.RenewDeadline)
		}
		if k.RetryPeriod <= 0 || k.RenewDeadline <= k.RetryPeriod {
			return fmt.Errorf("coordination.kube.renew_deadline (%s) must be greater than retry_period (%s)", k.RenewDeadline, k.RetryPeriod)
		}
	}
	return nil
}

func identifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/insight-collector/pkg/query"
)

// ErrRemote 管理接口返回了失败状态
var ErrRemote = errors.New("poller: remote request failed")

// JolokiaOptions 管理接口参数
type JolokiaOptions struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
	Clock    clock.PassiveClock
	Logger   *zap.Logger
}

// Jolokia 通过 Jolokia HTTP 管理接口读取 MBean 属性、调用 MBean 操作。
// 一次查询的所有请求合并为一个批量 POST。
type Jolokia struct {
	endpoint string
	client   *http.Client
	clock    clock.PassiveClock
	logger   *zap.Logger
}

var _ Poller = (*Jolokia)(nil)

// NewJolokia 创建管理接口轮询器
func NewJolokia(opts JolokiaOptions) (*Jolokia, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("jolokia endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Jolokia{
		endpoint: strings.TrimRight(opts.Endpoint, "/") + "/",
		client:   opts.Client,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}, nil
}

type jolokiaRequest struct {
	Type      string   `json:"type"`
	MBean     string   `json:"mbean"`
	Attribute []string `json:"attribute,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Arguments []any    `json:"arguments,omitempty"`
}

type jolokiaResponse struct {
	Status    int             `json:"status"`
	Value     json.RawMessage `json:"value"`
	Error     string          `json:"error"`
	ErrorType string          `json:"error_type"`
}

func toJolokia(req query.Request) (jolokiaRequest, error) {
	switch r := req.(type) {
	case query.AttributeRequest:
		return jolokiaRequest{Type: "read", MBean: r.Target, Attribute: r.Attributes}, nil
	case query.OperationRequest:
		op := r.Operation
		if len(r.Signature) > 0 {
			op = fmt.Sprintf("%s(%s)", r.Operation, strings.Join(r.Signature, ","))
		}
		return jolokiaRequest{Type: "exec", MBean: r.Target, Operation: op, Arguments: r.Args}, nil
	default:
		return jolokiaRequest{}, fmt.Errorf("%w: %T", ErrUnsupported, req)
	}
}

// Execute 发送批量请求；HTTP 失败或任一请求状态非 200 时整个查询失败
func (j *Jolokia) Execute(ctx context.Context, principal Principal, server query.Server, def query.Definition) (*query.Result, error) {
	batch := make([]jolokiaRequest, 0, len(def.Requests))
	for _, req := range def.Requests {
		jr, err := toJolokia(req)
		if err != nil {
			return nil, err
		}
		batch = append(batch, jr)
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode jolokia request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build jolokia request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if !principal.IsAnonymous() {
		httpReq.SetBasicAuth(principal.Name, principal.Password)
	}

	resp, err := j.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("jolokia request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: http %d: %s", ErrRemote, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var responses []jolokiaResponse
	if err := json.NewDecoder(resp.Body).Decode(&responses); err != nil {
		return nil, fmt.Errorf("decode jolokia response: %w", err)
	}
	if len(responses) != len(def.Requests) {
		return nil, fmt.Errorf("%w: expected %d responses, got %d", ErrRemote, len(def.Requests), len(responses))
	}

	results := make([]query.RequestResult, 0, len(def.Requests))
	for i, req := range def.Requests {
		r := responses[i]
		if r.Status != http.StatusOK {
			return nil, fmt.Errorf("%w: request %s status %d: %s", ErrRemote, req.RequestName(), r.Status, r.Error)
		}
		rr, err := decodeValue(req, r.Value)
		if err != nil {
			return nil, err
		}
		results = append(results, rr)
	}
	j.logger.Debug("jolokia poll done", zap.String("query", def.Name), zap.Int("requests", len(results)))
	return query.NewResult(server, def, j.clock.Now(), results), nil
}

// decodeValue 属性读取：多属性返回对象，单属性返回值本身，统一转为属性表
func decodeValue(req query.Request, raw json.RawMessage) (query.RequestResult, error) {
	var value any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &value); err != nil {
			return query.RequestResult{}, fmt.Errorf("decode value of %s: %w", req.RequestName(), err)
		}
	}
	rr := query.RequestResult{Name: req.RequestName(), Target: req.RequestTarget()}
	ar, ok := req.(query.AttributeRequest)
	if !ok {
		rr.Value = value
		return rr, nil
	}
	if m, isMap := value.(map[string]any); isMap && len(ar.Attributes) != 1 {
		rr.Attributes = m
		return rr, nil
	}
	if len(ar.Attributes) == 1 {
		rr.Attributes = map[string]any{ar.Attributes[0]: value}
		return rr, nil
	}
	rr.Value = value
	return rr, nil
}

// Package metadata 解析查询定义中引用的元数据文档（JSON 对象）。
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// maxSize 元数据文档大小上限
const maxSize = 4 << 20

// ErrUnsupportedScheme 不支持的引用协议
var ErrUnsupportedScheme = errors.New("metadata: unsupported scheme")

// Fetcher 元数据读取接口
type Fetcher interface {
	Fetch(ctx context.Context, ref string) (map[string]any, error)
}

// FetcherFunc 函数适配器
type FetcherFunc func(ctx context.Context, ref string) (map[string]any, error)

// Fetch 调用函数本身
func (f FetcherFunc) Fetch(ctx context.Context, ref string) (map[string]any, error) { return f(ctx, ref) }

// Client 支持 http(s)://、file:// 与本地路径
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient 创建读取器，timeout <= 0 时使用 10s
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{http: &http.Client{}, timeout: timeout}
}

// Fetch 读取并解码引用的 JSON 对象
func (c *Client) Fetch(ctx context.Context, ref string) (map[string]any, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse metadata reference %q: %w", ref, err)
	}

	var data []byte
	switch u.Scheme {
	case "http", "https":
		data, err = c.get(ctx, u.String())
	case "file":
		data, err = readFile(u.Path)
	case "":
		data, err = readFile(ref)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func (c *Client) get(ctx context.Context, ref string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch metadata %s: unexpected status %s", ref, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize))
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", ref, err)
	}
	return data, nil
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxSize))
	if err != nil {
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	return data, nil
}

// Decode 解码 JSON 对象，其他 JSON 值视为错误
func Decode(data []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if out == nil {
		return nil, errors.New("decode metadata: document is not an object")
	}
	return out, nil
}

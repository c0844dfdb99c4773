package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/insight-collector/pkg/query"
)

// defaultKeyword period / minPeriod 取默认周期
const defaultKeyword = "default"

var extensions = map[string]bool{".json": true, ".yaml": true, ".yml": true}

// File 从文件或目录加载查询定义，每次 List 重新读取
type File struct {
	paths        []string
	defaultDelay int
	logger       *zap.Logger
}

// NewFile 创建文件清单，defaultDelay 为默认周期（秒）
func NewFile(paths []string, defaultDelay int, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{paths: paths, defaultDelay: defaultDelay, logger: logger}
}

// List 读取所有查询文件。单个文件失败只记录日志，不影响其他文件。
func (f *File) List(ctx context.Context) ([]query.Definition, error) {
	var defs []query.Definition
	for _, name := range f.files() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(name)
		if err != nil {
			f.logger.Warn("read query file failed", zap.String("file", name), zap.Error(err))
			continue
		}
		parsed, err := Parse(data, f.defaultDelay)
		if err != nil {
			f.logger.Warn("unable to load queries", zap.String("file", name), zap.Error(err))
			continue
		}
		f.logger.Debug("loaded queries", zap.String("file", name), zap.Int("count", len(parsed)))
		defs = append(defs, parsed...)
	}
	return dedupe(defs), nil
}

// files 展开配置路径：目录取其中的 json/yaml 文件（不递归），结果排序
func (f *File) files() []string {
	var out []string
	for _, p := range f.paths {
		info, err := os.Stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				f.logger.Debug("query path does not exist", zap.String("path", p))
			} else {
				f.logger.Warn("stat query path failed", zap.String("path", p), zap.Error(err))
			}
			continue
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			f.logger.Warn("read query dir failed", zap.String("path", p), zap.Error(err))
			continue
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() || !extensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			names = append(names, filepath.Join(p, e.Name()))
		}
		sort.Strings(names)
		out = append(out, names...)
	}
	return out
}

type document struct {
	Queries []queryDoc `yaml:"queries"`
}

type queryDoc struct {
	Name      string       `yaml:"name"`
	Template  string       `yaml:"template"`
	Metadata  string       `yaml:"metadata"`
	Lock      string       `yaml:"lock"`
	Period    periodValue  `yaml:"period"`
	MinPeriod periodValue  `yaml:"minPeriod"`
	Requests  []requestDoc `yaml:"requests"`
}

type requestDoc struct {
	Name  string   `yaml:"name"`
	Obj   string   `yaml:"obj"`
	Attrs []string `yaml:"attrs"`
	Oper  string   `yaml:"oper"`
	Args  []any    `yaml:"args"`
	Sig   []string `yaml:"sig"`

	hasAttrs bool
	hasOper  bool
	raw      string
}

func (r *requestDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("request must be an object, got %q", node.Value)
	}
	type plain requestDoc
	if err := node.Decode((*plain)(r)); err != nil {
		return err
	}
	keys := make([]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		keys = append(keys, key)
		switch key {
		case "attrs":
			r.hasAttrs = true
		case "oper":
			r.hasOper = true
		}
	}
	r.raw = "{" + strings.Join(keys, ",") + "}"
	return nil
}

func (r requestDoc) request() (query.Request, error) {
	switch {
	case r.hasAttrs:
		return query.AttributeRequest{Name: r.Name, Target: r.Obj, Attributes: r.Attrs}, nil
	case r.hasOper:
		return query.OperationRequest{Name: r.Name, Target: r.Obj, Operation: r.Oper, Args: r.Args, Signature: r.Sig}, nil
	default:
		return nil, fmt.Errorf("%w %s (name=%q)", ErrUnknownRequest, r.raw, r.Name)
	}
}

// periodValue 秒数或字符串 "default"
type periodValue struct {
	set   bool
	dflt  bool
	value int
}

func (p *periodValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("period must be a number or %q", defaultKeyword)
	}
	p.set = true
	if node.Value == defaultKeyword {
		p.dflt = true
		return nil
	}
	if err := node.Decode(&p.value); err != nil {
		return fmt.Errorf("invalid period %q: %w", node.Value, err)
	}
	return nil
}

// Parse 解析一个查询文档（JSON 或 YAML）。
// period 缺省或为 "default" 时取 defaultDelay；minPeriod 缺省时等于 period，为 "default" 时取 defaultDelay。
func Parse(data []byte, defaultDelay int) ([]query.Definition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode query document: %w", err)
	}

	defs := make([]query.Definition, 0, len(doc.Queries))
	for _, q := range doc.Queries {
		period := defaultDelay
		if q.Period.set && !q.Period.dflt {
			period = q.Period.value
		}
		minPeriod := period
		switch {
		case q.MinPeriod.dflt:
			minPeriod = defaultDelay
		case q.MinPeriod.set:
			minPeriod = q.MinPeriod.value
		}

		requests := make([]query.Request, 0, len(q.Requests))
		for _, r := range q.Requests {
			req, err := r.request()
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", q.Name, err)
			}
			requests = append(requests, req)
		}

		defs = append(defs, query.Definition{
			Name:      q.Name,
			Requests:  requests,
			Template:  q.Template,
			Metadata:  q.Metadata,
			Lock:      query.LockScope(q.Lock),
			Period:    period,
			MinPeriod: minPeriod,
		})
	}
	return defs, nil
}

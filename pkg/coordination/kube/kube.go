// Package kube 基于 Kubernetes Lease 的协调实现。
// 每个组对应一个 Lease，通过 client-go leaderelection 竞争；成员状态写入同名 ConfigMap，
// 每个成员占一个 data 键。
package kube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	corev1client "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/client-go/util/homedir"

	"github.com/insight-collector/pkg/coordination"
)

// memberKeyPrefix ConfigMap 中成员状态键的前缀
const memberKeyPrefix = "member-"

// Timing 选举时间参数
type Timing struct {
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// DefaultTiming client-go 推荐的默认值
var DefaultTiming = Timing{
	LeaseDuration: 15 * time.Second,
	RenewDeadline: 10 * time.Second,
	RetryPeriod:   2 * time.Second,
}

// Options 客户端参数
type Options struct {
	Namespace string
	Identity  string
	Timing    Timing
	Logger    *zap.Logger
}

// Client Lease 协调客户端
type Client struct {
	cs     kubernetes.Interface
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	groups map[*group]struct{}
	closed bool
}

var _ coordination.Client = (*Client)(nil)

// BuildClientset 按 kubeconfig 构建 clientset；为空时依次尝试 KUBECONFIG、~/.kube/config、集群内配置
func BuildClientset(kubeconfig string) (kubernetes.Interface, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			kubeconfig = filepath.Join(homedir.HomeDir(), ".kube", "config")
			if _, err := os.Stat(kubeconfig); os.IsNotExist(err) {
				kubeconfig = ""
			}
		}
	}

	var config *rest.Config
	var err error
	if kubeconfig == "" {
		config, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to get in-cluster config: %w", err)
		}
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kube config from %s: %w", kubeconfig, err)
		}
	}

	cs, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return cs, nil
}

// New 创建客户端
func New(cs kubernetes.Interface, opts Options) (*Client, error) {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.Identity == "" {
		return nil, errors.New("kube coordination: identity is required")
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{cs: cs, opts: opts, logger: opts.Logger, groups: make(map[*group]struct{})}, nil
}

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

// LeaseName 把组路径转换为合法的 Lease 名称（DNS-1123），附加路径哈希避免截断后冲突
func LeaseName(path string) string {
	name := invalidName.ReplaceAllString(strings.ToLower(path), "-")
	name = strings.Trim(name, "-")
	if len(name) > 40 {
		name = strings.TrimRight(name[len(name)-40:], "-")
		name = strings.TrimLeft(name, "-")
	}
	return fmt.Sprintf("insight-%s-%08x", name, uint32(xxhash.Sum64String(path)))
}

func memberKey(identity string) string {
	return fmt.Sprintf("%s%016x", memberKeyPrefix, xxhash.Sum64String(identity))
}

// Join 为路径启动一个 leader elector
func (c *Client) Join(ctx context.Context, path string) (coordination.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, coordination.ErrClosed
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g := &group{
		client: c,
		path:   path,
		lease:  LeaseName(path),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if _, err := g.newElector(); err != nil {
		cancel()
		return nil, fmt.Errorf("join %s: %w", path, err)
	}
	c.groups[g] = struct{}{}
	go g.run(runCtx)
	return g, nil
}

// Close 关闭所有组，释放各自持有的 Lease
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	groups := make([]*group, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	var errs []error
	for _, g := range groups {
		errs = append(errs, g.Close())
	}
	return errors.Join(errs...)
}

func (c *Client) forget(g *group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, g)
}

type group struct {
	client *Client
	path   string
	lease  string

	leader atomic.Bool

	mu        sync.Mutex
	listeners []coordination.Listener
	left      bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (g *group) newElector() (*leaderelection.LeaderElector, error) {
	opts := g.client.opts
	lock := &resourcelock.LeaseLock{
		LeaseMeta:  metav1.ObjectMeta{Name: g.lease, Namespace: opts.Namespace},
		Client:     g.client.cs.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: opts.Identity},
	}
	return leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   opts.Timing.LeaseDuration,
		RenewDeadline:   opts.Timing.RenewDeadline,
		RetryPeriod:     opts.Timing.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            g.path,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(context.Context) {
				g.leader.Store(true)
				g.client.logger.Info("acquired group leadership", zap.String("path", g.path))
				g.emit(coordination.EventChanged)
			},
			OnStoppedLeading: func() {
				if g.leader.Swap(false) {
					g.client.logger.Info("lost group leadership", zap.String("path", g.path))
					g.emit(coordination.EventChanged)
				}
			},
			OnNewLeader: func(identity string) {
				if identity != opts.Identity {
					g.emit(coordination.EventChanged)
				}
			},
		},
	})
}

// run 失去领导权后 Run 返回，在上下文结束前重新参选
func (g *group) run(ctx context.Context) {
	defer close(g.done)
	for ctx.Err() == nil {
		le, err := g.newElector()
		if err != nil {
			g.client.logger.Error("create leader elector failed", zap.String("path", g.path), zap.Error(err))
			return
		}
		le.Run(ctx)

		select {
		case <-ctx.Done():
		case <-time.After(g.client.opts.Timing.RetryPeriod):
		}
	}
}

func (g *group) Path() string { return g.path }

func (g *group) OnEvent(l coordination.Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

func (g *group) emit(t coordination.EventType) {
	g.mu.Lock()
	listeners := make([]coordination.Listener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	ev := coordination.Event{Type: t, Leader: g.IsLeader()}
	for _, l := range listeners {
		l(ev)
	}
}

func (g *group) IsLeader() bool { return g.leader.Load() }

func (g *group) configMaps() corev1client.ConfigMapInterface {
	return g.client.cs.CoreV1().ConfigMaps(g.client.opts.Namespace)
}

// patchMember 合并写入本成员的状态，value 为 nil 时删除该键。ConfigMap 不存在时创建。
func (g *group) patchMember(ctx context.Context, value any) error {
	key := memberKey(g.client.opts.Identity)
	data, err := json.Marshal(map[string]any{"data": map[string]any{key: value}})
	if err != nil {
		return err
	}
	_, err = g.configMaps().Patch(ctx, g.lease, types.MergePatchType, data, metav1.PatchOptions{})
	if !apierrors.IsNotFound(err) || value == nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: g.lease, Namespace: g.client.opts.Namespace},
		Data:       map[string]string{key: value.(string)},
	}
	_, err = g.configMaps().Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = g.configMaps().Patch(ctx, g.lease, types.MergePatchType, data, metav1.PatchOptions{})
	}
	return err
}

func (g *group) Publish(state coordination.NodeState) error {
	g.mu.Lock()
	left := g.left
	g.mu.Unlock()
	if left {
		return fmt.Errorf("publish to %s: %w", g.path, coordination.ErrNotJoined)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.patchMember(ctx, string(raw)); err != nil {
		return fmt.Errorf("publish to %s: %w", g.path, err)
	}
	return nil
}

func (g *group) Members() []coordination.NodeState {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cm, err := g.configMaps().Get(ctx, g.lease, metav1.GetOptions{})
	if err != nil {
		g.client.logger.Debug("get member configmap failed", zap.String("name", g.lease), zap.Error(err))
		return nil
	}
	keys := make([]string, 0, len(cm.Data))
	for k := range cm.Data {
		if strings.HasPrefix(k, memberKeyPrefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []coordination.NodeState
	for _, k := range keys {
		var s coordination.NodeState
		if err := json.Unmarshal([]byte(cm.Data[k]), &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (g *group) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.left = true
		g.mu.Unlock()

		g.cancel()
		<-g.done
		g.leader.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.patchMember(ctx, nil); err != nil {
			g.closeErr = fmt.Errorf("remove member from %s: %w", g.lease, err)
		}
		g.client.forget(g)
	})
	return g.closeErr
}

package release

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// SourceOptions 汇总构建发布源所需的参数，由 config.SourceConfig 映射而来。
type SourceOptions struct {
	Endpoint string
	Owner    string
	Repo     string
	Token    string
	// TempDir 是下载 tarball 的临时目录，空值表示 os.TempDir()。
	TempDir string
	Client  *http.Client
}

// Factory 根据选项构造发布源。
type Factory func(opts SourceOptions) (Source, error)

var globalRegistry = newRegistry()

type registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func newRegistry() *registry {
	return &registry{factories: make(map[string]Factory)}
}

// Register 将发布源工厂加入全局注册表，重复键会返回错误。
func Register(kind string, factory Factory) error {
	return globalRegistry.register(kind, factory)
}

// MustRegister 在注册失败时 panic，适合发布源 init() 中调用。
func MustRegister(kind string, factory Factory) {
	if err := Register(kind, factory); err != nil {
		panic(err)
	}
}

// Resolve 返回指定类型的工厂。
func Resolve(kind string) (Factory, bool) {
	return globalRegistry.resolve(kind)
}

// Kinds 返回按字母排序的已注册类型。
func Kinds() []string {
	return globalRegistry.kinds()
}

// New 按类型构造发布源。
func New(kind string, opts SourceOptions) (Source, error) {
	factory, ok := Resolve(kind)
	if !ok {
		return nil, fmt.Errorf("release source %q is not registered", kind)
	}
	return factory(opts)
}

func normalizeKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func (r *registry) register(kind string, factory Factory) error {
	key := normalizeKind(kind)
	if key == "" {
		return fmt.Errorf("source kind is required")
	}
	if factory == nil {
		return fmt.Errorf("source %s: factory is nil", key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("source %s already registered", key)
	}
	r.factories[key] = factory
	return nil
}

func (r *registry) resolve(kind string) (Factory, bool) {
	key := normalizeKind(kind)
	if key == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[key]
	return factory, ok
}

func (r *registry) kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.factories))
	for key := range r.factories {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

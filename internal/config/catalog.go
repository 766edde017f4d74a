package config

import (
	_ "embed"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eidos-exchange/eidos-endpoints/internal/model"
	"github.com/eidos-exchange/eidos-endpoints/pkg/errors"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// RegistryConfig 端点目录
type RegistryConfig struct {
	Endpoints []EndpointConfig `yaml:"endpoints" json:"endpoints"`
	// Selection 各类别的初始主/备，首轮对账确认前不可用
	Selection map[model.Kind]SelectionSeed `yaml:"selection" json:"selection"`
	// DefaultKind 就绪检查和 gRPC 健康状态依据的类别
	DefaultKind model.Kind `yaml:"default_kind" json:"default_kind"`
	// ProtocolKind BestProtocolAPI 未指定类别时使用
	ProtocolKind model.Kind `yaml:"protocol_kind" json:"protocol_kind"`
}

// SelectionSeed 初始选择
type SelectionSeed struct {
	InitialPrimary string `yaml:"initial_primary" json:"initial_primary"`
	InitialBackup  string `yaml:"initial_backup" json:"initial_backup"`
}

// EndpointConfig 单个端点的配置项
type EndpointConfig struct {
	Name                 string      `yaml:"name" json:"name"`
	Kind                 string      `yaml:"kind" json:"kind"`
	Tier                 int         `yaml:"tier" json:"tier"`
	PrimaryURL           string      `yaml:"primary_url" json:"primary_url"`
	SecondaryURL         string      `yaml:"secondary_url" json:"secondary_url"`
	Priority             *int        `yaml:"priority" json:"priority"`
	Features             []string    `yaml:"features" json:"features"`
	DeclaredUptime       *float64    `yaml:"declared_uptime" json:"declared_uptime"`
	MaxRequestsPerSecond int         `yaml:"max_requests_per_second" json:"max_requests_per_second"`
	Probe                ProbeConfig `yaml:"probe" json:"probe"`
}

// ProbeConfig 端点级探测参数，留空使用全局 prober 配置
type ProbeConfig struct {
	Check         string        `yaml:"check" json:"check"`
	PrimaryPath   string        `yaml:"primary_path" json:"primary_path"`
	SecondaryPath string        `yaml:"secondary_path" json:"secondary_path"`
	Method        string        `yaml:"method" json:"method"`
	Service       string        `yaml:"service" json:"service"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
}

// ToModel 转换为注册表记录，补齐优先级和可用率默认值
func (c EndpointConfig) ToModel() model.Endpoint {
	priority := model.DefaultPriority
	if c.Priority != nil {
		priority = *c.Priority
	}
	uptime := model.DefaultDeclaredUptime
	if c.DeclaredUptime != nil {
		uptime = *c.DeclaredUptime
	}

	return model.Endpoint{
		Name:                 c.Name,
		Kind:                 model.Kind(c.Kind),
		Tier:                 c.Tier,
		PrimaryURL:           c.PrimaryURL,
		SecondaryURL:         c.SecondaryURL,
		Priority:             priority,
		Features:             model.NormalizeFeatures(c.Features),
		DeclaredUptime:       uptime,
		MaxRequestsPerSecond: c.MaxRequestsPerSecond,
		Probe: model.ProbeSpec{
			Check:         model.CheckType(c.Probe.Check),
			PrimaryPath:   c.Probe.PrimaryPath,
			SecondaryPath: c.Probe.SecondaryPath,
			Method:        c.Probe.Method,
			Service:       c.Probe.Service,
			Timeout:       c.Probe.Timeout,
		},
		State: model.ProbeState{Status: model.StatusUnknown},
	}
}

// Models 所有端点的注册表记录
func (r RegistryConfig) Models() []model.Endpoint {
	out := make([]model.Endpoint, 0, len(r.Endpoints))
	for _, e := range r.Endpoints {
		out = append(out, e.ToModel())
	}
	return out
}

// Seeds 按类别排序的初始选择
func (r RegistryConfig) Seeds() []model.SelectionState {
	out := make([]model.SelectionState, 0, len(r.Selection))
	for kind, seed := range r.Selection {
		out = append(out, model.SelectionState{
			Kind:        kind,
			PrimaryName: seed.InitialPrimary,
			BackupName:  seed.InitialBackup,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// validateSelection 初始选择必须引用同类别的已注册端点
func (r RegistryConfig) validateSelection(endpoints []model.Endpoint) error {
	kinds := make(map[string]model.Kind, len(endpoints))
	for i := range endpoints {
		kinds[endpoints[i].Name] = endpoints[i].Kind
	}

	for kind, seed := range r.Selection {
		for _, name := range []string{seed.InitialPrimary, seed.InitialBackup} {
			if name == "" {
				continue
			}
			k, ok := kinds[name]
			if !ok {
				return errors.Wrapf(errors.ErrConfiguration, "initial selection for %s references unknown endpoint %q", kind, name)
			}
			if k != kind {
				return errors.Wrapf(errors.ErrConfiguration, "initial selection for %s references %q of kind %s", kind, name, k)
			}
		}
	}
	return nil
}

// DefaultCatalog 内置目录: Algorand 节点服务商与 DeFi 协议 API
func DefaultCatalog() (*RegistryConfig, error) {
	var catalog RegistryConfig
	if err := yaml.Unmarshal(defaultCatalog, &catalog); err != nil {
		return nil, errors.WrapWithCause(errors.ErrConfiguration, err, "parse default catalog")
	}
	return &catalog, nil
}

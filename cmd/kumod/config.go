package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/kumomta/kumod-core/framework/cfgparser"
	"github.com/kumomta/kumod-core/framework/config"
	modconfig "github.com/kumomta/kumod-core/framework/config/module"
	"github.com/kumomta/kumod-core/framework/module"
	"github.com/kumomta/kumod-core/internal/dispatcher"
	"github.com/kumomta/kumod-core/internal/egress"
	proxyprotocol "github.com/kumomta/kumod-core/internal/proxy_protocol"
	"github.com/kumomta/kumod-core/internal/readyq"
	"github.com/kumomta/kumod-core/internal/schedq"
	"github.com/kumomta/kumod-core/internal/throttle"
)

// Config is kumod's top-level configuration: ingress listeners, the
// default scheduled/ready queue parameters, the egress pools messages are
// delivered through, and the pluggable resolver/throttle/logging backends.
// Bound from the block-structured config language (framework/cfgparser)
// the same way the teacher's modules bind their Init blocks, except this is
// the single top-level document rather than one block per module instance.
type Config struct {
	Hostname string
	StateDir string

	ListenSMTP []string
	ListenHTTP string

	QueueDefaults schedq.Config
	ReadyDefaults readyq.Config
	PathDefaults  dispatcher.PathConfig
	DefaultPool   string

	// MemoryPressureFloorKB, when nonzero, caps a ready queue's ideal
	// connection count at 2 once /proc/meminfo's MemAvailable drops below
	// it (Linux only; a no-op elsewhere).
	MemoryPressureFloorKB uint64

	Pools map[string]*egress.Pool

	Resolver module.Resolver

	ThrottleKind  string // "local" or "redis"
	ThrottleRedis string

	DKIMVerify bool

	WebhookEndpoint     string
	SubscriptionURL     string

	ProxyProtocol *proxyprotocol.ProxyProtocol
}

func defaultConfig() *Config {
	return &Config{
		Hostname:      "kumod",
		StateDir:      "/var/spool/kumod",
		ListenSMTP:    []string{":2525"},
		ListenHTTP:    ":8080",
		QueueDefaults: schedq.DefaultConfig(),
		ReadyDefaults: readyq.Config{ConnectionLimit: 20, MaxReady: 5000, ConsecutiveFailuresBeforeDelay: 3},
		PathDefaults: dispatcher.PathConfig{
			TLSPolicy:            dispatcher.TLSOpportunistic,
			ConnectTimeout:       30 * time.Second,
			IdleTimeout:          60 * time.Second,
			MaxDeliveriesPerConn: 1000,
			BatchSize:            1,
			BatchLatency:         100 * time.Millisecond,
		},
		ThrottleKind:  "local",
		Pools:         make(map[string]*egress.Pool),
	}
}

// ParseConfig reads and binds the config file at path. It walks the
// top-level nodes directly (rather than through a single config.Map, which
// assumes one occurrence per directive name) since egress_pool and source
// blocks may repeat, following the same top-level-node-iteration shape as
// the teacher's instancesFromConfig in module.go.
func ParseConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nodes, err := cfgparser.Read(f, path)
	if err != nil {
		return nil, fmt.Errorf("kumod: parsing %s: %w", path, err)
	}

	cfg := defaultConfig()
	globals := map[string]interface{}{}

	for _, node := range nodes {
		switch node.Name {
		case "hostname":
			if len(node.Args) != 1 {
				return nil, cfgparser.NodeErr(node, "hostname: expected exactly one argument")
			}
			cfg.Hostname = node.Args[0]
		case "state_dir":
			if len(node.Args) != 1 {
				return nil, cfgparser.NodeErr(node, "state_dir: expected exactly one argument")
			}
			cfg.StateDir = node.Args[0]
		case "listen_smtp":
			cfg.ListenSMTP = append(cfg.ListenSMTP, node.Args...)
		case "listen_http":
			if len(node.Args) != 1 {
				return nil, cfgparser.NodeErr(node, "listen_http: expected exactly one argument")
			}
			cfg.ListenHTTP = node.Args[0]
		case "dkim_verify":
			cfg.DKIMVerify = true
		case "memory_pressure_floor_kb":
			if len(node.Args) != 1 {
				return nil, cfgparser.NodeErr(node, "memory_pressure_floor_kb: expected exactly one argument")
			}
			var kb uint64
			if _, err := fmt.Sscanf(node.Args[0], "%d", &kb); err != nil {
				return nil, cfgparser.NodeErr(node, "memory_pressure_floor_kb: invalid integer %q", node.Args[0])
			}
			cfg.MemoryPressureFloorKB = kb
		case "default_pool":
			if len(node.Args) != 1 {
				return nil, cfgparser.NodeErr(node, "default_pool: expected exactly one argument")
			}
			cfg.DefaultPool = node.Args[0]
		case "webhook":
			if len(node.Args) < 1 || len(node.Args) > 2 {
				return nil, cfgparser.NodeErr(node, "webhook: expects endpoint [subscription_url]")
			}
			cfg.WebhookEndpoint = node.Args[0]
			if len(node.Args) == 2 {
				cfg.SubscriptionURL = node.Args[1]
			}
		case "throttle_backend":
			if len(node.Args) == 0 {
				return nil, cfgparser.NodeErr(node, "throttle_backend: expected at least one argument")
			}
			cfg.ThrottleKind = node.Args[0]
			if cfg.ThrottleKind == "redis" {
				if len(node.Args) != 2 {
					return nil, cfgparser.NodeErr(node, "throttle_backend redis: expected a server address")
				}
				cfg.ThrottleRedis = node.Args[1]
			}
		case "resolver":
			// modconfig.Resolver instantiates the module named by
			// node.Args (e.g. "resolver.dns") and runs its Init against
			// node's children, the same path ModuleFromNode takes for an
			// inline module reference elsewhere in the config language.
			resolved, err := modconfig.Resolver(globals, node.Args, node)
			if err != nil {
				return nil, err
			}
			cfg.Resolver = resolved
		case "queue_defaults":
			if err := bindQueueDefaults(globals, node, &cfg.QueueDefaults); err != nil {
				return nil, err
			}
		case "ready_queue_defaults":
			if err := bindReadyDefaults(globals, node, &cfg.ReadyDefaults); err != nil {
				return nil, err
			}
		case "egress_pool":
			if len(node.Args) != 1 {
				return nil, cfgparser.NodeErr(node, "egress_pool: expected exactly one name argument")
			}
			pool, err := buildPool(globals, node)
			if err != nil {
				return nil, err
			}
			cfg.Pools[node.Args[0]] = pool
		case "path_defaults":
			if err := bindPathDefaults(globals, node, &cfg.PathDefaults); err != nil {
				return nil, err
			}
		case "proxy_protocol":
			pp, err := proxyprotocol.ProxyProtocolDirective(nil, node)
			if err != nil {
				return nil, err
			}
			cfg.ProxyProtocol = pp.(*proxyprotocol.ProxyProtocol)
		default:
			return nil, cfgparser.NodeErr(node, "unknown top-level directive %q", node.Name)
		}
	}

	if cfg.DefaultPool == "" {
		for name := range cfg.Pools {
			cfg.DefaultPool = name
			break
		}
	}

	return cfg, nil
}

func bindQueueDefaults(globals map[string]interface{}, node config.Node, out *schedq.Config) error {
	m := config.NewMap(globals, node)
	m.Duration("retry_interval", false, false, out.RetryInterval, &out.RetryInterval)
	m.Duration("max_retry_interval", false, false, out.MaxRetryInterval, &out.MaxRetryInterval)
	m.Duration("max_age", false, false, out.MaxAge, &out.MaxAge)
	m.Duration("reap_interval", false, false, out.ReapInterval, &out.ReapInterval)
	m.Duration("refresh_interval", false, false, out.RefreshInterval, &out.RefreshInterval)
	m.String("egress_pool", false, false, out.EgressPool, &out.EgressPool)
	_, err := m.Process()
	return err
}

// bindPathDefaults binds an EgressPathConfig-equivalent top-level block
// (spec §4.H/§3.SUPPLEMENTED FEATURES). message_rate_throttle and
// additional_connection_limit may each repeat, so they're read directly off
// node.Children the same way buildPool reads repeating "source" blocks,
// rather than through config.Map which assumes one occurrence per name.
func bindPathDefaults(globals map[string]interface{}, node config.Node, out *dispatcher.PathConfig) error {
	tlsPolicies := map[string]dispatcher.TLSPolicy{
		"disabled":               dispatcher.TLSDisabled,
		"opportunistic":          dispatcher.TLSOpportunistic,
		"opportunistic_insecure": dispatcher.TLSOpportunisticInsecure,
		"required":               dispatcher.TLSRequired,
		"required_insecure":      dispatcher.TLSRequiredInsecure,
	}

	m := config.NewMap(globals, node)
	m.AllowUnknown()
	config.EnumMapped(m, "tls_policy", false, false, tlsPolicies, out.TLSPolicy, &out.TLSPolicy)
	m.Duration("connect_timeout", false, false, out.ConnectTimeout, &out.ConnectTimeout)
	m.Duration("idle_timeout", false, false, out.IdleTimeout, &out.IdleTimeout)
	m.Duration("total_timeout", false, false, out.TotalTimeout, &out.TotalTimeout)
	m.Int("max_deliveries_per_connection", false, false, out.MaxDeliveriesPerConn, &out.MaxDeliveriesPerConn)
	m.Int("batch_size", false, false, out.BatchSize, &out.BatchSize)
	m.Duration("batch_latency", false, false, out.BatchLatency, &out.BatchLatency)
	unknown, err := m.Process()
	if err != nil {
		return err
	}

	for _, child := range unknown {
		switch child.Name {
		case "connection_rate_throttle":
			spec, err := parseThrottleSpec(child)
			if err != nil {
				return err
			}
			out.ConnRateThrottle = &spec
		case "message_rate_throttle":
			spec, err := parseThrottleSpec(child)
			if err != nil {
				return err
			}
			out.MessageRateThrottles = append(out.MessageRateThrottles, spec)
		case "additional_connection_limit":
			if len(child.Args) != 2 {
				return cfgparser.NodeErr(child, "additional_connection_limit: expected name and max arguments")
			}
			var max int
			if _, err := fmt.Sscanf(child.Args[1], "%d", &max); err != nil {
				return cfgparser.NodeErr(child, "additional_connection_limit: invalid max %q", child.Args[1])
			}
			out.AdditionalConnectionLimits = append(out.AdditionalConnectionLimits, throttle.LeaseSpec{
				Name: child.Args[0],
				Max:  max,
			})
		default:
			return cfgparser.NodeErr(child, "path_defaults: unknown directive %q", child.Name)
		}
	}
	return nil
}

// parseThrottleSpec reads "<directive> <limit> <period>", e.g.
// "message_rate_throttle 100 1m".
func parseThrottleSpec(node config.Node) (throttle.Spec, error) {
	if len(node.Args) != 2 {
		return throttle.Spec{}, cfgparser.NodeErr(node, "%s: expected limit and period arguments", node.Name)
	}
	var limit int
	if _, err := fmt.Sscanf(node.Args[0], "%d", &limit); err != nil {
		return throttle.Spec{}, cfgparser.NodeErr(node, "%s: invalid limit %q", node.Name, node.Args[0])
	}
	period, err := time.ParseDuration(node.Args[1])
	if err != nil {
		return throttle.Spec{}, cfgparser.NodeErr(node, "%s: invalid period %q", node.Name, node.Args[1])
	}
	return throttle.Spec{Limit: limit, Period: period}, nil
}

func bindReadyDefaults(globals map[string]interface{}, node config.Node, out *readyq.Config) error {
	m := config.NewMap(globals, node)
	m.Int("connection_limit", false, false, out.ConnectionLimit, &out.ConnectionLimit)
	m.Int("max_ready", false, false, out.MaxReady, &out.MaxReady)
	m.Int("consecutive_failures_before_delay", false, false, out.ConsecutiveFailuresBeforeDelay, &out.ConsecutiveFailuresBeforeDelay)
	_, err := m.Process()
	return err
}

// buildPool binds each "source" child block the same way
// egress.Source.initFromConfig does internally (weight, ha_proxy_target,
// local_address, socks5 by module reference) -- that method is unexported,
// so the directive names are mirrored here rather than imported.
func buildPool(globals map[string]interface{}, node config.Node) (*egress.Pool, error) {
	var sources []*egress.Source
	for _, child := range node.Children {
		if child.Name != "source" {
			return nil, cfgparser.NodeErr(child, "egress_pool: unexpected directive %q, expected source", child.Name)
		}
		if len(child.Args) != 1 {
			return nil, cfgparser.NodeErr(child, "source: expected exactly one name argument")
		}
		name := child.Args[0]

		m := config.NewMap(globals, child)
		weight := 1
		haProxyTarget := ""
		localAddr := ""
		var socksName string
		m.Int("weight", false, false, 1, &weight)
		m.String("ha_proxy_target", false, false, "", &haProxyTarget)
		m.String("local_address", false, false, "", &localAddr)
		m.String("socks5", false, false, "", &socksName)
		if _, err := m.Process(); err != nil {
			return nil, err
		}

		src := egress.NewSource(name, weight)
		src.HAProxyTarget = haProxyTarget
		if localAddr != "" {
			ip := net.ParseIP(localAddr)
			if ip == nil {
				return nil, cfgparser.NodeErr(child, "source %q: invalid local_address %q", name, localAddr)
			}
			src.LocalAddr = ip
		}
		if socksName != "" {
			modObj, err := module.GetInstance(socksName)
			if err != nil {
				return nil, fmt.Errorf("egress source %s: socks5 %s: %w", name, socksName, err)
			}
			tun, ok := modObj.(*egress.Socks5Module)
			if !ok {
				return nil, fmt.Errorf("egress source %s: %s is not a socks5 module", name, socksName)
			}
			src.SetSocks5(tun.Tunnel)
		}

		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, cfgparser.NodeErr(node, "egress_pool %q: at least one source is required", node.Args[0])
	}
	return egress.NewPool(node.Args[0], sources), nil
}

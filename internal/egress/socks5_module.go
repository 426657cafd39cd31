package egress

import (
	"strconv"

	"github.com/kumomta/kumod-core/framework/config"
	"github.com/kumomta/kumod-core/framework/module"
)

// Socks5Module is the config-registered module wrapper around a
// Socks5Tunnel, grounded on the teacher's target/remote/socks5_group.go
// Socks5Group: same directive names (host/port/user/password), same
// registration convention.
type Socks5Module struct {
	instName string
	Tunnel   *Socks5Tunnel
}

func NewSocks5Module(_, instName string, _, _ []string) (module.Module, error) {
	return &Socks5Module{instName: instName, Tunnel: &Socks5Tunnel{}}, nil
}

func (m *Socks5Module) Init(cfg *config.Map) error {
	for _, child := range cfg.Block.Children {
		switch child.Name {
		case "host":
			if len(child.Args) != 1 {
				return config.NodeErr(child, "exactly one argument is required")
			}
			m.Tunnel.Host = child.Args[0]
		case "port":
			if len(child.Args) != 1 {
				return config.NodeErr(child, "exactly one argument is required")
			}
			port, err := strconv.Atoi(child.Args[0])
			if err != nil {
				return config.NodeErr(child, "invalid port number: %v", err)
			}
			m.Tunnel.Port = port
		case "user":
			if len(child.Args) != 1 {
				return config.NodeErr(child, "exactly one argument is required")
			}
			m.Tunnel.User = child.Args[0]
		case "password":
			if len(child.Args) != 1 {
				return config.NodeErr(child, "exactly one argument is required")
			}
			m.Tunnel.Password = child.Args[0]
		}
	}
	return nil
}

func (m *Socks5Module) Name() string         { return "socks5" }
func (m *Socks5Module) InstanceName() string { return m.instName }

func init() {
	module.Register("socks5", NewSocks5Module)
}

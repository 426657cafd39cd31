/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package modconfig

import (
	"github.com/kumomta/kumod-core/framework/config"
	"github.com/kumomta/kumod-core/framework/module"
)

// ResolverDirective is a callback for use in config.Map.Custom. It
// instantiates the DNS resolver module named by a config directive of the
// form:
//
//	resolver mod_name [inst_name] [{
//	  inline_mod_config
//	}]
func ResolverDirective(m *config.Map, node config.Node) (interface{}, error) {
	return Resolver(m.Globals, node.Args, node)
}

func Resolver(globals map[string]interface{}, args []string, block config.Node) (module.Resolver, error) {
	var r module.Resolver
	if err := ModuleFromNode("resolver", args, block, globals, &r); err != nil {
		return nil, err
	}
	return r, nil
}

// ThrottleBackendDirective instantiates a throttle backend (local or
// distributed) named by a config directive.
func ThrottleBackendDirective(m *config.Map, node config.Node) (interface{}, error) {
	return ThrottleBackend(m.Globals, node.Args, node)
}

func ThrottleBackend(globals map[string]interface{}, args []string, block config.Node) (module.ThrottleBackend, error) {
	var t module.ThrottleBackend
	if err := ModuleFromNode("throttle", args, block, globals, &t); err != nil {
		return nil, err
	}
	return t, nil
}


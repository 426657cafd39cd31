package config

import (
	parser "github.com/kumomta/kumod-core/framework/cfgparser"
)

// Node and NodeErr are re-exported from framework/cfgparser so that
// config.Map consumers (matchers in this package, module Init methods
// throughout framework/ and internal/) can refer to the parsed
// configuration tree without importing cfgparser directly.
type Node = parser.Node

func NodeErr(node Node, f string, args ...interface{}) error {
	return parser.NodeErr(node, f, args...)
}

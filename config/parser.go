package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-gate/types"
)

// Parser resolves dot-separated paths against the raw YAML tree, so
// callers can read keys the typed GateConfig does not model.
type Parser struct {
	data map[string]interface{}
}

func NewParser(rawData *map[string]interface{}) *Parser {
	parser := &Parser{
		data: make(map[string]interface{}),
	}

	if rawData != nil {
		parser.data = *rawData
	}

	return parser
}

func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	if value, found := p.lookup(path); found {
		return value
	}
	return defaultValue
}

// GetAs decodes the subtree at path into target through a YAML
// round-trip, so struct tags and type coercion behave exactly as they
// do for the main configuration file.
func (p *Parser) GetAs(path string, target interface{}) error {
	value, found := p.lookup(path)
	if !found {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	encoded, err := yaml.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to marshal config value")
	}
	if err := yaml.Unmarshal(encoded, target); err != nil {
		return types.WrapError(err, "failed to unmarshal config value")
	}

	return nil
}

func (p *Parser) lookup(path string) (interface{}, bool) {
	if path == "" {
		return p.data, true
	}

	var current interface{} = p.data
	for path != "" {
		var segment string
		segment, path, _ = strings.Cut(path, ".")

		child, ok := childOf(current, segment)
		if !ok || child == nil {
			return nil, false
		}
		current = child
	}

	return current, true
}

// childOf reads one mapping level. yaml.v3 produces string-keyed maps,
// but subtrees that passed through generic decoding may carry
// interface{} keys; both shapes navigate the same way.
func childOf(node interface{}, key string) (interface{}, bool) {
	switch n := node.(type) {
	case map[string]interface{}:
		child, ok := n[key]
		return child, ok
	case map[interface{}]interface{}:
		child, ok := n[key]
		return child, ok
	default:
		return nil, false
	}
}

package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AliasFile is the on-disk shape of user phrase aliases:
//
//	aliases:
//	  - phrase: wipe it
//	    action: clear
//	  - phrase: launch
//	    action: execute
//	    argument: true
type AliasFile struct {
	Aliases []Rule `yaml:"aliases"`
}

// ParseAliases decodes alias rules from YAML.
func ParseAliases(data []byte) ([]Rule, error) {
	var f AliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse aliases: %w", err)
	}
	return f.Aliases, nil
}

// LoadGrammar returns the built-in grammar extended with the aliases in
// path. An empty path yields the built-in grammar.
func LoadGrammar(path string) (*Grammar, error) {
	g := DefaultGrammar()
	if path == "" {
		return g, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read aliases file: %w", err)
	}
	rules, err := ParseAliases(data)
	if err != nil {
		return nil, err
	}
	g, err = g.With(rules...)
	if err != nil {
		return nil, fmt.Errorf("invalid aliases in %s: %w", path, err)
	}
	return g, nil
}

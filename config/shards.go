package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IPShard binds a set of symbols to the local source address their
// connections dial from. An empty IP uses the default route.
type IPShard struct {
	IP      string   `yaml:"ip"`
	Symbols []string `yaml:"symbols"`
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	for i := range cfg.Shards {
		cfg.Shards[i].Symbols = NormalizeSymbols(cfg.Shards[i].Symbols)
	}
	return &cfg, nil
}

// ResolveShards partitions symbols across shards. Symbols that no shard names
// are collected into a trailing shard without a source IP; production-like
// environments reject them instead. Shard symbols that are not configured are
// ignored.
func ResolveShards(symbols []string, shards *IPShards, env string) ([]IPShard, error) {
	if shards == nil || len(shards.Shards) == 0 {
		return []IPShard{{Symbols: symbols}}, nil
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	assigned := make(map[string]string, len(symbols))
	var out []IPShard
	for _, sh := range shards.Shards {
		var syms []string
		for _, s := range sh.Symbols {
			if !wanted[s] {
				continue
			}
			if ip, dup := assigned[s]; dup {
				return nil, fmt.Errorf("symbol %s assigned to both %q and %q", s, ip, sh.IP)
			}
			assigned[s] = sh.IP
			syms = append(syms, s)
		}
		if len(syms) > 0 {
			out = append(out, IPShard{IP: sh.IP, Symbols: syms})
		}
	}

	var rest []string
	for _, s := range symbols {
		if _, ok := assigned[s]; !ok {
			rest = append(rest, s)
		}
	}
	if len(rest) > 0 {
		if IsProductionLike(env) {
			return nil, fmt.Errorf("symbols without an IP shard in %s: %v", env, rest)
		}
		out = append(out, IPShard{Symbols: rest})
	}
	return out, nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader resolves a Config from a deterministic layering of YAML files plus
// environment-variable overrides: base -> device-local -> env-vars, later
// layers win. Maps merge recursively; scalars and arrays are replaced.
type Loader struct {
	// BasePath is the fleet-wide config file, required to exist.
	BasePath string
	// DeviceLocalPath is an optional device-specific override file.
	DeviceLocalPath string
	// EnvPrefix selects the environment-variable override namespace; default "KIOSKOPS_".
	EnvPrefix string
	// EnvLookup is injectable for tests; defaults to os.Environ.
	EnvLookup func() []string

	maxDepth int
}

var reSeg = regexp.MustCompile(`^[a-z0-9][a-z0-9_]{0,63}$`)

// Load reads, merges, and validates the configuration.
func (l *Loader) Load() (Config, error) {
	if l.EnvPrefix == "" {
		l.EnvPrefix = "KIOSKOPS_"
	}
	if l.EnvLookup == nil {
		l.EnvLookup = os.Environ
	}
	if l.maxDepth <= 0 {
		l.maxDepth = 16
	}

	merged := structToMap(Defaults())

	if l.BasePath != "" {
		base, err := readYAMLFile(l.BasePath)
		if err != nil {
			return Config{}, err
		}
		merged = deepMerge(merged, base, l.maxDepth, 0)
	}

	if l.DeviceLocalPath != "" {
		local, err := readYAMLFile(l.DeviceLocalPath)
		if errors.Is(err, fs.ErrNotExist) {
			// device-local overrides are optional
		} else if err != nil {
			return Config{}, err
		} else {
			merged = deepMerge(merged, local, l.maxDepth, 0)
		}
	}

	envLayer, err := l.envOverrides()
	if err != nil {
		return Config{}, err
	}
	if envLayer != nil {
		merged = deepMerge(merged, envLayer, l.maxDepth, 0)
	}

	cfg, err := mapToConfig(merged)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readYAMLFile(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return m, nil
}

// deepMerge is deterministic: later layer wins on scalar/array collisions;
// maps merge key by key, sorted for determinism.
func deepMerge(dst, src map[string]any, maxDepth, depth int) map[string]any {
	if maxDepth > 0 && depth > maxDepth {
		return src
	}
	if dst == nil {
		dst = map[string]any{}
	}
	if src == nil {
		return dst
	}
	out := make(map[string]any, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sv := src[k]
		if dv, ok := out[k]; ok {
			dm, dok := asMap(dv)
			sm, sok := asMap(sv)
			if dok && sok {
				out[k] = deepMerge(dm, sm, maxDepth, depth+1)
				continue
			}
		}
		out[k] = sv
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func structToMap(c Config) map[string]any {
	b, err := yaml.Marshal(c)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := yaml.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func mapToConfig(m map[string]any) (Config, error) {
	b, err := yaml.Marshal(m)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: merged document invalid: %w", err)
	}
	return cfg, nil
}

// envOverrides builds a nested map from KIOSKOPS_<PATH> environment variables,
// using "__" as the path delimiter (e.g. KIOSKOPS_SYNC_POLICY__BATCH_SIZE=25).
func (l *Loader) envOverrides() (map[string]any, error) {
	out := map[string]any{}
	for _, kv := range l.EnvLookup() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		k, v := parts[0], parts[1]
		if !strings.HasPrefix(k, l.EnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(k, l.EnvPrefix)
		if rest == "" {
			continue
		}
		segs := strings.Split(strings.ToLower(rest), "__")
		valid := true
		for _, s := range segs {
			if !reSeg.MatchString(s) {
				valid = false
				break
			}
		}
		if !valid {
			continue
		}
		if err := setPath(out, segs, parseScalar(v), l.maxDepth); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func setPath(root map[string]any, segs []string, val any, maxDepth int) error {
	if maxDepth > 0 && len(segs) > maxDepth {
		return fmt.Errorf("config: env override path too deep")
	}
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = val
			return nil
		}
		next, ok := cur[seg]
		if ok {
			if m, ok := next.(map[string]any); ok {
				cur = m
				continue
			}
		}
		m := map[string]any{}
		cur[seg] = m
		cur = m
	}
	return nil
}

func parseScalar(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	}
	return s
}

// Path joins dir and name to resolve a config tier file.
func Path(dir, name string) string {
	return filepath.Join(dir, name)
}

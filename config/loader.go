package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "MNEMOS_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// SearchPaths are tried in order when no config file is given.
var SearchPaths = []string{
	"mnemos.yaml",
	"config.yaml",
	"config.yml",
	"config.json",
	"configs/mnemos.yaml",
	"/etc/mnemos/config.yaml",
}

// Loader merges defaults, one config file, MNEMOS_ environment variables
// and command line overrides, in increasing order of precedence.
type Loader struct {
	k      *koanf.Koanf
	source string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Source is the config file the last Load read, empty when none was found.
func (l *Loader) Source() string { return l.source }

// Load builds and validates a Config. An explicit configPath must exist;
// otherwise the first existing entry of SearchPaths is used, if any.
func (l *Loader) Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	defaults := flatten(DefaultConfig())
	if err := l.k.Load(confmap.Provider(defaults, Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	path := configPath
	if path == "" {
		path = discover()
	}
	if path != "" {
		if err := l.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
		l.source = path
	}

	if err := l.k.Load(env.ProviderWithValue(EnvPrefix, Delimiter, envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	// A section set to null in a file drops its defaults.
	for key, value := range defaults {
		if !l.k.Exists(key) {
			if err := l.k.Set(key, value); err != nil {
				return nil, fmt.Errorf("default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format %q", ext)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", path)
	}
	return l.k.Load(file.Provider(path), parser)
}

func discover() string {
	for _, path := range SearchPaths {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}

// envValue maps MNEMOS_RETRIEVAL__RRF_K to retrieval.rrf_k. Values with
// commas become lists, so MNEMOS_SERVER__CORS__ALLOWED_ORIGINS=a,b works.
func envValue(key, value string) (string, interface{}) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", Delimiter)
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}

// flatten turns a struct into dotted mapstructure keys. Durations become
// strings so the decode hook parses them back.
func flatten(v any) map[string]interface{} {
	out := make(map[string]interface{})
	walk(reflect.Indirect(reflect.ValueOf(v)), "", out)
	return out
}

var durationType = reflect.TypeOf(time.Duration(0))

func walk(val reflect.Value, prefix string, out map[string]interface{}) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if !field.IsExported() || tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + Delimiter + tag
		}

		fv := val.Field(i)
		switch {
		case fv.Type() == durationType:
			out[key] = time.Duration(fv.Int()).String()
		case fv.Kind() == reflect.Struct:
			walk(fv, key, out)
		case fv.Kind() == reflect.Map:
			if fv.Len() > 0 {
				out[key] = fv.Interface()
			}
		case fv.Kind() == reflect.Slice:
			items := make([]interface{}, fv.Len())
			for j := range items {
				items[j] = fv.Index(j).Interface()
			}
			out[key] = items
		default:
			out[key] = fv.Interface()
		}
	}
}

// Load is a convenience wrapper around NewLoader().Load.
func Load(configPath string, overrides map[string]interface{}) (*Config, error) {
	return NewLoader().Load(configPath, overrides)
}

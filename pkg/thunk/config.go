package thunk

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/iancoleman/strcase"
)

// ProjectFile is the name of the project configuration file.
const ProjectFile = "thunk.toml"

// EnvPrefix prefixes the environment variables that override project
// settings, e.g. THUNK_STORE_DIR.
const EnvPrefix = "THUNK_"

// ProjectConfig represents a thunk.toml project configuration file.
type ProjectConfig struct {
	// SearchPath entries, "prefix=path" or "path". Relative paths are
	// resolved against the directory containing thunk.toml.
	SearchPath []string `toml:"search-path,omitempty"`

	// Mode is one of normal, record, playback or record-and-playback.
	Mode string `toml:"mode,omitempty"`

	// Recording is the artifact read in playback modes and written in
	// record modes.
	Recording string `toml:"recording,omitempty"`

	StoreDir string `toml:"store-dir,omitempty"`

	Restricted bool `toml:"restricted,omitempty"`

	MaxCallDepth int `toml:"max-call-depth,omitempty"`
}

// LoadProjectConfig loads a thunk.toml file from the given path.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	var config ProjectConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	config.resolvePaths(filepath.Dir(path))
	return &config, nil
}

// FindProjectConfig searches for a thunk.toml file starting from dir and
// walking up to parent directories. Returns the path to thunk.toml and the
// parsed config, or ("", nil, nil) if not found.
func FindProjectConfig(dir string) (string, *ProjectConfig, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, err
	}
	for {
		path := filepath.Join(dir, ProjectFile)
		if _, err := os.Stat(path); err == nil {
			config, err := LoadProjectConfig(path)
			if err != nil {
				return "", nil, err
			}
			return path, config, nil
		}

		// Stop at .git boundary
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return "", nil, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil, nil
		}
		dir = parent
	}
}

func (c *ProjectConfig) resolvePaths(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	for i, entry := range c.SearchPath {
		if prefix, path, ok := strings.Cut(entry, "="); ok {
			c.SearchPath[i] = prefix + "=" + abs(path)
		} else {
			c.SearchPath[i] = abs(entry)
		}
	}
	c.Recording = abs(c.Recording)
	c.StoreDir = abs(c.StoreDir)
}

// EnvVar returns the environment variable that overrides the given
// ProjectConfig field, e.g. "StoreDir" -> "THUNK_STORE_DIR".
func EnvVar(field string) string {
	return EnvPrefix + strcase.ToScreamingSnake(field)
}

// ApplyEnv overrides fields from THUNK_* environment variables looked up
// through getenv. THUNK_PATH holds colon-separated search path entries that
// take precedence over the configured ones.
func (c *ProjectConfig) ApplyEnv(getenv func(string) string) error {
	rv := reflect.ValueOf(c).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		raw := getenv(EnvVar(field.Name))
		if raw == "" {
			continue
		}
		fv := rv.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", EnvVar(field.Name), err)
			}
			fv.SetBool(b)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", EnvVar(field.Name), err)
			}
			fv.SetInt(int64(n))
		case reflect.Slice:
			fv.Set(reflect.ValueOf(strings.Split(raw, ":")))
		}
	}

	if raw := getenv(EnvPrefix + "PATH"); raw != "" {
		var entries []string
		for _, entry := range strings.Split(raw, ":") {
			if entry != "" {
				entries = append(entries, entry)
			}
		}
		c.SearchPath = append(entries, c.SearchPath...)
	}
	return nil
}

// EvalMode parses the configured mode, defaulting to ModeNormal.
func (c *ProjectConfig) EvalMode() (Mode, error) {
	if c.Mode == "" {
		return ModeNormal, nil
	}
	return ParseMode(c.Mode)
}

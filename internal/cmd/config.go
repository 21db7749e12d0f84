package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/madvault/madserve/internal/config"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify madserve configuration",
	Long: `View or modify madserve configuration.

Without arguments, displays the effective configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration as YAML",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the config file.

Keys use dot notation and values are converted to the key's type, e.g.:
  madserve config set server.addr :9000
  madserve config set server.max_concurrent 4
  madserve config set logging.compress false
  madserve config set upload.allowed_types jpeg,png

Run 'madserve config show' to see every key.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/madserve/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

const configHeader = `# madserve configuration
#
# Every key can also be set through the environment as MADSERVE_<SECTION>_<KEY>,
# e.g. MADSERVE_SERVER_MAX_CONCURRENT=4. PORT and FRONTEND_URL are honoured too.
`

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "# config file: %s\n", used)
	} else {
		fmt.Fprintln(w, "# config file: (none - using defaults)")
	}
	return writeYAML(w, cfg)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path := viper.ConfigFileUsed()
	if path == "" {
		path = config.ConfigFile()
	}

	value, err := setConfigValue(afero.NewOsFs(), path, args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", args[0], value)
	fmt.Fprintf(cmd.OutOrStdout(), "Config saved to %s\n", path)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.ConfigFile()
	if err := writeDefaultConfig(afero.NewOsFs(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(w, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(w, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(w, "\nSearch paths:")
	fmt.Fprintf(w, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(w, "  2. $HOME/.config/madserve/config.yaml")
	fmt.Fprintln(w, "  3. ./config.yaml (current directory)")
	fmt.Fprintln(w, "\nEnvironment variables: MADSERVE_* (e.g., MADSERVE_WORKER_SCRIPT_PATH)")
	return nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

// writeDefaultConfig writes the default configuration to path. It refuses
// to overwrite an existing file.
func writeDefaultConfig(fs afero.Fs, path string) error {
	if _, err := fs.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'madserve config set' to modify values", path)
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader + "\n")
	if err := writeYAML(&buf, config.Default()); err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// defaultTree returns the defaults in the nested map form the config file
// uses.
func defaultTree() (map[string]any, error) {
	var buf bytes.Buffer
	if err := writeYAML(&buf, config.Default()); err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &tree); err != nil {
		return nil, fmt.Errorf("failed to decode defaults: %w", err)
	}
	return tree, nil
}

// configKeys returns every settable key with its default value, keyed by
// dotted path.
func configKeys() (map[string]any, error) {
	tree, err := defaultTree()
	if err != nil {
		return nil, err
	}
	keys := make(map[string]any)
	flatten("", tree, keys)
	return keys, nil
}

func flatten(prefix string, tree map[string]any, out map[string]any) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}

// coerceValue converts raw to the type of the key's default value.
// Lists are comma separated.
func coerceValue(def any, raw string) (any, error) {
	switch def.(type) {
	case bool:
		return cast.ToBoolE(raw)
	case int:
		n, err := cast.ToIntE(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.New("must be non-negative")
		}
		return n, nil
	case []any:
		if strings.TrimSpace(raw) == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return cast.ToStringSliceE(parts)
	default:
		return raw, nil
	}
}

// setConfigValue sets key in the YAML file at path, creating the file when
// missing, and returns the typed value written. Other keys in the file are
// preserved. The resulting configuration must validate.
func setConfigValue(fs afero.Fs, path, key, raw string) (any, error) {
	keys, err := configKeys()
	if err != nil {
		return nil, err
	}
	def, ok := keys[key]
	if !ok {
		valid := make([]string, 0, len(keys))
		for k := range keys {
			valid = append(valid, k)
		}
		slices.Sort(valid)
		return nil, fmt.Errorf("unknown configuration key: %s\nValid keys:\n  %s", key, strings.Join(valid, "\n  "))
	}

	value, err := coerceValue(def, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid value for %s: %w", key, err)
	}

	tree := map[string]any{}
	data, err := afero.ReadFile(fs, path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if tree == nil {
			tree = map[string]any{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	setNested(tree, strings.Split(key, "."), value)

	if err := validateTree(tree); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeYAML(&buf, tree); err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write config file: %w", err)
	}
	return value, nil
}

func setNested(tree map[string]any, path []string, value any) {
	for _, p := range path[:len(path)-1] {
		sub, ok := tree[p].(map[string]any)
		if !ok {
			sub = map[string]any{}
			tree[p] = sub
		}
		tree = sub
	}
	tree[path[len(path)-1]] = value
}

// validateTree checks the file contents layered over the defaults.
func validateTree(tree map[string]any) error {
	var buf bytes.Buffer
	if err := writeYAML(&buf, tree); err != nil {
		return err
	}

	defaults, err := defaultTree()
	if err != nil {
		return err
	}
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.MergeConfigMap(defaults); err != nil {
		return err
	}
	if err := v.MergeConfig(&buf); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", config.ValidationErrors(errs))
	}
	return nil
}

package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "reviewd"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage reviewd configuration.

Running bare 'reviewd config' is the same as 'reviewd config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# reviewd configuration
# See: reviewd config show (for effective values and sources)

# State/data directory (default: ~/.config/reviewd)
# state_dir: {{ .StateDir }}

# SQLite database path, ignored when db_url is set
# db_path: {{ .DBPath }}

# PostgreSQL connection string (postgres://...)
# db_url: ""

# Per-repository review configuration
repos_file: {{ .ReposFile }}

log:
  level: {{ .LogLevel }}
  format: {{ .LogFormat }}

server:
  addr: "{{ .ServerAddr }}"

dispatch:
  # Concurrent analyzer calls across all runs
  workers: {{ .Workers }}
  analyzer_timeout: {{ .AnalyzerTimeout }}
  run_timeout: {{ .RunTimeout }}

github:
  # Personal access token, or configure app_id/installation_id/app_key_path
  token: ""
  webhook_secret: ""

poll:
  enabled: {{ .PollEnabled }}
  interval: {{ .PollInterval }}

# Analyzer adapters referenced by repository category plans
# analyzers:
#   providers:
#     claude:
#       type: anthropic
#       model: claude-sonnet-4-5
#       pricing: {input_per_mtok: 3, output_per_mtok: 15}
#     gpt:
#       type: openai
#       model: gpt-4o
#       api_key_env: OPENAI_API_KEY
#   tools:
#     semgrep:
#       command: semgrep
#       args: ["--sarif", "--config", "auto", "."]
#       format: sarif
#       ok_exit_codes: [0, 1]
`

type configTemplateData struct {
	StateDir        string
	DBPath          string
	ReposFile       string
	LogLevel        string
	LogFormat       string
	ServerAddr      string
	Workers         int
	AnalyzerTimeout string
	RunTimeout      string
	PollEnabled     bool
	PollInterval    string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		StateDir:        viper.GetString("state_dir"),
		DBPath:          viper.GetString("db_path"),
		ReposFile:       viper.GetString("repos_file"),
		LogLevel:        viper.GetString("log.level"),
		LogFormat:       viper.GetString("log.format"),
		ServerAddr:      viper.GetString("server.addr"),
		Workers:         viper.GetInt("dispatch.workers"),
		AnalyzerTimeout: viper.GetString("dispatch.analyzer_timeout"),
		RunTimeout:      viper.GetString("dispatch.run_timeout"),
		PollEnabled:     viper.GetBool("poll.enabled"),
		PollInterval:    viper.GetString("poll.interval"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would create config file: %s", cfgPath)
		fmt.Fprintln(ui.Out)
		fmt.Fprint(ui.Out, buf.String())
		return nil
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeys are the keys listed by 'config show', in display order.
var configKeys = []string{
	"state_dir",
	"db_path",
	"db_url",
	"repos_file",
	"log.level",
	"log.format",
	"server.addr",
	"dispatch.workers",
	"dispatch.analyzer_timeout",
	"dispatch.run_timeout",
	"dispatch.tool_retries",
	"dispatch.max_diff_bytes",
	"intake.dedup_window",
	"notify.enabled",
	"notify.attempts",
	"poll.enabled",
	"poll.interval",
	"poll.rps",
	"github.token",
	"github.base_url",
	"github.app_id",
	"github.installation_id",
	"github.app_key_path",
	"github.webhook_secret",
	"gitlab.webhook_token",
	"anthropic.api_key",
	"anthropic.model",
	"openai.api_key",
	"openai.base_url",
}

// envVarFor returns the environment variable viper binds to key.
func envVarFor(key string) string {
	return "REVIEWD_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// secretKey reports whether the value of key is masked in output.
func secretKey(key string) bool {
	for _, s := range []string{"token", "secret", "api_key", "db_url"} {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, key := range configKeys {
		val := viper.Get(key)
		if secretKey(key) && viper.GetString(key) != "" {
			val = "****"
		}
		source := detectSource(key, envVarFor(key), fileValues)
		fmt.Fprintf(ui.Out, "  %-26s %v  %s\n", key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set, set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'reviewd config init' first)", cfgPath)
	}

	if dryRun {
		ui.DryRunMsg("Would open %s in %s", cfgPath, editor)
		return nil
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}

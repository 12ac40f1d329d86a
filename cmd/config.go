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
	return filepath.Join(home, ".config", "pitchdesk"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage pitchdesk configuration.

Running bare 'pitchdesk config' is the same as 'pitchdesk config show'.`,
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
const configTemplate = `# pitchdesk configuration
# See: pitchdesk config show (for effective values and sources)

# State/data directory (default: ~/.config/pitchdesk)
# state_dir: {{ .StateDir }}

# SQLite database path (default: ~/.config/pitchdesk/pitchdesk.db)
# db_path: {{ .DBPath }}

# API server port and the public base URL written into card action links
port: {{ .Port }}
public_url: "{{ .PublicURL }}"

log:
  # debug, info, warn or error
  level: "{{ .LogLevel }}"
  # text or json
  format: "{{ .LogFormat }}"

# Anthropic API, used to judge drafts and draft pitches
anthropic:
  # api_key: "" (or set ANTHROPIC_API_KEY)
  model: "{{ .AnthropicModel }}"

review:
  # Drafts judged before a case is escalated to a human
  max_attempts: {{ .ReviewMaxAttempts }}

# Kanban board; "memory" runs an in-process board for trials
board:
  url: "{{ .BoardURL }}"
  # token: ""
  # oauth:
  #   client_id: ""
  #   client_secret: ""
  #   token_url: ""
  max_body: {{ .BoardMaxBody }}
  lanes:
    to_generate: "{{ .Lanes.ToGenerate }}"
    in_progress: "{{ .Lanes.InProgress }}"
    approved: "{{ .Lanes.Approved }}"
    needs_attention: "{{ .Lanes.NeedsAttention }}"

# Article generation services
generation:
  timeout: "{{ .GenerationTimeout }}"
  # profiles_file: ""
  # profiles:
  #   - name: news
  #     url: https://generator.example.com/news

# Ingest sources
sources:
  news:
    url: "{{ .NewsURL }}"
    # api_key: ""
    # tickers: [ACME]
  rss:
    # feeds:
    #   - https://example.com/feed.xml

# Background task queue
queue:
  max_attempts: {{ .QueueMaxAttempts }}
  poll_interval: "{{ .QueuePollInterval }}"
  retry_backoff: "{{ .QueueRetryBackoff }}"
  workers: {{ .QueueWorkers }}
`

type configLanes struct {
	ToGenerate     string
	InProgress     string
	Approved       string
	NeedsAttention string
}

type configTemplateData struct {
	StateDir          string
	DBPath            string
	Port              int
	PublicURL         string
	LogLevel          string
	LogFormat         string
	AnthropicModel    string
	ReviewMaxAttempts int
	BoardURL          string
	BoardMaxBody      int
	Lanes             configLanes
	GenerationTimeout string
	NewsURL           string
	QueueMaxAttempts  int
	QueuePollInterval string
	QueueRetryBackoff string
	QueueWorkers      int
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
		StateDir:          viper.GetString("state_dir"),
		DBPath:            viper.GetString("db_path"),
		Port:              viper.GetInt("port"),
		PublicURL:         viper.GetString("public_url"),
		LogLevel:          viper.GetString("log.level"),
		LogFormat:         viper.GetString("log.format"),
		AnthropicModel:    viper.GetString("anthropic.model"),
		ReviewMaxAttempts: viper.GetInt("review.max_attempts"),
		BoardURL:          viper.GetString("board.url"),
		BoardMaxBody:      viper.GetInt("board.max_body"),
		Lanes: configLanes{
			ToGenerate:     viper.GetString("board.lanes.to_generate"),
			InProgress:     viper.GetString("board.lanes.in_progress"),
			Approved:       viper.GetString("board.lanes.approved"),
			NeedsAttention: viper.GetString("board.lanes.needs_attention"),
		},
		GenerationTimeout: viper.GetString("generation.timeout"),
		NewsURL:           viper.GetString("sources.news.url"),
		QueueMaxAttempts:  viper.GetInt("queue.max_attempts"),
		QueuePollInterval: viper.GetString("queue.poll_interval"),
		QueueRetryBackoff: viper.GetString("queue.retry_backoff"),
		QueueWorkers:      viper.GetInt("queue.workers"),
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

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "state_dir", EnvVar: "PITCHDESK_STATE_DIR"},
	{Key: "db_path", EnvVar: "PITCHDESK_DB_PATH"},
	{Key: "port", EnvVar: "PITCHDESK_PORT"},
	{Key: "public_url", EnvVar: "PITCHDESK_PUBLIC_URL"},
	{Key: "log.level", EnvVar: "PITCHDESK_LOG_LEVEL"},
	{Key: "log.format", EnvVar: "PITCHDESK_LOG_FORMAT"},
	{Key: "anthropic.api_key", EnvVar: "PITCHDESK_ANTHROPIC_API_KEY"},
	{Key: "anthropic.model", EnvVar: "PITCHDESK_ANTHROPIC_MODEL"},
	{Key: "review.max_attempts", EnvVar: "PITCHDESK_REVIEW_MAX_ATTEMPTS"},
	{Key: "board.url", EnvVar: "PITCHDESK_BOARD_URL"},
	{Key: "board.token", EnvVar: "PITCHDESK_BOARD_TOKEN"},
	{Key: "board.oauth.client_id", EnvVar: "PITCHDESK_BOARD_OAUTH_CLIENT_ID"},
	{Key: "board.oauth.client_secret", EnvVar: "PITCHDESK_BOARD_OAUTH_CLIENT_SECRET"},
	{Key: "board.oauth.token_url", EnvVar: "PITCHDESK_BOARD_OAUTH_TOKEN_URL"},
	{Key: "board.max_body", EnvVar: "PITCHDESK_BOARD_MAX_BODY"},
	{Key: "board.lanes.to_generate", EnvVar: "PITCHDESK_BOARD_LANES_TO_GENERATE"},
	{Key: "board.lanes.in_progress", EnvVar: "PITCHDESK_BOARD_LANES_IN_PROGRESS"},
	{Key: "board.lanes.approved", EnvVar: "PITCHDESK_BOARD_LANES_APPROVED"},
	{Key: "board.lanes.needs_attention", EnvVar: "PITCHDESK_BOARD_LANES_NEEDS_ATTENTION"},
	{Key: "generation.timeout", EnvVar: "PITCHDESK_GENERATION_TIMEOUT"},
	{Key: "generation.profiles_file", EnvVar: "PITCHDESK_GENERATION_PROFILES_FILE"},
	{Key: "sources.news.url", EnvVar: "PITCHDESK_SOURCES_NEWS_URL"},
	{Key: "sources.news.api_key", EnvVar: "PITCHDESK_SOURCES_NEWS_API_KEY"},
	{Key: "sources.news.tickers", EnvVar: "PITCHDESK_SOURCES_NEWS_TICKERS"},
	{Key: "sources.rss.feeds", EnvVar: "PITCHDESK_SOURCES_RSS_FEEDS"},
	{Key: "queue.max_attempts", EnvVar: "PITCHDESK_QUEUE_MAX_ATTEMPTS"},
	{Key: "queue.poll_interval", EnvVar: "PITCHDESK_QUEUE_POLL_INTERVAL"},
	{Key: "queue.retry_backoff", EnvVar: "PITCHDESK_QUEUE_RETRY_BACKOFF"},
	{Key: "queue.workers", EnvVar: "PITCHDESK_QUEUE_WORKERS"},
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

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if isSecretKey(k.Key) && viper.GetString(k.Key) != "" {
			val = "********"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-32s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// isSecretKey reports whether a key's value is masked by config show.
func isSecretKey(key string) bool {
	return strings.HasSuffix(key, "api_key") || strings.HasSuffix(key, "token") || strings.HasSuffix(key, "secret")
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
		return fmt.Errorf("$EDITOR is not set: set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'pitchdesk config init' first)", cfgPath)
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

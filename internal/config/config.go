package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Vocab    VocabConfig    `mapstructure:"vocab"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	FastPath FastPathConfig `mapstructure:"fast_path"`
	Server   ServerConfig   `mapstructure:"server"`
	LogLevel string         `mapstructure:"log_level"`
}

type VocabConfig struct {
	Encodings    []string `mapstructure:"encodings"`
	Llama3Path   string   `mapstructure:"llama3_path"`
	Llama3Anchor string   `mapstructure:"llama3_anchor"`
}

type DispatchConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type FastPathConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Encoding string `mapstructure:"encoding"`
}

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxTextBytes    int           `mapstructure:"max_text_bytes"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Vocab: VocabConfig{
			Encodings:    []string{"cl100k", "o200k"},
			Llama3Path:   "",
			Llama3Anchor: "tokenizers/Meta-Llama-3-70B-Instruct/tokenizer.model",
		},
		Dispatch: DispatchConfig{
			Workers:   1,
			QueueSize: 100,
		},
		FastPath: FastPathConfig{
			Enabled:  true,
			Encoding: "cl100k",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 30 * time.Second,
			MaxTextBytes:    1 << 20,
			RequestTimeout:  10 * time.Second,
		},
		LogLevel: "info",
	}
}

// flagKeys maps each command-line flag to the config key it sets.
var flagKeys = []struct {
	flag string
	key  string
}{
	{"encodings", "vocab.encodings"},
	{"llama3-path", "vocab.llama3_path"},
	{"llama3-anchor", "vocab.llama3_anchor"},
	{"workers", "dispatch.workers"},
	{"queue-size", "dispatch.queue_size"},
	{"fast-path", "fast_path.enabled"},
	{"fast-path-encoding", "fast_path.encoding"},
	{"server-listen-addr", "server.listen_addr"},
	{"shutdown-timeout", "server.shutdown_timeout"},
	{"max-text-bytes", "server.max_text_bytes"},
	{"request-timeout", "server.request_timeout"},
	{"log-level", "log_level"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.StringSlice("encodings", defaults.Vocab.Encodings, "Encodings to build at startup (cl100k|o200k|llama3)")
	fs.String("llama3-path", defaults.Vocab.Llama3Path, "Path to the llama3 merge-rank file")
	fs.String("llama3-anchor", defaults.Vocab.Llama3Anchor, "Relative path searched for in ancestor directories when --llama3-path is empty")
	fs.Int("workers", defaults.Dispatch.Workers, "Number of tokenizer worker goroutines")
	fs.Int("queue-size", defaults.Dispatch.QueueSize, "Requests that may wait for a worker before submissions are rejected")
	fs.Bool("fast-path", defaults.FastPath.Enabled, "Serve fast estimates from per-caller encoder instances")
	fs.String("fast-path-encoding", defaults.FastPath.Encoding, "Encoding served by the fast path")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Duration("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout")
	fs.Int("max-text-bytes", defaults.Server.MaxTextBytes, "Maximum request text size in bytes")
	fs.Duration("request-timeout", defaults.Server.RequestTimeout, "Per-request wait deadline")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("TOKEND")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("vocab.llama3_path", "TOKEND_LLAMA3_PATH", "LLAMA3_RANKS_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind llama3 env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("tokend")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("vocab.encodings", c.Vocab.Encodings)
	v.SetDefault("vocab.llama3_path", c.Vocab.Llama3Path)
	v.SetDefault("vocab.llama3_anchor", c.Vocab.Llama3Anchor)
	v.SetDefault("dispatch.workers", c.Dispatch.Workers)
	v.SetDefault("dispatch.queue_size", c.Dispatch.QueueSize)
	v.SetDefault("fast_path.enabled", c.FastPath.Enabled)
	v.SetDefault("fast_path.encoding", c.FastPath.Encoding)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_text_bytes", c.Server.MaxTextBytes)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("log_level", c.LogLevel)
}

// bindFlags attaches each registered flag to its nested key. Flags that are
// not registered on fs are skipped, so subcommands may register a subset.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("bind flag --%s: %w", fk.flag, err)
		}
	}
	return nil
}

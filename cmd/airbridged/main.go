package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/daemon"
)

// flags are the command line overrides shared by every subcommand.
type flags struct {
	configPath string
	configSet  bool
	logLevel   string
	logFormat  string
	logOutput  string
	logSource  bool
	logUTC     bool
	iface      string
	advertise  string
	basePort   int
	namePrefix string
	noMDNS     bool
	broker     string
	topicBase  string
	jsonOut    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "airbridged",
		Short:         "Expose UPnP media renderers as AirPlay receivers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), f)
		},
	}

	defaultConfig, err := daemon.DefaultConfigPath()
	if err != nil {
		defaultConfig = "airbridged.toml"
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", defaultConfig, "config file path")
	pf.StringVar(&f.logLevel, "log-level", "", "log level override (debug|info|warn|error)")
	pf.StringVar(&f.logFormat, "log-format", "", "log format override (text|json)")
	pf.StringVar(&f.logOutput, "log-output", "", "log output override (stdout|stderr)")
	pf.BoolVar(&f.logSource, "log-source", false, "include source file in logs")
	pf.BoolVar(&f.logUTC, "log-utc", false, "use UTC timestamps in logs")
	pf.StringVar(&f.iface, "interface", "", "network interface for SSDP")
	pf.StringVar(&f.advertise, "advertise-host", "", "address renderers use to reach the bridge")
	pf.IntVar(&f.basePort, "base-port", 0, "first AirPlay port")
	pf.StringVar(&f.namePrefix, "name-prefix", "", "prefix for advertised AirPlay names")
	pf.BoolVar(&f.noMDNS, "no-mdns", false, "do not publish receivers over Bonjour")
	pf.StringVarP(&f.broker, "broker", "b", "", "MQTT broker URL (enables presence)")
	pf.StringVar(&f.topicBase, "topic-base", "", "MQTT topic base")
	pf.BoolVarP(&f.jsonOut, "json", "j", false, "output json")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		f.configSet = cmd.Flags().Changed("config")
	}

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the bridge (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), f)
		},
	})
	root.AddCommand(discoverCommand(f))
	root.AddCommand(renderersCommand(f))
	root.AddCommand(configCommand(f))
	return root
}

func loadConfig(f *flags) (daemon.Config, error) {
	cfg, err := daemon.LoadConfig(f.configPath, f.configSet)
	if err != nil {
		return daemon.Config{}, err
	}
	applyOverrides(&cfg, f)
	if err := cfg.Validate(); err != nil {
		return daemon.Config{}, err
	}
	return cfg, nil
}

func applyOverrides(cfg *daemon.Config, f *flags) {
	if f.logLevel != "" {
		cfg.Server.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Server.LogFormat = f.logFormat
	}
	if f.logOutput != "" {
		cfg.Server.LogOutput = f.logOutput
	}
	if f.logSource {
		cfg.Server.LogSource = true
	}
	if f.logUTC {
		cfg.Server.LogUTC = true
	}
	if f.iface != "" {
		cfg.Server.Interface = f.iface
	}
	if f.advertise != "" {
		cfg.Server.AdvertiseHost = f.advertise
	}
	if f.basePort != 0 {
		cfg.AirPlay.BasePort = f.basePort
	}
	if f.namePrefix != "" {
		cfg.AirPlay.NamePrefix = f.namePrefix
	}
	if f.noMDNS {
		cfg.AirPlay.PublishMDNS = false
	}
	if f.broker != "" {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = f.broker
	}
	if f.topicBase != "" {
		cfg.MQTT.TopicBase = f.topicBase
	}
}

func newLogger(cfg daemon.Config) *zap.Logger {
	return daemon.NewLogger(daemon.LogConfig{
		Level:     cfg.Server.LogLevel,
		Format:    cfg.Server.LogFormat,
		Output:    cfg.Server.LogOutput,
		AddSource: cfg.Server.LogSource,
		UTC:       cfg.Server.LogUTC,
	})
}

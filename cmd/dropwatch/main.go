package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openmc/dropwatch/internal/log"
	"github.com/openmc/dropwatch/internal/model"
)

var (
	userConfigPath string // /default/config/path/dropwatch on given OS
	configPath     string // actual config file used
	config         model.Config
	configViper    *viper.Viper

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "dropwatch")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is dropwatch.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.PersistentPreRunE = initDropwatch

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("dropwatch failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "dropwatch",
	Short:        "Watches usernames about to drop and claims them",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a dropwatch",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dropwatch: %s\n", version())
		if configPath != "" {
			fmt.Printf("config:    %s\n", configPath)
		}
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Printf("go:        %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:    %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:      %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:     %s\n", s.Value)
			}
		}
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}

func initDropwatch(cmd *cobra.Command, _ []string) error {
	configPath = resolveConfigPath()

	if configPath == "" {
		configPath = filepath.Join(userConfigPath, "dropwatch.yaml")
		if err := writeDefaultConfig(configPath); err != nil {
			return err
		}
	}

	v := model.NewViper()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config %s: %w", configPath, err)
	}
	cfg, err := model.DecodeConfig(v)
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	config = cfg
	configViper = v

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}
	slog.SetDefault(log.New(log.Options{Verbose: config.Verbose}))

	slog.Debug("dropwatch", "configPath", configPath)
	slog.Debug("dropwatch", "config", config)
	return nil
}

func resolveConfigPath() string {
	if envConfig, ok := os.LookupEnv("DROPWATCHCONFIG"); ok {
		return envConfig
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	for _, d := range []string{".", userConfigPath} {
		path := filepath.Join(d, "dropwatch.yaml")
		if exists(path) {
			return path
		}
	}
	return ""
}

func writeDefaultConfig(path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(model.DefaultConfig()); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

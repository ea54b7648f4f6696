package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/tracing"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile      string
	outputFormat string
	logLevel     string
	jsonLogs     bool

	tracer *tracing.Provider
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mgcluster",
	Short: "Ephemeral multi-GPU test clusters",
	Long: `mgcluster provisions local multi-device compute clusters for distributed
graph tests, brings up their communicator and driver memory pool, and tears
them down in order. It also prints the CUDA-suffixed build requirements
injected into the packaging hooks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		tracer, err = tracing.Init(cmd.Context(), tracing.Config{
			ServiceName:    "mgcluster",
			ServiceVersion: Version,
			OTLPEndpoint:   viper.GetString("tracing.endpoint"),
			Enabled:        viper.GetBool("tracing.enabled"),
		})
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return tracer.Shutdown(context.WithoutCancel(cmd.Context()))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mgcluster/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")
	rootCmd.PersistentFlags().Bool("tracing", false, "export OpenTelemetry spans over OTLP/HTTP")
	rootCmd.PersistentFlags().String("tracing-endpoint", "localhost:4318", "OTLP/HTTP endpoint")

	viper.BindPFlag("tracing.enabled", rootCmd.PersistentFlags().Lookup("tracing"))
	viper.BindPFlag("tracing.endpoint", rootCmd.PersistentFlags().Lookup("tracing-endpoint"))
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".mgcluster"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MGCLUSTER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

func newLogger() *logging.Logger {
	return logging.NewWriterLogger(os.Stderr, logging.ParseLevel(logLevel), jsonLogs)
}

// printStructured writes v as JSON or YAML. It reports false for table output.
func printStructured(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	case "table", "":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q", format)
}

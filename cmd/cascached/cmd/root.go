// Package cmd implements the cascached command line interface.
package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cascached",
	Short: "cascached serves content-addressable caches",
	Long: `cascached hosts named content-addressable caches behind an HTTP API.

Content is stored once per digest, deduplicated on ingest, pinned by
live sessions and evicted least-recently-used when a cache outgrows its
disk quota.
`,
}

var flags = struct {
	cfgFile  string
	listen   string
	logLevel string
}{}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(0)
	cobra.OnInitialize(initConfig)
	addPersistentFlags(rootCmd.PersistentFlags())
}

func addPersistentFlags(fs *pflag.FlagSet) {
	fs.StringVar(&flags.cfgFile, "config", "", "config file (default is cascached.yaml in ., $HOME/.cascached or /etc/cascached)")
	fs.StringVar(&flags.logLevel, "log-level", "", "log level override (info, debug or none)")
}

// initConfig locates the config file. Reading and validating it is
// deferred to the commands that need one.
func initConfig() {
	switch {
	case flags.cfgFile != "":
		viper.SetConfigFile(flags.cfgFile)
	case os.Getenv("CASCACHED_CONFIG") != "":
		viper.SetConfigFile(os.Getenv("CASCACHED_CONFIG"))
	default:
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.cascached")
		viper.AddConfigPath("/etc/cascached")
		viper.SetConfigName("cascached")
	}

	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		log.Println("Using config file:", viper.ConfigFileUsed())
	}
}

// configPath yields the resolved configuration file path
func configPath() (string, error) {
	if path := viper.ConfigFileUsed(); path != "" {
		return path, nil
	}
	return "", fmt.Errorf("no configuration file found (searched ., $HOME/.cascached and /etc/cascached)")
}

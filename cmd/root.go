package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/assetscope/assetscope/internal/utils"
	"github.com/spf13/cobra"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "assetscope",
	Short: "Browse and search your corporation's assets from the command line.",
	Long: `assetscope pulls every asset your corporation owns from ESI, arranges them by
station, structure and container, names everything, and keeps the result
cached so searching and browsing stay fast.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.SetLogFile(viper.GetString("log.file"), viper.GetInt("log.max_size_mb"), viper.GetInt("log.max_backups"))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.assetscope.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().String("logfile", "", "Also write logs to this file, rotated by size")
	rootCmd.PersistentFlags().String("dbpath", "", "Cache database path (default is ~/.config/assetscope/cache.sqlite)")

	viper.BindPFlag("esi.proxy", rootCmd.PersistentFlags().Lookup("proxy"))
	viper.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("logfile"))
	viper.BindPFlag("cache.path", rootCmd.PersistentFlags().Lookup("dbpath"))
}

func setDefaults(home string) {
	viper.SetDefault("esi.base_url", "https://esi.evetech.net/latest")
	viper.SetDefault("esi.user_agent", "")
	viper.SetDefault("esi.token", "")
	viper.SetDefault("esi.rate_limit", 20.0)
	viper.SetDefault("esi.max_retries", 2)
	viper.SetDefault("org.id", 0)
	viper.SetDefault("org.character_id", 0)
	viper.SetDefault("cache.path", "")
	viper.SetDefault("cache.ttl", "1h")
	viper.SetDefault("cache.min_rebuild_interval", "5m")
	viper.SetDefault("sde.path", filepath.Join(home, ".config", "assetscope", "sde.sqlite"))
	viper.SetDefault("pipeline.fetch_concurrency", 5)
	viper.SetDefault("pipeline.resolve_concurrency", 8)
	viper.SetDefault("pipeline.max_attempts", 3)
	viper.SetDefault("pipeline.name_ttl", "30m")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	home, err := homedir.Dir()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	setDefaults(home)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(home)
		viper.SetConfigName(".assetscope")
		viper.SetConfigType("yaml")
	}

	bindEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			configPath := filepath.Join(home, ".assetscope.yaml")
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	utils.SetLogLevel(levelString)
}

// bindEnv lets ASSETSCOPE_* variables override any key, e.g.
// ASSETSCOPE_ESI_TOKEN for esi.token.
func bindEnv() {
	viper.SetEnvPrefix("assetscope")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mdmd.sh/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mdmd",
	Short: "mdmd - control plane for managed Android device fleets",
	Long: `mdmd ingests device telemetry, dispatches signed commands over the
push provider, stores and rolls out APK artifacts, and raises alerts when
devices misbehave.`,
	Version: version.GetVersion(),
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (yaml; keys mirror the MDMD_* environment)")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
}

// initConfig overlays a config file onto the environment. Explicit
// environment variables always win; the file only fills gaps, so one
// settings loader serves both sources.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("mdmd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/mdmd")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "config file %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
		return
	}

	for _, key := range viper.AllKeys() {
		env := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
		if _, set := os.LookupEnv(env); set {
			continue
		}
		if _, set := os.LookupEnv("MDMD_" + env); set {
			continue
		}
		os.Setenv("MDMD_"+env, viper.GetString(key))
	}
}

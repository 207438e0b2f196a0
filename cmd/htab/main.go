package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/andreyvit/htab"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.1.0"
)

var (
	engine *htab.KVEngine
	reg    *htab.Registry
	logger *slog.Logger

	rootCmd = &cobra.Command{
		Use:   "htab",
		Short: "inspect and edit htab tables",
		Long: fmt.Sprintf(`htab (v%s)

Command-line access to handle-based tables stored in Bolt files.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of htab",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("htab v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("file", "htab.db", "Bolt file holding the table (empty for in-memory)")
	rootCmd.PersistentFlags().String("db", "", "table name within the file")
	rootCmd.PersistentFlags().Bool("dup", false, "open the table in duplicate-key mode")
	rootCmd.PersistentFlags().Bool("verbose", false, "log every operation")
	rootCmd.PersistentFlags().Int("item-size", 0, "list-hash item size (0 for variable size)")

	rootCmd.AddCommand(versionCmd)
	addTableCommands(rootCmd)
	addListCommands(rootCmd)
}

// initConfig loads .env files and binds HTAB_* environment variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("htab")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	engine = htab.NewKVEngine(htab.EngineOptions{
		Logger:  logger,
		Verbose: viper.GetBool("verbose"),
	})
	reg = htab.New(engine, htab.Options{
		Logger:  logger,
		Verbose: viper.GetBool("verbose"),
		OnFatal: htab.ExitOnFatal,
	})
	return nil
}

func teardown(_ *cobra.Command, _ []string) error {
	if engine == nil {
		return nil
	}
	return engine.Close()
}

func locator() htab.Locator {
	return htab.Locator{
		File:     viper.GetString("file"),
		Database: viper.GetString("db"),
	}
}

func openTable() (htab.Handle, error) {
	var flags htab.TableFlags
	if viper.GetBool("dup") {
		flags |= htab.Dup
	}
	return reg.Create(locator(), 0644, flags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

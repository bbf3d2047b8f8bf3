package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/marginalia/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errDesynchronized) {
			fmt.Fprintln(os.Stderr, "marginalia:", err)
		}
		os.Exit(1)
	}
}

type cli struct {
	viper   *viper.Viper
	cfgFile string
}

func newRootCommand() *cobra.Command {
	app := &cli{viper: config.NewViper()}

	rootCmd := &cobra.Command{
		Use:           "marginalia",
		Short:         "Inline annotation engine for plain-text documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.initConfig()
		},
	}

	app.setupFlags(rootCmd)
	rootCmd.AddCommand(app.newServeCommand(), app.newCheckCommand(), app.newProfilesCommand())
	return rootCmd
}

func (app *cli) setupFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&app.cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("workspace", defaults.GetString("workspace.root"), "Workspace root that document paths are relative to")
	flags.String("store-backend", defaults.GetString("store.backend"), "State backend (file, sqlite)")
	flags.String("store-path", defaults.GetString("store.path"), "JSON state file")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("collection", defaults.GetString("store.collection"), "Collection key inside the SQLite database")
	flags.String("profile", defaults.GetString("profile.active"), "Active commenter profile id")
	flags.Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Profile token TTL in minutes")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")

	app.bindFlag(cmd, "http.address", "http-address")
	app.bindFlag(cmd, "workspace.root", "workspace")
	app.bindFlag(cmd, "store.backend", "store-backend")
	app.bindFlag(cmd, "store.path", "store-path")
	app.bindFlag(cmd, "database.path", "database-path")
	app.bindFlag(cmd, "store.collection", "collection")
	app.bindFlag(cmd, "profile.active", "profile")
	app.bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	app.bindFlag(cmd, "log.level", "log-level")
	app.bindFlag(cmd, "log.format", "log-format")
	app.bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func (app *cli) bindFlag(cmd *cobra.Command, key, flag string) {
	if err := app.viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func (app *cli) initConfig() error {
	if app.cfgFile == "" {
		return nil
	}
	app.viper.SetConfigFile(app.cfgFile)
	if err := app.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %q: %w", app.cfgFile, err)
	}
	return nil
}

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/deemkeen/boardfed/util"
	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	conf    *util.AppConfig
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           util.Name,
	Short:         "ActivityPub federation engine for a message board",
	Long:          `boardfed signs, verifies, receives and delivers ActivityPub activities for a message board.`,
	Version:       util.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := util.ReadConf(cfgFile)
		if err != nil {
			return err
		}
		conf = c
		return setupLogging(conf.Conf.LogLevel)
	},
}

// Execute adds all child commands to the root command and runs it. This is
// called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, then ~/.config/boardfed/config.yaml)")

	rootCmd.AddCommand(serveCmd, userCmd, domainCmd, resolveCmd, followCmd, purgeCmd, jobsCmd)
}

// setupLogging writes human readable logs to a terminal and JSON otherwise.
func setupLogging(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)

	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if lvl > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	return nil
}

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind         string
	gracePeriod  time.Duration
	maxQuestions int
	port         int
	prefix       string
	profile      bool
	questionFile string
	questionTime time.Duration
	roomTimeout  time.Duration
	tickInterval time.Duration
	tlsCert      string
	tlsKey       string
	verbose      bool
	version      bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.maxQuestions < 1 {
		return fmt.Errorf("invalid max question count (must be at least 1): %d", c.maxQuestions)
	}
	if c.questionTime < time.Second {
		return fmt.Errorf("invalid question time (must be at least 1s): %s", c.questionTime)
	}
	if c.tickInterval < 50*time.Millisecond {
		return fmt.Errorf("invalid tick interval (must be at least 50ms): %s", c.tickInterval)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("QUIZBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "quizbox",
		Short:         "A multiplayer trivia game with timed questions, jokers, and live scoring.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: QUIZBOX_BIND)")
	fs.DurationVar(&cfg.gracePeriod, "grace-period", 2*time.Minute, "time before disconnected players are dropped from their room (env: QUIZBOX_GRACE_PERIOD)")
	fs.IntVar(&cfg.maxQuestions, "max-questions", 30, "maximum number of questions per game (env: QUIZBOX_MAX_QUESTIONS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: QUIZBOX_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: QUIZBOX_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: QUIZBOX_PROFILE)")
	fs.StringVarP(&cfg.questionFile, "questions", "q", "", "semicolon-delimited question file, empty for the built-in bank (env: QUIZBOX_QUESTIONS)")
	fs.DurationVar(&cfg.questionTime, "question-time", 2*time.Minute, "time allowed to answer each question (env: QUIZBOX_QUESTION_TIME)")
	fs.DurationVar(&cfg.roomTimeout, "room-timeout", time.Hour, "time before idle rooms are closed, 0 to disable (env: QUIZBOX_ROOM_TIMEOUT)")
	fs.DurationVar(&cfg.tickInterval, "tick-interval", 350*time.Millisecond, "interval between question timer checks (env: QUIZBOX_TICK_INTERVAL)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: QUIZBOX_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: QUIZBOX_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: QUIZBOX_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: QUIZBOX_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("quizbox v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// Package cli is the terminal front end. It only renders session snapshots
// and invokes the four session actions.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lachlan2k/busline/internal/app"
	"github.com/lachlan2k/busline/internal/autherr"
	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/session"
)

// errShown marks a failure that has already been rendered as a notice.
var errShown = errors.New("")

type rootOptions struct {
	configPath string
	logLevel   string
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "busline",
		Short: "Driver sign-in and onboarding for the bus-operations service",
		Long: `busline signs a driver in, checks they are allowed to use the app
and collects the licence and phone details needed before the main app opens.

Examples:
  busline login
  busline profile --license-number 12-34 --license-type D --license-expiry 2030-01-31 --phone "021 555 0100"
  busline status
  busline logout
  busline devbackend`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "config.toml", "Path to config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log.level from the config")

	root.AddCommand(
		newStatusCmd(opts),
		newLoginCmd(opts, false),
		newLoginCmd(opts, true),
		newProfileCmd(opts),
		newLogoutCmd(opts),
		newDevBackendCmd(opts),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	err := NewRootCmd().ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if !errors.Is(err, errShown) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return 1
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	conf, err := config.LoadFromTomlFile(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	o.applyOverrides(conf)
	return conf, nil
}

func (o *rootOptions) applyOverrides(conf *config.Config) {
	if o.logLevel != "" {
		conf.Log.Level = o.logLevel
	}
}

// openApp loads and validates the config, wires the session core and
// resolves the cached session.
func (o *rootOptions) openApp(cmd *cobra.Command) (*app.App, error) {
	conf, err := config.LoadFromTomlFileAndValidate(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	o.applyOverrides(conf)

	logger := logging.New(cmd.ErrOrStderr(), logging.Config{Level: conf.Log.Level, Format: conf.Log.Format})

	a, err := app.New(conf, logger, printURL(cmd.ErrOrStderr()))
	if err != nil {
		return nil, err
	}

	if err := a.Session.Start(cmd.Context()); err != nil {
		if err := settle(cmd, a, err); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func printURL(w io.Writer) func(ctx context.Context, url string) error {
	return func(ctx context.Context, url string) error {
		fmt.Fprintf(w, "Open this link in your browser to sign in:\n\n  %s\n\n", url)
		return nil
	}
}

// settle renders a failed action. The unauthorized alert is acknowledged
// once shown; a CLI has no later moment to do it.
func settle(cmd *cobra.Command, a *app.App, err error) error {
	renderNotice(cmd.ErrOrStderr(), err)

	if a.Session.Snapshot().State == session.Unauthorized {
		if ackErr := a.Session.Acknowledge(cmd.Context()); ackErr != nil {
			return ackErr
		}
	}
	if autherr.KindOf(err) == autherr.KindUserCancelled {
		return nil
	}
	return errShown
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/lachlan2k/busline/internal/app"
	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/devbackend"
	"github.com/lachlan2k/busline/internal/logging"
	"github.com/lachlan2k/busline/internal/metrics"
	"github.com/lachlan2k/busline/internal/profile"
	"github.com/lachlan2k/busline/internal/session"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Long: `Show the current session, checking the cached token against the backend.

A network failure leaves the cached token in place; a rejected role clears it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			renderSnapshot(cmd.OutOrStdout(), a.Session.Snapshot())
			return nil
		},
	}
}

func newLoginCmd(opts *rootOptions, signUp bool) *cobra.Command {
	var noInput bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with your work account",
		Long: `Sign in with your work account and exchange it for a session.

If the driver details are missing afterwards you are asked for them, unless
--no-input is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.Session.Snapshot().State.Authenticated() {
				fmt.Fprintln(cmd.ErrOrStderr(), "Already signed in.")
				renderSnapshot(cmd.OutOrStdout(), a.Session.Snapshot())
				return nil
			}

			action := a.Session.Login
			if signUp {
				action = a.Session.SignUp
			}
			if err := action(cmd.Context()); err != nil {
				return settle(cmd, a, err)
			}

			if a.Session.Snapshot().State == session.AuthenticatedIncompleteProfile && !noInput {
				if err := completeProfile(cmd, a, profile.Fields{}); err != nil {
					return err
				}
			}

			renderSnapshot(cmd.OutOrStdout(), a.Session.Snapshot())
			return nil
		},
	}

	if signUp {
		cmd.Use = "signup"
		cmd.Short = "Create a new driver account"
		cmd.Long = `Sign in with your work account as a new driver. Any driver details cached
from a previous account on this device are discarded first.`
	}

	cmd.Flags().BoolVar(&noInput, "no-input", false, "Don't prompt for missing driver details")
	return cmd
}

func newProfileCmd(opts *rootOptions) *cobra.Command {
	var fields profile.Fields

	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Save your licence and phone details",
		Long: `Save the driver details required before the main app opens.

Any detail not given as a flag is asked for interactively.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.Session.Snapshot().State.Authenticated() {
				return fmt.Errorf("not signed in, run 'busline login' first")
			}

			if err := completeProfile(cmd, a, fields); err != nil {
				return err
			}
			renderSnapshot(cmd.OutOrStdout(), a.Session.Snapshot())
			return nil
		},
	}

	cmd.Flags().StringVar(&fields.LicenseNumber, "license-number", "", "Driver licence number")
	cmd.Flags().StringVar(&fields.LicenseType, "license-type", "", "Driver licence class")
	cmd.Flags().StringVar(&fields.LicenseExpiryDate, "license-expiry", "", "Licence expiry date")
	cmd.Flags().StringVar(&fields.PhoneNumber, "phone", "", "Contact phone number")
	return cmd
}

// completeProfile asks for whichever fields are missing, then saves.
func completeProfile(cmd *cobra.Command, a *app.App, fields profile.Fields) error {
	if _, errs := profile.Validate(fields); errs != nil {
		if err := promptFields(&fields, errs); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Profile not saved. Run 'busline profile' to finish later.")
				return nil
			}
			return fmt.Errorf("prompt failed: %w", err)
		}
	}

	if err := a.Session.SaveProfile(cmd.Context(), fields); err != nil {
		return settle(cmd, a, err)
	}
	return nil
}

func promptFields(fields *profile.Fields, missing profile.FieldErrors) error {
	targets := map[profile.Field]*string{
		profile.FieldLicenseNumber:     &fields.LicenseNumber,
		profile.FieldLicenseType:       &fields.LicenseType,
		profile.FieldLicenseExpiryDate: &fields.LicenseExpiryDate,
		profile.FieldPhoneNumber:       &fields.PhoneNumber,
	}
	titles := map[profile.Field]string{
		profile.FieldLicenseNumber:     "Licence number",
		profile.FieldLicenseType:       "Licence type",
		profile.FieldLicenseExpiryDate: "Licence expiry date",
		profile.FieldPhoneNumber:       "Phone number",
	}

	var inputs []huh.Field
	for _, fe := range missing {
		message := fe.Message
		inputs = append(inputs, huh.NewInput().
			Title(titles[fe.Field]).
			Value(targets[fe.Field]).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New(message)
				}
				return nil
			}))
	}

	return huh.NewForm(huh.NewGroup(inputs...)).Run()
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove cached credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Session.Logout(cmd.Context()); err != nil {
				return settle(cmd, a, err)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Logged out successfully.")
			return nil
		},
	}
}

func newDevBackendCmd(opts *rootOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "devbackend",
		Short: "Run a local stand-in for the bus-operations backend",
		Long: `Run a local stand-in for the bus-operations backend.

It accepts any id_token, assigns a role from devbackend.role_mapping and
serves /metrics. Point backend.base_url at it for end-to-end testing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := opts.loadConfig()
			if errors.Is(err, fs.ErrNotExist) {
				conf, err = config.Default(), nil
				opts.applyOverrides(conf)
			}
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				conf.DevBackend.Port = port
			}
			if err := conf.ValidateDevBackend(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger := logging.New(cmd.ErrOrStderr(), logging.Config{Level: conf.Log.Level, Format: conf.Log.Format})
			srv := devbackend.New(conf, metrics.New(), logger)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-cmd.Context().Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Override devbackend.port")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"ipp-daemon/internal/core"
	"ipp-daemon/internal/ipc"
)

// withClient dials the daemon and runs fn with a call timeout.
func withClient(fn func(ctx context.Context, c *ipc.ControlClient) error) error {
	client, err := ipc.Dial(socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return fn(ctx, client.Control)
}

func statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service and proxy state",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				st, err := c.GetStatus(ctx)
				if err != nil {
					return err
				}
				outputStatus(st)
				return nil
			})
		},
	}
}

func startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Activate the proxy",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				st, err := c.Start(ctx)
				if err != nil {
					return err
				}
				outputStatus(st)
				return nil
			})
		},
	}
}

func stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Deactivate the proxy",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				st, err := c.Stop(ctx)
				if err != nil {
					return err
				}
				outputStatus(st)
				return nil
			})
		},
	}
}

func signalCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "signal <name>",
		Short:     "Fire a lifecycle signal",
		Long:      "Fire a lifecycle signal: " + core.SignalRestoringOnStartup + " or " + core.SignalWindowsRestored + ".",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{core.SignalRestoringOnStartup, core.SignalWindowsRestored},
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				fired, err := c.FireSignal(ctx, args[0])
				if err != nil {
					return err
				}
				outputResult(args[0], fired, "fired", "already fired")
				return nil
			})
		},
	}
}

func usageCommand() *cobra.Command {
	var (
		maxBytes  int64
		remaining int64
		reset     string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Report bandwidth usage of the proxy connection",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if reset == "" {
				reset = time.Now().AddDate(0, 1, 0).UTC().Format(time.RFC3339)
			}
			req, err := structpb.NewStruct(map[string]any{
				"max":       strconv.FormatInt(maxBytes, 10),
				"remaining": strconv.FormatInt(remaining, 10),
				"reset":     reset,
			})
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				return c.ReportUsage(ctx, req)
			})
		},
	}
	cmd.Flags().Int64Var(&maxBytes, "max", 0, "Quota in bytes")
	cmd.Flags().Int64Var(&remaining, "remaining", 0, "Remaining bytes")
	cmd.Flags().StringVar(&reset, "reset", "", "Quota reset time (RFC 3339), default one month from now")
	_ = cmd.MarkFlagRequired("max")
	_ = cmd.MarkFlagRequired("remaining")
	return cmd
}

func accountCommand() *cobra.Command {
	var (
		signedIn        bool
		eligible        bool
		vpnAddon        bool
		entitlementFile string
		clearEnt        bool
	)
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Set the account state seen by the service",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			fields := map[string]any{
				"signed_in": signedIn,
				"eligible":  eligible,
				"vpn_addon": vpnAddon,
			}
			switch {
			case clearEnt:
				fields["entitlement"] = nil
			case entitlementFile != "":
				data, err := os.ReadFile(entitlementFile)
				if err != nil {
					return err
				}
				var ent map[string]any
				if err := json.Unmarshal(data, &ent); err != nil {
					return fmt.Errorf("parse %s: %w", entitlementFile, err)
				}
				fields["entitlement"] = ent
			}
			req, err := structpb.NewStruct(fields)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				st, err := c.SetAccount(ctx, req)
				if err != nil {
					return err
				}
				outputStatus(st)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&signedIn, "signed-in", false, "User is signed in")
	cmd.Flags().BoolVar(&eligible, "eligible", false, "User is eligible")
	cmd.Flags().BoolVar(&vpnAddon, "vpn-addon", false, "A standalone VPN add-on is installed")
	cmd.Flags().StringVar(&entitlementFile, "entitlement", "", "JSON file with the entitlement to cache")
	cmd.Flags().BoolVar(&clearEnt, "clear-entitlement", false, "Clear the cached entitlement")
	cmd.MarkFlagsMutuallyExclusive("entitlement", "clear-entitlement")
	return cmd
}

func excludeCommand() *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "exclude <origin>",
		Short: "Add or remove a site exception",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				if err := c.SetExclusion(ctx, args[0], !remove); err != nil {
					return err
				}
				action := "excluded"
				if remove {
					action = "removed"
				}
				outputResult(args[0], true, action, "")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "Remove the exception")
	return cmd
}

func dismissCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <notification-id>",
		Short: "Dismiss a notification in the most recent window",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				ok, err := c.DismissNotification(ctx, args[0])
				if err != nil {
					return err
				}
				outputResult(args[0], ok, "dismissed", "not shown")
				return nil
			})
		},
	}
}

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh the server list now",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				if err := c.SyncServerList(ctx); err != nil {
					return err
				}
				outputResult("serverlist", true, "synced", "")
				return nil
			})
		},
	}
}

func reportErrorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report-error <message>",
		Short: "Report a failure of the established proxy connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *ipc.ControlClient) error {
				if err := c.ReportError(ctx, args[0]); err != nil {
					return err
				}
				outputResult("connection", true, "marked failed", "")
				return nil
			})
		},
	}
}

// Command celerix-naming is a command line client for the naming daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-naming/pkg/schema"
	"github.com/celerix-dev/celerix-naming/pkg/sdk"
)

var (
	addr     string
	secret   string
	insecure bool
	timeout  time.Duration
	client   *sdk.Client
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "celerix-naming",
		Short:        "Talk to a Celerix naming daemon",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var opts []sdk.Option
			if secret != "" {
				opts = append(opts, sdk.WithAdminSecret(secret))
			}
			var err error
			if addr == "" {
				client, err = sdk.NewFromEnv(opts...)
				return err
			}
			if !strings.Contains(addr, "://") {
				addr = "http://" + addr
			}
			if insecure {
				opts = append([]sdk.Option{sdk.WithInsecureTLS()}, opts...)
			}
			client, err = sdk.Connect(addr, opts...)
			return err
		},
	}
	root.PersistentFlags().StringVar(&addr, "addr", "", "daemon URL (default $CELERIX_NAMING_ADDR)")
	root.PersistentFlags().StringVar(&secret, "secret", "", "admin secret (default $CELERIX_NAMING_ADMIN_SECRET)")
	root.PersistentFlags().BoolVarP(&insecure, "insecure", "k", false, "accept a self-signed certificate")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		acquireCmd(), heartbeatCmd(), releaseCmd(), getCmd(), listCmd(),
		deleteCmd(), auditCmd(), statusCmd(), healthCmd(), backupCmd(),
	)
	return root
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func acquireCmd() *cobra.Command {
	var current string
	cmd := &cobra.Command{
		Use:   "acquire <class>",
		Short: "Acquire an identity of a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.Acquire(ctx, args[0], current)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&current, "current", "", "identity held before, to reconnect to")
	return cmd
}

func heartbeatCmd() *cobra.Command {
	var (
		sessions int
		offline  bool
	)
	cmd := &cobra.Command{
		Use:   "heartbeat <id>",
		Short: "Send one heartbeat for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			req := schema.HeartbeatRequest{ActiveSessions: sessions}
			if offline {
				req.Status = schema.HeartbeatOffline
			}
			res, err := client.Heartbeat(ctx, args[0], req)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&sessions, "sessions", 0, "number of active sessions to report")
	cmd.Flags().BoolVar(&offline, "offline", false, "announce the identity is going away")
	return cmd
}

func releaseCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "release <id>",
		Short: "Release an identity so it can be reused",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := client.Release(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "release reason")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			view, err := client.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(view)
		},
	}
}

func listCmd() *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.List(ctx)
			if err != nil {
				return err
			}
			if class != "" {
				filtered := res.Identities[:0]
				for _, v := range res.Identities {
					if v.Class == class {
						filtered = append(filtered, v)
					}
				}
				res.Identities = filtered
				res.Total = len(filtered)
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "only show this class")
	return cmd
}

func deleteCmd() *cobra.Command {
	var (
		class  string
		stale  bool
		reason string
	)
	cmd := &cobra.Command{
		Use:   "delete [id...]",
		Short: "Permanently delete identities (admin)",
		Long: `Permanently delete identities. Deleted ids are never issued again.

Pass ids, or select them with --class or --stale.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			var (
				res schema.DeleteResult
				err error
			)
			switch {
			case stale:
				res, err = client.DeleteStale(ctx, reason)
			case class != "":
				res, err = client.DeleteByClass(ctx, class, reason)
			case len(args) == 1:
				res, err = client.Delete(ctx, args[0], reason)
			case len(args) > 1:
				res, err = client.DeleteBulk(ctx, args, reason)
			default:
				return fmt.Errorf("nothing to delete: pass ids, --class or --stale")
			}
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "delete every identity of this class")
	cmd.Flags().BoolVar(&stale, "stale", false, "delete every identity that is not live")
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the audit log")
	cmd.MarkFlagsMutuallyExclusive("class", "stale")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Show the deletion audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			entries, err := client.Audit(ctx)
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			h, err := client.Health(ctx)
			if err != nil {
				return err
			}
			return printJSON(h)
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a remote backup now (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.Backup(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

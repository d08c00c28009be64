package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

const appName = "chatsyncctl"

func newRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Control a running chatsyncd",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.Version = version
	cmd.SetVersionTemplate(appName + " version {{.Version}}\n")

	cmd.PersistentFlags().String("profile", "", "profile name (overrides config default)")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")
	cmd.PersistentFlags().Duration("timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(
		newStatusCmd(),
		newLockCmd(),
		newProfilesCmd(),
		newChatsCmd(),
		newMessagesCmd(),
		newSendCmd(),
		newSendMediaCmd(),
		newRetryCmd(),
		newReadCmd(),
		newDrainCmd(),
		newOpenCmd(),
		newCloseCmd(),
		newOlderCmd(),
		newNewerCmd(),
		newCreateChatCmd(),
		newReactCmd(),
		newDeleteCmd(),
		newSearchCmd(),
		newScrollCmd(),
		newOnlineCmd(true),
		newOnlineCmd(false),
		newWatchCmd(),
	)
	return cmd
}

// profileName resolves --profile against the config default.
func profileName(cmd *cobra.Command) (string, error) {
	flag, _ := cmd.Flags().GetString("profile")
	name := session.Resolve(flag)
	if err := session.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// call dials the profile's daemon and runs fn with a request-scoped context.
func call(cmd *cobra.Command, fn func(ctx context.Context, c *rpc.Client) error) error {
	name, err := profileName(cmd)
	if err != nil {
		return err
	}
	c, err := rpc.Dial(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

// emit writes v as JSON under --json and through text otherwise.
func emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(cmd.OutOrStdout())
	return nil
}

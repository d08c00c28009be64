package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return emit(cmd, st, func(w io.Writer) {
					online := "offline"
					if st.Online {
						online = "online"
					}
					fmt.Fprintf(w, "Profile:   %s (%s)\n", st.Profile, st.Viewer)
					fmt.Fprintf(w, "Remote:    %s\n", online)
					fmt.Fprintf(w, "Chats:     %d\n", st.Chats)
					fmt.Fprintf(w, "Messages:  %d (%d pending, %d failed)\n", st.Messages, st.Pending, st.Failed)
					if st.Draining {
						fmt.Fprintln(w, "Queue:     draining")
					}
					if st.Unpersisted > 0 {
						fmt.Fprintf(w, "Unsaved:   %d\n", st.Unpersisted)
					}
					if len(st.OpenChats) > 0 {
						fmt.Fprintf(w, "Open:      %s\n", strings.Join(st.OpenChats, ", "))
					}
					fmt.Fprintf(w, "Schema:    v%d\n", st.SchemaVersion)
				})
			})
		},
	}
}

// newLockCmd reads the lock file directly so it works without a daemon.
func newLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show which process holds the profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := profileName(cmd)
			if err != nil {
				return err
			}
			h, held, err := lock.Inspect(session.Dir(name))
			if err != nil {
				return err
			}
			out := struct {
				Profile string `json:"profile"`
				Held    bool   `json:"held"`
				PID     int    `json:"pid,omitempty"`
				Viewer  string `json:"viewer,omitempty"`
			}{name, held, h.PID, h.Viewer}
			return emit(cmd, out, func(w io.Writer) {
				if !held {
					fmt.Fprintf(w, "%s: no daemon running\n", name)
					return
				}
				fmt.Fprintf(w, "%s: held by PID %d", name, h.PID)
				if h.Viewer != "" {
					fmt.Fprintf(w, " as %s", h.Viewer)
				}
				if !h.Since.IsZero() {
					fmt.Fprintf(w, " since %s", h.Since.Format(time.RFC3339))
				}
				fmt.Fprintln(w)
			})
		},
	}
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List known profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := session.List()
			if err != nil {
				return err
			}
			return emit(cmd, profiles, func(w io.Writer) {
				if len(profiles) == 0 {
					fmt.Fprintln(w, "No profiles found.")
					return
				}
				for _, p := range profiles {
					state := "stopped"
					if p.Running {
						state = fmt.Sprintf("running, PID %d, %s", p.PID, p.Viewer)
					}
					fmt.Fprintf(w, "%-20s %s (%s)\n", p.Name, p.Dir, state)
				}
			})
		},
	}
}

func newChatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List chats, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				chats, err := c.ListChats(ctx)
				if err != nil {
					return err
				}
				return emit(cmd, chats, func(w io.Writer) {
					if len(chats) == 0 {
						fmt.Fprintln(w, "No chats.")
						return
					}
					for _, ch := range chats {
						fmt.Fprintln(w, formatChat(ch))
					}
				})
			})
		},
	}
}

func newMessagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <chat>",
		Short: "List the loaded messages of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				msgs, err := c.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, msgs, func(w io.Writer) {
					for _, m := range msgs {
						fmt.Fprintln(w, formatMessage(m))
					}
				})
			})
		},
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <chat> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				m, err := c.Send(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return emit(cmd, m, func(w io.Writer) { fmt.Fprintln(w, formatMessage(m)) })
			})
		},
	}
}

func newSendMediaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send-media <chat> <file>",
		Short: "Send a file; it is uploaded before the message goes out",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			caption, _ := cmd.Flags().GetString("caption")
			mime, _ := cmd.Flags().GetString("mime")
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				m, err := c.SendMedia(ctx, rpc.SendMediaRequest{ChatID: args[0], Path: args[1], Caption: caption, MimeType: mime})
				if err != nil {
					return err
				}
				return emit(cmd, m, func(w io.Writer) { fmt.Fprintln(w, formatMessage(m)) })
			})
		},
	}
	cmd.Flags().String("caption", "", "media caption")
	cmd.Flags().String("mime", "", "MIME type (detected from the extension when empty)")
	return cmd
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <message>",
		Short: "Retry a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				m, err := c.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, m, func(w io.Writer) { fmt.Fprintln(w, formatMessage(m)) })
			})
		},
	}
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <chat>",
		Short: "Mark a chat as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				res, err := c.MarkRead(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "%d marked read, %d unread\n", res.Promoted, res.Unread)
				})
			})
		},
	}
}

func newDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued messages now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				res, err := c.Drain(ctx)
				if err != nil {
					return err
				}
				return emit(cmd, res, func(w io.Writer) {
					if !res.Ran {
						fmt.Fprintln(w, "A drain is already running.")
						return
					}
					fmt.Fprintf(w, "delivered %d, failed %d, remaining %d\n", res.Delivered, res.Failed, res.Remaining)
				})
			})
		},
	}
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <chat>",
		Short: "Open a chat and start loading its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				plan, err := c.OpenChat(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, plan, func(w io.Writer) {
					fmt.Fprintf(w, "strategy %s, %d messages", plan.Strategy, plan.Total)
					for _, t := range plan.Tiers {
						fmt.Fprintf(w, " | %d after %dms", t.Count, t.DelayMs)
					}
					fmt.Fprintln(w)
				})
			})
		},
	}
}

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <chat>",
		Short: "Close a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				return c.CloseChat(ctx, args[0])
			})
		},
	}
}

func newOlderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "older <chat>",
		Short: "Load one page of older history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				n, err := c.LoadOlder(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, rpc.LoadResponse{Loaded: n}, func(w io.Writer) { fmt.Fprintf(w, "loaded %d\n", n) })
			})
		},
	}
}

func newNewerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "newer <chat>",
		Short: "Load one page of newer history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				n, err := c.LoadNewer(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, rpc.LoadResponse{Loaded: n}, func(w io.Writer) { fmt.Fprintf(w, "loaded %d\n", n) })
			})
		},
	}
}

func newCreateChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-chat <id> <participant>...",
		Short: "Create a direct chat, or a group with --group",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, _ := cmd.Flags().GetBool("group")
			name, _ := cmd.Flags().GetString("name")
			desc, _ := cmd.Flags().GetString("description")
			req := rpc.CreateChatRequest{ID: args[0], Participants: args[1:], Name: name, Description: desc}
			if group {
				req.Type = "group"
			}
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				ch, err := c.CreateChat(ctx, req)
				if err != nil {
					return err
				}
				return emit(cmd, ch, func(w io.Writer) { fmt.Fprintln(w, formatChat(ch)) })
			})
		},
	}
	cmd.Flags().Bool("group", false, "create a group chat")
	cmd.Flags().String("name", "", "group name")
	cmd.Flags().String("description", "", "group description")
	return cmd
}

func newReactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "react <message> <symbol>",
		Short: "Toggle a reaction on a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				m, err := c.React(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return emit(cmd, m, func(w io.Writer) { fmt.Fprintln(w, formatMessage(m)) })
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <message>",
		Short: "Hide a message for yourself, or remove it for everyone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			everyone, _ := cmd.Flags().GetBool("everyone")
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				return c.Delete(ctx, args[0], everyone)
			})
		},
	}
	cmd.Flags().Bool("everyone", false, "delete for every participant (own messages only)")
	return cmd
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search local message text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, _ := cmd.Flags().GetString("chat")
			limit, _ := cmd.Flags().GetInt("limit")
			req := rpc.SearchRequest{Query: strings.Join(args, " "), ChatID: chat, Limit: limit}
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				res, err := c.Search(ctx, req)
				if err != nil {
					return err
				}
				return emit(cmd, res, func(w io.Writer) {
					if len(res) == 0 {
						fmt.Fprintln(w, "No matches.")
						return
					}
					for _, r := range res {
						fmt.Fprintf(w, "%s  %s  %s\n", r.Message.ChatID, r.Message.ID, r.Snippet)
					}
				})
			})
		},
	}
	cmd.Flags().String("chat", "", "restrict to one chat")
	cmd.Flags().Int("limit", 50, "maximum results")
	return cmd
}

func newScrollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scroll <chat>",
		Short: "Show or save the scroll position of a chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lastRead, _ := cmd.Flags().GetString("last-read")
			anchor, _ := cmd.Flags().GetString("anchor")
			offset, _ := cmd.Flags().GetInt("offset")
			save := cmd.Flags().Changed("last-read") || cmd.Flags().Changed("anchor") || cmd.Flags().Changed("offset")
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				if save {
					return c.SaveScroll(ctx, rpc.ScrollRequest{
						ChatID:            args[0],
						LastReadMessageID: lastRead,
						AnchorMessageID:   anchor,
						AnchorOffset:      offset,
					})
				}
				p, err := c.Scroll(ctx, args[0])
				if err != nil {
					return err
				}
				return emit(cmd, p, func(w io.Writer) {
					if !p.Found {
						fmt.Fprintln(w, "No saved position.")
						return
					}
					fmt.Fprintf(w, "last read %s, anchor %s%+d\n", p.LastReadMessageID, p.AnchorMessageID, p.AnchorOffset)
				})
			})
		},
	}
	cmd.Flags().String("last-read", "", "last read message id")
	cmd.Flags().String("anchor", "", "anchor message id")
	cmd.Flags().Int("offset", 0, "pixel offset from the anchor")
	return cmd
}

// newOnlineCmd builds "online" or "offline". Only backends that can be
// switched (the memory driver) accept it.
func newOnlineCmd(online bool) *cobra.Command {
	use, short := "online", "Force the remote online"
	if !online {
		use, short = "offline", "Force the remote offline"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, func(ctx context.Context, c *rpc.Client) error {
				return c.SetOnline(ctx, online)
			})
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [namespace]",
		Short: "Stream engine events, optionally filtered by kind prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ns string
			if len(args) == 1 {
				ns = args[0]
			}
			name, err := profileName(cmd)
			if err != nil {
				return err
			}
			c, err := rpc.Dial(session.SocketPath(name))
			if err != nil {
				return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.WatchEvents(ctx, ns, func(e rpc.EventView) error {
				return emit(cmd, e, func(w io.Writer) { fmt.Fprintln(w, formatEvent(e)) })
			})
		},
	}
}

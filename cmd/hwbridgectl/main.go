package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sameehj/hwbridge/pkg/client"
	"github.com/sameehj/hwbridge/pkg/protocol"
	"github.com/sameehj/hwbridge/pkg/version"
	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:8442"

func main() {
	rootCmd := &cobra.Command{
		Use:          "hwbridgectl",
		Short:        "Talk to an hwbridge gateway",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("addr", defaultAddr, "gateway TCP address")
	rootCmd.PersistentFlags().String("ws", "", "gateway WebSocket URL (overrides --addr)")

	rootCmd.AddCommand(
		sendCmd(),
		listenCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dial(cmd *cobra.Command) (*client.Client, error) {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if url, _ := cmd.Flags().GetString("ws"); url != "" {
		return client.DialWebSocket(ctx, url)
	}
	addr, _ := cmd.Flags().GetString("addr")
	return client.Dial(ctx, addr)
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <command>...",
		Short: "Send commands in order and print the replies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetDuration("wait")
			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			return runSend(cmd.Context(), c, args, wait, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Duration("wait", 2*time.Second, "how long to wait for each reply")
	return cmd
}

// runSend issues lines one at a time. A command the gateway does not answer,
// such as a delivered bridge forward, is reported after wait elapses.
func runSend(ctx context.Context, c *client.Client, lines []string, wait time.Duration, out io.Writer) error {
	for _, line := range lines {
		callCtx, cancel := context.WithTimeout(ctx, wait)
		reply, skipped, err := c.Call(callCtx, line)
		cancel()
		for _, msg := range skipped {
			fmt.Fprintf(out, "<- %s\n", formatMessage(msg))
		}
		switch {
		case errors.Is(err, protocol.ErrIllegalCommand):
			fmt.Fprintf(out, "%s: %v\n", line, err)
		case errors.Is(err, context.DeadlineExceeded):
			fmt.Fprintf(out, "%s: no reply\n", line)
		case err != nil:
			return err
		default:
			fmt.Fprintf(out, "%s: %s\n", line, formatMessage(reply))
		}
	}
	return nil
}

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen <token>",
		Short: "Log in as a device and print everything it receives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := dial(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			return runListen(ctx, c, args[0], cmd.OutOrStdout())
		},
	}
	return cmd
}

func runListen(ctx context.Context, c *client.Client, token string, out io.Writer) error {
	loginCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	reply, _, err := c.Call(loginCtx, "login "+token)
	cancel()
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if reply.Code != protocol.CodeOK {
		return fmt.Errorf("login rejected: %s", reply.Code)
	}
	fmt.Fprintf(out, "logged in as %s\n", token)

	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "<- %s\n", formatMessage(msg))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hwbridgectl version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
			return nil
		},
	}
}

func formatMessage(msg protocol.Message) string {
	if msg.IsResponse() {
		return fmt.Sprintf("%d %s", msg.ID, msg.Code)
	}
	if msg.Body == "" {
		return fmt.Sprintf("%d %s", msg.ID, msg.Command)
	}
	return fmt.Sprintf("%d %s %s", msg.ID, msg.Command, msg.Body)
}

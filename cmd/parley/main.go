// Parley is a terminal chat client with one-to-one voice calls negotiated
// over the same websocket channel as the chat stream.
//
// `parley` (or `parley chat`) joins the configured conversation.
// `parley relay` runs a development relay that serves the REST API and the
// channel on one port.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/parley/internal/config"
	"github.com/1ureka/parley/internal/util"
)

var version = "dev"

// flags holds command-line overrides applied on top of the loaded config.
type flags struct {
	configPath   string
	debug        bool
	username     string
	userID       string
	conversation string
	endpoint     string
	apiEndpoint  string
	address      string
}

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "parley",
		Short:         "Terminal chat with peer-to-peer voice calls",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChatCmd(cmd, f)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "YAML config file (PARLEY_* variables override it)")
	root.PersistentFlags().BoolVar(&f.debug, "debug", false, "Enable debug logging")

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a conversation (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChatCmd(cmd, f)
		},
	}
	for _, c := range []*cobra.Command{root, chatCmd} {
		c.Flags().StringVarP(&f.username, "username", "u", "", "Username to register with when no user id is configured")
		c.Flags().StringVar(&f.userID, "user-id", "", "Existing user id")
		c.Flags().StringVar(&f.conversation, "conversation", "", "Conversation to join")
		c.Flags().StringVar(&f.endpoint, "endpoint", "", "Channel endpoint, e.g. ws://localhost:8000/ws/chat")
		c.Flags().StringVar(&f.apiEndpoint, "api", "", "REST API endpoint, e.g. http://localhost:8000/api")
	}

	relayCmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if f.address != "" {
				cfg.Relay.Address = f.address
			}
			return runRelay(cmd.Context(), cfg)
		},
	}
	relayCmd.Flags().StringVar(&f.address, "addr", "", "Listen address (default :8000)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "parley %s\n", version)
		},
	}

	root.AddCommand(chatCmd, relayCmd, versionCmd)
	return root
}

func runChatCmd(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if f.username != "" {
		cfg.Username = f.username
	}
	if f.userID != "" {
		cfg.UserID = f.userID
	}
	if f.conversation != "" {
		cfg.ConversationID = f.conversation
	}
	if f.endpoint != "" {
		cfg.TransportEndpoint = strings.TrimRight(f.endpoint, "/")
	}
	if f.apiEndpoint != "" {
		cfg.APIEndpoint = strings.TrimRight(f.apiEndpoint, "/")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pterm.Info.Println(fmt.Sprintf("Parley v%s", version))
	pterm.Println()
	return runChat(cmd.Context(), cfg)
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.debug {
		cfg.Debug = true
	}
	if cfg.Debug {
		util.EnableDebug()
	}
	return cfg, nil
}

// ABOUTME: Root cobra command and the serve command
// ABOUTME: Every subcommand reads the same config file resolved by --config

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/mission-gateway/internal/config"
	"github.com/2389/mission-gateway/internal/gateway"
)

const banner = `
          _         _                                _
  _ __ ___ (_)___ ___(_) ___  _ __         __ _  __ _| |_ _____      ____ _ _   _
 | '_ ' _ \| / __/ __| |/ _ \| '_ \ _____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | | | | | | \__ \__ \ | (_) | | | |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 |_| |_| |_|_|___/___/_|\___/|_| |_|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                          |___/                             |___/
`

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mission-gateway",
		Short: "Real-time event distribution for the mission dashboard",
		Long: `mission-gateway pushes agent, task and conversation events to dashboard
clients over authenticated WebSockets. Instances share room traffic over a
broadcast bus (memory, redis or nats), so any number can run side by side.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $"+config.EnvConfigPath+" or ~/.config/mission-gateway/gateway.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newTokenCmd(opts),
		newHashKeyCmd(),
		newEmitCmd(opts),
		newHealthCmd(opts),
		newSessionsCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, string, error) {
	path := config.ResolvePath(o.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, path, nil
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cyan := color.New(color.FgCyan)
			gray := color.New(color.FgHiBlack)
			green := color.New(color.FgGreen)

			cyan.Print(banner)
			gray.Printf("    version: %s\n\n", version)

			cfg, path, err := opts.load()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)

			green.Print("    ▶ ")
			fmt.Printf("Config:    %s\n", path)
			green.Print("    ▶ ")
			fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
			if cfg.Server.GRPCAddr != "" {
				green.Print("    ▶ ")
				fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
			}
			green.Print("    ▶ ")
			fmt.Printf("Bus:       %s", cfg.Bus.Driver)
			if cfg.Bus.Driver == "memory" {
				gray.Print(" (single instance)")
			}
			fmt.Println()
			if cfg.Tailscale.Enabled {
				green.Print("    ▶ ")
				fmt.Printf("Tailscale: ")
				cyan.Print(cfg.Tailscale.Hostname)
				if cfg.Tailscale.Ephemeral {
					gray.Print(" (ephemeral)")
				}
				fmt.Println()
			}
			fmt.Println()

			gw, err := gateway.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			logger.Info("starting mission-gateway", "config", path, "instance_id", gw.InstanceID())
			return gw.Run(cmd.Context())
		},
	}
}

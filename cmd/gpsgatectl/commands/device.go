package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect and control tracker devices",
	}

	cmd.AddCommand(deviceStatusCmd())
	cmd.AddCommand(deviceSendCmd())

	return cmd
}

// --- device status ---

func deviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <imei>",
		Short: "Show the live status of a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.status(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("device status: %w", err)
			}

			out, err := formatDeviceStatus(st, outputFormat)
			if err != nil {
				return fmt.Errorf("format status: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- device send ---

func deviceSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <imei> <command...>",
		Short: "Queue a downlink command for a device",
		Long: "Queues the command durably and pushes it immediately when the device " +
			"is connected; otherwise it is delivered on the device's next uplink.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args[1:], " ")

			res, err := client.sendCommand(cmd.Context(), args[0], command)
			if err != nil {
				return fmt.Errorf("send command: %w", err)
			}

			out, err := formatCommandResult(res, outputFormat)
			if err != nil {
				return fmt.Errorf("format result: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- health / info ---

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := client.health(cmd.Context())
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}

			out, err := formatHealth(h, outputFormat)
			if err != nil {
				return fmt.Errorf("format health: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show gateway build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			bi, err := client.info(cmd.Context())
			if err != nil {
				return fmt.Errorf("info: %w", err)
			}

			out, err := formatBuildInfo(bi, outputFormat)
			if err != nil {
				return fmt.Errorf("format info: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

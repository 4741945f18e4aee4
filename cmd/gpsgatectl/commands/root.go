package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// client talks to the gateway admin API, initialized in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the gateway admin API address (host:port).
	serverAddr string

	// secretToken is the bearer token for authenticated endpoints.
	secretToken string
)

// rootCmd is the top-level cobra command for gpsgatectl.
var rootCmd = &cobra.Command{
	Use:   "gpsgatectl",
	Short: "CLI client for the gpsgate gateway",
	Long:  "gpsgatectl communicates with the gpsgate admin HTTP API to inspect devices and queue downlink commands.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = &apiClient{
			baseURL: "http://" + serverAddr,
			token:   secretToken,
			http:    &http.Client{Timeout: 10 * time.Second},
		}

		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:5055",
		"gateway admin API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().StringVar(&secretToken, "token", os.Getenv("SECRET_KEY"),
		"bearer token for authenticated endpoints (default $SECRET_KEY)")

	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(infoCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

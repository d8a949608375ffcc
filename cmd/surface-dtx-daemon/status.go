package main

import (
	"encoding/json"
	"fmt"
	"io"

	godbus "github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/surface-dtx/internal/dbus"
)

var statusOpts struct {
	output string
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the running daemon",
	Long: `Read the current device mode, detach state, latch and base status from
the running daemon over the system bus.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask the running daemon to start a detach",
	Long: `Start a detach cycle as if the detach button had been pressed. The
detach handler decides whether the latch is opened.`,
	Args: cobra.NoArgs,
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(requestCmd)

	statusCmd.Flags().StringVarP(&statusOpts.output, "output", "o", "text",
		"Output format (text, json, yaml)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	report, err := dbus.QueryStatus(dbus.Coordinator(conn))
	if err != nil {
		return fmt.Errorf("is surface-dtx-daemon running? %w", err)
	}
	return writeStatus(cmd.OutOrStdout(), report, statusOpts.output)
}

func writeStatus(w io.Writer, report *dbus.StatusReport, format string) error {
	switch format {
	case "text", "":
		_, err := fmt.Fprintf(w, "device mode:  %s\ndetach state: %s\nlatch:        %s\nbase:         %s\n",
			report.DeviceMode, report.DetachState, report.LatchStatus, report.BaseState)
		return err
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "yaml":
		encoder := yaml.NewEncoder(w)
		defer encoder.Close()
		return encoder.Encode(report)
	default:
		return fmt.Errorf("unknown output format %q, must be one of: text, json, yaml", format)
	}
}

func runRequest(cmd *cobra.Command, args []string) error {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	if err := dbus.RequestDetach(dbus.Coordinator(conn)); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "detach requested")
	return nil
}

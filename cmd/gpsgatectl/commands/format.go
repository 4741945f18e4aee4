// Package commands implements the gpsgatectl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatDeviceStatus renders a device's live status in the requested format.
func formatDeviceStatus(st *deviceStatus, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(st)
	case formatTable:
		return formatDeviceStatusTable(st)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatCommandResult renders the outcome of a queued command.
func formatCommandResult(res *commandResult, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(res)
	case formatTable:
		return formatCommandResultTable(res)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatHealth renders the gateway health summary.
func formatHealth(h *healthInfo, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(h)
	case formatTable:
		return formatHealthTable(h)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatBuildInfo renders the gateway build information.
func formatBuildInfo(bi *buildInfo, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(bi)
	case formatTable:
		return formatBuildInfoTable(bi)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatDeviceStatusTable(st *deviceStatus) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "IMEI:\t%s\n", st.IMEI)
	fmt.Fprintf(w, "Status:\t%s\n", st.Status)
	fmt.Fprintf(w, "Position:\t%.6f, %.6f\n", st.Lat, st.Lon)
	fmt.Fprintf(w, "Speed:\t%d km/h\n", st.SpeedKmh)
	fmt.Fprintf(w, "Course:\t%d°\n", st.CourseDeg)
	fmt.Fprintf(w, "Satellites:\t%d\n", st.Satellites)
	fmt.Fprintf(w, "ACC:\t%s\n", onOff(st.ACC))

	updated := valueNA
	if !st.UpdatedAt.IsZero() {
		updated = st.UpdatedAt.Format(time.RFC3339)
	}
	fmt.Fprintf(w, "Updated:\t%s\n", updated)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatCommandResultTable(res *commandResult) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "ID:\t%d\n", res.ID)
	fmt.Fprintf(w, "IMEI:\t%s\n", res.IMEI)
	fmt.Fprintf(w, "Command:\t%s\n", res.Command)
	fmt.Fprintf(w, "Created:\t%s\n", res.CreatedAt.Format(time.RFC3339))

	delivery := "queued (device offline)"
	if res.Dispatched {
		delivery = "pushed to live session"
	}
	fmt.Fprintf(w, "Delivery:\t%s\n", delivery)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatHealthTable(h *healthInfo) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Status:\t%s\n", h.Status)
	fmt.Fprintf(w, "Timestamp:\t%s\n", h.Timestamp)
	fmt.Fprintf(w, "Uptime:\t%s\n", (time.Duration(h.UptimeSeconds) * time.Second).String())

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatBuildInfoTable(bi *buildInfo) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Name:\t%s\n", bi.Name)
	fmt.Fprintf(w, "Version:\t%s\n", bi.Version)
	fmt.Fprintf(w, "Git Commit:\t%s\n", bi.GitCommit)
	fmt.Fprintf(w, "Build Date:\t%s\n", bi.BuildDate)

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

// --- Helpers ---

func marshalIndent(v any) (string, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}

	return string(out) + "\n", nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

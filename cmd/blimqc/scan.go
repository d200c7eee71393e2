package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blimqc/internal/device"
	goble "github.com/srg/blimqc/internal/device/go-ble"
	"github.com/srg/blimqc/pkg/config"
)

// newScanner creates the BLE scanner (can be overridden in tests)
var newScanner = func(logger *logrus.Logger, _ *config.Config) device.Scanner {
	return goble.NewManager(logger, nil)
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List units under test advertising nearby",
	Long: `Scan for BLE devices and list those matching the QA name filters.

Use --all to list every named device regardless of the filters.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanNames    []string
	scanServices []string
	scanAll      bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanNames, "name", "n", nil, "Advertised name fragments to match")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().BoolVar(&scanAll, "all", false, "List every named device")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %v: must be positive", scanDuration)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	filter := &device.Filter{ScanTimeout: scanDuration}
	switch {
	case scanAll:
	case len(scanNames) > 0:
		filter.NameContains = scanNames
	case len(cfg.NameFilters) > 0:
		filter.NameContains = cfg.NameFilters
	default:
		filter.NameContains = goble.DefaultNameFilters
	}
	if len(scanServices) > 0 {
		uuids, err := device.ValidateUUID(scanServices...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		filter.ServiceUUIDs = uuids
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for units under test", "scanning", scanDuration)
	progress.Start()

	var (
		mu      sync.Mutex
		devices []device.DeviceInfo
	)
	err = newScanner(logger, cfg).Scan(ctx, filter, func(info device.DeviceInfo) {
		mu.Lock()
		defer mu.Unlock()
		devices = append(devices, info)
	})
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	// Strongest signal first: the unit on the fixture is usually the closest one
	sort.SliceStable(devices, func(i, j int) bool { return devices[i].RSSI > devices[j].RSSI })

	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		return displayDevicesJSON(out, devices)
	}
	return displayDevicesTable(out, devices)
}

func displayDevicesTable(out io.Writer, devices []device.DeviceInfo) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, dev := range devices {
		name := dev.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		short := make([]string, len(dev.Services))
		for i, u := range dev.Services {
			short[i] = device.ShortenUUID(u)
		}
		services := strings.Join(short, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, dev.Address, dev.RSSI, services)
	}
	return w.Flush()
}

func displayDevicesJSON(out io.Writer, devices []device.DeviceInfo) error {
	if devices == nil {
		devices = []device.DeviceInfo{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

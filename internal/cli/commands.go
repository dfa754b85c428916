package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"slot-upload-daemon/internal/config"
	"slot-upload-daemon/internal/device"
	"slot-upload-daemon/internal/slot"
	"slot-upload-daemon/internal/sysinfo"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command and all subcommands for the CLI.
func NewRootCmd(s service.Service, logger *slog.Logger, logPath string, cfgPath string) *cobra.Command {
	var rootCmd = &cobra.Command{
		Use:           "sud",
		Short:         "Slot Upload Daemon CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var uninstallCmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the service",
		Run: func(cmd *cobra.Command, args []string) {
			// Clear AuthToken on uninstall to force re-pairing
			cfg, err := config.Load(cfgPath)
			if err == nil {
				cfg.AuthToken = ""
				if err := config.Save(cfgPath, cfg); err != nil {
					fmt.Printf("Warning: Failed to clear auth_token: %v\n", err)
				} else {
					fmt.Println("Auth token cleared.")
				}
			}

			err = s.Uninstall()
			if err != nil {
				fmt.Printf("Failed to uninstall service: %s\n", err)
				return
			}
			fmt.Println("Service uninstalled.")
		},
	}

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the service in foreground",
		Run: func(cmd *cobra.Command, args []string) {
			err := s.Run()
			if err != nil {
				if logger != nil {
					logger.Error("Run error", "error", err)
				} else {
					fmt.Printf("Run error: %v\n", err)
				}
			}
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		Run: func(cmd *cobra.Command, args []string) {
			status, err := s.Status()
			if err != nil {
				fmt.Printf("Error getting status: %v\n", err)
				return
			}
			switch status {
			case service.StatusRunning:
				fmt.Println("Running")
			case service.StatusStopped:
				fmt.Println("Stopped")
			default:
				fmt.Println("Unknown/Other")
			}
		},
	}

	var logsCmd = &cobra.Command{
		Use:   "logs",
		Short: "Show service logs",
		Run: func(cmd *cobra.Command, args []string) {
			f, err := os.Open(logPath)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No logs found.")
					return
				}
				fmt.Printf("Error opening log file: %v\n", err)
				return
			}
			defer f.Close()
			if _, err := io.Copy(cmd.OutOrStdout(), f); err != nil {
				fmt.Printf("Error reading logs: %v\n", err)
			}
		},
	}

	rootCmd.AddCommand(
		InstallCmd(s),
		ServiceInstallCmd(s), // Hidden command for self-registration
		uninstallCmd,
		controlCmd("start", "Start the service", "Service started.", s.Start),
		controlCmd("stop", "Stop the service", "Service stopped.", s.Stop),
		controlCmd("restart", "Restart the service", "Service restarted.", s.Restart),
		runCmd,
		statusCmd,
		logsCmd,
		PairCmd(cfgPath, logger),
		SlotCmd(cfgPath),
		InfoCmd(cfgPath),
		LedgerCmd(cfgPath, logger),
		HistoryCmd(cfgPath, logger),
		UploadCmd(cfgPath, logger),
		AvatarCmd(cfgPath, logger),
	)
	return rootCmd
}

// controlCmd wraps one service manager action.
func controlCmd(use, short, done string, action func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			if err := action(); err != nil {
				fmt.Printf("Failed to %s: %s\n", use, err)
				return
			}
			fmt.Println(done)
		},
	}
}

// SlotCmd shows which slot a capture made now (or at --at) belongs to.
func SlotCmd(cfgPath string) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Show the current capture slot and the time to rollover",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			deviceID, err := device.Resolve(cfg.DeviceID)
			if err != nil {
				return err
			}

			now := time.Now()
			if at != "" {
				if now, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			local := now.In(loc)
			id := slot.For(local, loc, deviceID)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Timezone:   %s\n", loc)
			fmt.Fprintf(out, "Slot:       %s %s\n", id.Date, id.Slot)
			fmt.Fprintf(out, "File:       %s\n", id.FileName())
			fmt.Fprintf(out, "Object key: %s\n", id.ObjectKey())
			fmt.Fprintf(out, "Next slot:  %s (in %s)\n", slot.NextSlotStart(local).Format(time.RFC3339), slot.SecondsUntilNextSlot(local).Round(time.Second))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	return cmd
}

// InfoCmd prints the host facts reported with every upload.
func InfoCmd(cfgPath string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show system information",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataPath := ""
			if cfg, err := config.Load(cfgPath); err == nil {
				dataPath = cfg.DataPath
			}
			info, err := sysinfo.Collect(dataPath)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
}

package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"slot-upload-daemon/internal/config"
	"slot-upload-daemon/internal/device"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

const appDir = "sud"

// defaultInstallDir depends on the OS and on whether we run elevated.
func defaultInstallDir() string {
	if runtime.GOOS == "windows" {
		if isAdmin() {
			return `C:\ProgramData\` + appDir
		}
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appDir)
		}
		if cfgDir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(cfgDir, appDir)
		}
	} else if isAdmin() {
		return filepath.Join("/opt", appDir)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, appDir)
}

func isAdmin() bool {
	if runtime.GOOS == "windows" {
		_, err := os.Open("\\\\.\\PHYSICALDRIVE0")
		return err == nil
	}
	currentUser, err := user.Current()
	if err != nil {
		return false
	}
	return currentUser.Uid == "0"
}

func prompt(label string, defaultValue string) string {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("%s [%s]: ", label, defaultValue)
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

// localZoneName is the IANA name of the machine's zone when it is known.
func localZoneName() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "Local" {
		return name
	}
	return config.DefaultTimezone
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// registerService installs s, replacing a stale definition.
func registerService(s service.Service) error {
	err := s.Install()
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		return err
	}
	fmt.Println("   Service definition already exists. Reinstalling...")
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall existing service: %w", err)
	}
	return s.Install()
}

// InstallCmd copies the binary into place, writes a config, pairs the
// device and registers the service.
func InstallCmd(s service.Service) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Interactive installer for the service",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("=== Slot Upload Daemon Installer ===")
			fmt.Println("Tip: Press [Enter] to accept the default value shown in brackets [].")

			amAdmin := isAdmin()

			// 1. Admin Check
			if !amAdmin {
				fmt.Println("⚠️  Warning: You are not running as Administrator/Root.")
				fmt.Println("   Installing a system service typically requires elevated privileges.")
				if runtime.GOOS == "windows" {
					fmt.Println("   On Windows, service registration will be SKIPPED if you continue.")
					fmt.Println("   Run the daemon manually with 'sud run' afterwards.")
				} else {
					fmt.Println("   If this fails, please run with 'sudo'.")
				}
				fmt.Print("   Continue anyway? [y/N]: ")
				var response string
				fmt.Scanln(&response)
				if strings.ToLower(response) != "y" {
					fmt.Println("Aborted.")
					return
				}
			}

			// 2. Install Location
			targetDir := prompt("Install Directory", defaultInstallDir())
			if err := os.MkdirAll(targetDir, 0755); err != nil {
				fmt.Printf("❌ Error creating directory %s: %v\n", targetDir, err)
				return
			}

			// 3. Self-Copy Binary
			currentExe, err := os.Executable()
			if err != nil {
				fmt.Printf("❌ Error finding current executable: %v\n", err)
				return
			}
			targetExe := filepath.Join(targetDir, filepath.Base(currentExe))

			realCurrent, _ := filepath.EvalSymlinks(currentExe)
			realTarget, _ := filepath.EvalSymlinks(targetExe)
			if realCurrent != realTarget {
				fmt.Printf("-> Copying binary to %s...\n", targetExe)
				os.Remove(targetExe)
				if err := copyFile(currentExe, targetExe); err != nil {
					fmt.Printf("❌ Error copying binary: %v\n", err)
					return
				}
			} else {
				fmt.Println("-> Binary is already in target location. Skipping copy.")
			}

			// 4. Generate Config
			targetConfigPath := filepath.Join(targetDir, "config.json")
			var cfg *config.Config

			if _, err := os.Stat(targetConfigPath); err == nil {
				fmt.Printf("-> Found existing config at %s. Skipping configuration.\n", targetConfigPath)
				var err error
				cfg, err = config.Load(targetConfigPath)
				if err != nil {
					fmt.Printf("⚠️  Warning: Could not load existing config: %v\n", err)
				}
			} else {
				fmt.Println("-> Generating new configuration...")

				deviceID := "dev-001"
				if mac, err := device.GetMACAddress(); err == nil && mac != "" {
					deviceID = device.FromMAC(mac)
				}

				cfg = config.Default(targetDir)
				cfg.DeviceID = prompt("Device ID", deviceID)
				cfg.Endpoint = prompt("API Endpoint", config.DefaultEndpoint)

				fmt.Println("\n--- Timezone ---")
				fmt.Println("Slots are named on the wall clock of the data owner's timezone,")
				fmt.Println("which may differ from this machine's. Use an IANA name such as Asia/Tokyo.")
				tz := prompt("Timezone", localZoneName())
				if _, err := time.LoadLocation(tz); err != nil {
					fmt.Printf("Invalid timezone '%s', defaulting to '%s'\n", tz, config.DefaultTimezone)
					tz = config.DefaultTimezone
				}
				cfg.Timezone = tz

				fmt.Println("\n--- Capture ---")
				fmt.Println("The daemon can run a recorder itself, or upload slot files written by another program.")
				command := prompt("Capture command, {output} is the file (empty to disable)", "")
				if command != "" {
					cfg.CaptureEnabled = true
					cfg.CaptureCommand = strings.Fields(command)
				}

				if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
					fmt.Printf("❌ Error creating data directory: %v\n", err)
					return
				}
				if err := config.Save(targetConfigPath, cfg); err != nil {
					fmt.Printf("❌ Error saving config: %v\n", err)
					return
				}
				fmt.Println("-> Configuration saved.")
			}

			// 4.5 Interactive Pairing
			if cfg != nil && cfg.AuthToken == "" && cfg.Transport == "http" {
				fmt.Println("\n-> Device not paired. Initiating pairing sequence...")
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
				err := pair(ctx, os.Stdout, targetConfigPath, cfg)
				stop()
				if err != nil {
					fmt.Printf("⚠️  Pairing did not complete: %v\n", err)
					fmt.Println("   Proceeding with installation (unpaired). Run 'sud pair' later.")
				}
			}

			// 5. Register Service
			if runtime.GOOS == "windows" && !amAdmin {
				fmt.Println("\n-> Skipping Service Registration (Not Admin).")
				fmt.Println("   To run the daemon, open a terminal and run:")
				fmt.Printf("   %s run\n", targetExe)
				return
			}

			// kardianos/service registers os.Executable(), so a copied binary
			// has to register itself.
			if realCurrent != realTarget {
				fmt.Println("-> Registering service via installed binary...")
				reg := exec.Command(targetExe, "service-install")
				reg.Stdout = os.Stdout
				reg.Stderr = os.Stderr
				if err := reg.Run(); err != nil {
					fmt.Printf("❌ Failed to register service: %v\n", err)
					return
				}
			} else {
				fmt.Println("-> Registering service...")
				if err := registerService(s); err != nil {
					fmt.Printf("❌ Service install failed: %v\n", err)
					return
				}
			}

			// 6. Start Service. The service is addressed by name, so s works
			// for a binary registered from another path too.
			fmt.Println("-> Starting service...")
			if err := s.Start(); err != nil {
				fmt.Printf("⚠️  Service start failed (it might be running): %v\n", err)
			} else {
				fmt.Println("✅ Service started successfully!")
			}

			fmt.Println("\nInstallation Complete!")
			fmt.Printf("Config: %s\n", targetConfigPath)
			if cfg != nil {
				fmt.Printf("Logs:   %s\n", cfg.LogPath)
				fmt.Printf("Data:   %s\n", cfg.DataPath)
			}
		},
	}
}

// ServiceInstallCmd is run by the installer from the copied binary.
func ServiceInstallCmd(s service.Service) *cobra.Command {
	return &cobra.Command{
		Use:    "service-install",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			if err := registerService(s); err != nil {
				fmt.Printf("Internal Install Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Internal Service Registration Successful.")
		},
	}
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"slot-upload-daemon/internal/api"
	"slot-upload-daemon/internal/config"
	"slot-upload-daemon/internal/device"
)

// ErrPairingExpired is returned when the code ran out before it was claimed.
var ErrPairingExpired = errors.New("pairing code expired")

var pairPollInterval = 5 * time.Second

// pair requests a pairing code, shows it as a QR code and waits until the
// device is claimed. On success the API key is saved into the config.
func pair(ctx context.Context, out io.Writer, cfgPath string, cfg *config.Config) error {
	deviceID, err := device.Resolve(cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("resolve device id: %w", err)
	}
	client := api.NewClient(cfg.Endpoint, config.ParseDuration(cfg.APITimeout, time.Minute), nil)

	resp, err := client.RequestPairingCode(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("request pairing code: %w", err)
	}

	claimURL := fmt.Sprintf("%s/claim/%s", strings.TrimSuffix(cfg.WebClientURL, "/"), resp.Code)
	fmt.Fprintln(out, "\n==========================================")
	fmt.Fprintln(out, " SCAN TO CLAIM DEVICE")
	fmt.Fprintf(out, " Code: %s\n", resp.Code)
	fmt.Fprintf(out, " URL:  %s\n", claimURL)
	fmt.Fprintln(out, "==========================================")
	qrterminal.GenerateHalfBlock(claimURL, qrterminal.L, out)
	fmt.Fprintln(out, "\nWaiting for device to be claimed (Ctrl+C to skip)...")

	ticker := time.NewTicker(pairPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := client.CheckPairingStatus(ctx, deviceID, resp.Code)
		if err != nil {
			continue
		}
		switch status.Status {
		case api.PairingStatusClaimed:
			cfg.AuthToken = "provisioned"
			if status.APIKey != nil {
				cfg.AuthToken = *status.APIKey
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save paired config: %w", err)
			}
			fmt.Fprintln(out, "\nDevice successfully claimed!")
			return nil
		case api.PairingStatusExpired:
			return ErrPairingExpired
		}
	}
}

// PairCmd pairs the device with an account.
func PairCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	var force bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this device with an account by scanning a QR code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if cfg.AuthToken != "" && !force {
				fmt.Fprintln(cmd.OutOrStdout(), "Device is already paired. Use --force to pair again.")
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := pair(ctx, cmd.OutOrStdout(), cfgPath, cfg); err != nil {
				if logger != nil {
					logger.Warn("Pairing failed", "error", err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Restart the service to use the new token.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "pair again even if a token is configured")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "give up after this long")
	return cmd
}

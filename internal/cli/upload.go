package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"slot-upload-daemon/internal/avatar"
	"slot-upload-daemon/internal/phase"
)

// UploadCmd runs uploads by hand. The running service keeps its own
// in-flight set, so these are meant for recovery while it is stopped.
func UploadCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload recordings now",
	}

	backlogCmd := &cobra.Command{
		Use:   "backlog",
		Short: "Upload every pending recording once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			e, err := openEnv(cfgPath, logger)
			if err != nil {
				return err
			}
			defer e.Close()
			coord, err := e.coordinator(ctx)
			if err != nil {
				return err
			}

			sum, err := coord.UploadBacklog(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sum.Results) == 0 {
				fmt.Fprintln(out, "Nothing to upload.")
				return nil
			}
			for _, r := range sum.Results {
				if r.Err != nil {
					fmt.Fprintf(out, "%s: %s\n", r.FileName, describe(r.Err))
				} else {
					fmt.Fprintf(out, "%s: uploaded to %s\n", r.FileName, r.URL)
				}
			}
			fmt.Fprintf(out, "Uploaded %d, failed %d, skipped %d.\n", sum.Uploaded, sum.Failed, sum.Skipped)
			return sum.Err()
		},
	}

	oneCmd := &cobra.Command{
		Use:   "one <file>",
		Short: "Upload one pending recording",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return uploadSingle(cmd, cfgPath, logger, args[0], false)
		},
	}

	forceCmd := &cobra.Command{
		Use:   "force <file>",
		Short: "Upload a recording again, even if it was already uploaded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return uploadSingle(cmd, cfgPath, logger, args[0], true)
		},
	}

	cmd.AddCommand(backlogCmd, oneCmd, forceCmd)
	return cmd
}

func uploadSingle(cmd *cobra.Command, cfgPath string, logger *slog.Logger, fileName string, force bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	e, err := openEnv(cfgPath, logger)
	if err != nil {
		return err
	}
	defer e.Close()
	coord, err := e.coordinator(ctx)
	if err != nil {
		return err
	}

	upload := coord.UploadOne
	if force {
		upload = coord.ForceUpload
	}
	url, err := upload(ctx, fileName)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), describe(err))
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s to %s\n", fileName, url)
	return nil
}

// AvatarCmd uploads the device profile image.
func AvatarCmd(cfgPath string, logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "avatar",
		Short: "Manage the device profile image",
	}
	uploadCmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Upload a PNG, JPEG or WebP image of at most 5 MiB",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			e, err := openEnv(cfgPath, logger)
			if err != nil {
				return err
			}
			defer e.Close()
			tr, err := e.transport(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			// No dismiss timer: the process exits after the result.
			u := avatar.New(tr, e.deviceID, -1, e.logger)
			unsubscribe := u.Phases().Subscribe(func(p phase.Phase[avatar.Asset, string]) {
				fmt.Fprintf(out, "-> %s\n", p.Kind)
			})
			defer unsubscribe()

			url, err := u.Upload(ctx, args[0])
			if err != nil {
				return fmt.Errorf("avatar upload: %w", err)
			}
			fmt.Fprintf(out, "Avatar uploaded to %s\n", url)
			return nil
		},
	}
	cmd.AddCommand(uploadCmd)
	return cmd
}

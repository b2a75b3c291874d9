package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hostfetch/internal"
	"hostfetch/service"
	"hostfetch/utils"
)

var (
	outputPath       string
	outputDir        string
	noResume         bool
	downloadLogin    string
	downloadPassword string
)

var downloadCmd = &cobra.Command{
	Use:   "download [flags] <URL>",
	Short: "Download a file from a hosting service",
	Long: `Download a file from a link owned by one of the configured services.
The download page is followed to the direct file link; image challenges
are handed to the configured solver. An interrupted download leaves a
.part file next to the output and is resumed on the next run when the
service supports it.

Examples:
  hostfetch download https://myhost.example/f/abc123
  hostfetch download -o /tmp/report.pdf https://myhost.example/f/abc123
  hostfetch download --captcha ticket -r 2M https://myhost.example/f/abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		link := args[0]
		if _, err := utils.ParseLink(link); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		client := newClient()
		opts, err := serviceOptions(client)
		if err != nil {
			return err
		}
		registry, err := loadRegistry(client, opts...)
		if err != nil {
			return err
		}

		svc, err := registry.ForLink(link)
		if err != nil {
			return err
		}
		internal.LogInfo("Processing download request for %s via %s", link, svc.ID())

		if downloadLogin != "" {
			if err := login(ctx, svc, internal.Credentials{Username: downloadLogin, Password: downloadPassword}); err != nil {
				return err
			}
		}

		d, err := svc.Downloader(link)
		if err != nil {
			return err
		}

		meta, err := download(ctx, svc, link, d)
		if err != nil {
			if internal.IsErrorType(err, internal.ErrInterrupted) && meta.Filename != "" && !quiet {
				fmt.Fprintf(os.Stderr, "Download interrupted. Run the same command to resume %s%s\n", meta.Filename, utils.PartSuffix)
			}
			return err
		}

		if !quiet {
			fmt.Fprintf(os.Stderr, "Download completed: %s (%s)\n", meta.Filename, utils.FormatBytes(meta.Size))
		}
		fmt.Println(meta.Filename)
		return nil
	},
}

// download streams the file into its .part file and moves it into place.
// The returned metadata carries the output path even on failure, once it
// is known.
func download(ctx context.Context, svc service.DownloadService, link string, d service.Downloader) (*internal.FileMetadata, error) {
	defer trackTransfer()()

	meta := &internal.FileMetadata{
		Filename:  outputPath,
		Link:      link,
		Service:   svc.ID(),
		Timestamp: time.Now(),
	}
	fileOps := utils.NewFileOperations()
	canResume := !noResume && svc.DownloadCapabilities().HasAny(
		service.UnauthenticatedResume, service.NonPremiumAccountResume, service.PremiumAccountResume)

	var position int64
	if outputPath != "" && canResume {
		if found, size, err := fileOps.DetectPartialDownload(outputPath); err == nil && found {
			position = size
			internal.LogInfo("Resuming %s at %s", outputPath, utils.FormatBytes(size))
		}
	}

	dl, err := d.Open(ctx, position)
	if err != nil {
		return meta, err
	}
	defer dl.Body.Close()
	meta.DirectURL = dl.URL

	path := outputPath
	if path == "" {
		path = filepath.Join(outputDir, dl.Filename)
		// a partial file found only now cannot be resumed: the
		// stream already started at 0
		if fileOps.FileExists(path + utils.PartSuffix) {
			internal.LogWarn("Overwriting partial file %s%s", path, utils.PartSuffix)
		}
	}
	meta.Filename = path

	resume := position > 0 && dl.Offset == position
	if position > 0 && !resume {
		internal.LogWarn("Service restarted the transfer, discarding %s of partial data", utils.FormatBytes(position))
	}

	out, err := fileOps.OpenPartial(path, resume)
	if err != nil {
		return meta, err
	}

	total := int64(-1)
	if dl.Length >= 0 {
		total = dl.Offset + dl.Length
	}
	tracker := utils.NewProgressTracker(filepath.Base(path), total, quiet)
	tracker.Add(dl.Offset)

	_, copyErr := io.Copy(out, tracker.Reader(dl.Body))
	summary := tracker.Finish()
	closeErr := out.Close()
	meta.Size = summary.TotalBytes

	if copyErr != nil {
		if ctx.Err() != nil {
			return meta, internal.WrapError(ctx.Err(), "download interrupted", internal.ErrInterrupted).
				WithService(svc.ID())
		}
		return meta, internal.NewNetworkTimeoutError("download", copyErr).
			WithService(svc.ID()).
			WithURL(dl.URL)
	}
	if closeErr != nil {
		return meta, fmt.Errorf("failed to write %s: %w", path, closeErr)
	}
	if dl.Length >= 0 && summary.TotalBytes != total {
		return meta, internal.NewHostError(0, "download ended early", internal.ErrInvalidResponse).
			WithService(svc.ID()).
			WithContext("expected", total).
			WithContext("received", summary.TotalBytes)
	}

	if err := fileOps.CompletePartial(path); err != nil {
		return meta, fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	internal.LogInfo("Downloaded %s (%s)", path, utils.FormatBytes(summary.TotalBytes))
	return meta, nil
}

func init() {
	downloadCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default: the site's filename)")
	downloadCmd.Flags().StringVar(&outputDir, "dir", ".", "Directory for the output when --output is not set")
	downloadCmd.Flags().BoolVar(&noResume, "no-resume", false, "Ignore an existing .part file")
	downloadCmd.Flags().StringVar(&downloadLogin, "login", "", "Account name to log in with before downloading")
	downloadCmd.Flags().StringVar(&downloadPassword, "password", os.Getenv("HOSTFETCH_PASSWORD"), "Account password (env: HOSTFETCH_PASSWORD)")
}

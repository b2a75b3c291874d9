package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hostfetch/internal"
	"hostfetch/service"
	"hostfetch/utils"
)

var (
	uploadService     string
	uploadDescription string
	uploadWorkers     int
	uploadLogin       string
	uploadPassword    string
)

var uploadCmd = &cobra.Command{
	Use:   "upload [flags] <FILE>...",
	Short: "Upload files and print their download links",
	Long: `Upload one or more files to a hosting service. Files are streamed into
the site's upload form and the download link is printed once the site
answers. Without --service the first service accepting anonymous
uploads is used.

Examples:
  hostfetch upload notes.txt
  hostfetch upload -s myhost -w 4 a.zip b.zip c.zip
  hostfetch upload -s myhost --login alice --password secret big.iso`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if uploadWorkers <= 0 {
			uploadWorkers = config.UploadWorkers
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

		svc, err := pickUploadService(registry, uploadService)
		if err != nil {
			return err
		}
		internal.LogInfo("Uploading %d file(s) to %s with %d worker(s)", len(args), svc.ID(), uploadWorkers)

		if uploadLogin != "" {
			if err := login(ctx, svc, internal.Credentials{Username: uploadLogin, Password: uploadPassword}); err != nil {
				return err
			}
		}

		results, err := uploadAll(ctx, svc, args)
		for _, r := range results {
			if r == nil {
				continue
			}
			fmt.Printf("%s\t%s\n", r.Filename, r.Link)
		}
		return err
	},
}

// pickUploadService returns the named service, or the first one that
// takes anonymous uploads
func pickUploadService(registry *service.Registry, id string) (service.UploadService, error) {
	if id != "" {
		return registry.Uploader(id)
	}
	candidates := registry.Uploaders(service.UnauthenticatedUpload)
	if len(candidates) == 0 {
		return nil, internal.NewHostError(0, "no configured service accepts uploads", internal.ErrUnsupportedCapability).
			WithSuggestion("Add upload_page or upload_url to a service in the services file")
	}
	return candidates[0], nil
}

// login authenticates svc when it supports account logins
func login(ctx context.Context, svc service.Service, creds internal.Credentials) error {
	auth, ok := svc.(service.AuthenticationService)
	if !ok || auth.AuthenticationCapabilities().Len() == 0 {
		return internal.NewHostError(0, "service does not support logins", internal.ErrUnsupportedCapability).
			WithService(svc.ID())
	}
	return auth.Authenticator(creds).Login(ctx)
}

// uploadAll uploads files concurrently, bounded by the worker count.
// Results keep the order of files; a failed upload leaves a nil entry.
func uploadAll(ctx context.Context, svc service.UploadService, files []string) ([]*internal.UploadResult, error) {
	results := make([]*internal.UploadResult, len(files))
	pool := utils.NewProgressPool(quiet)
	defer pool.Stop()

	var (
		mu       sync.Mutex
		failures []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)

	for i, path := range files {
		g.Go(func() error {
			result, err := uploadFile(gctx, svc, pool, path)
			if err != nil {
				internal.LogFailure(err)
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", path, err))
				mu.Unlock()
				// interruption stops the batch, other failures do not
				if internal.IsErrorType(err, internal.ErrInterrupted) {
					return err
				}
				return nil
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	if len(failures) > 0 {
		return results, fmt.Errorf("%d of %d uploads failed: %w", len(failures), len(files), failures[0])
	}
	return results, nil
}

func uploadFile(ctx context.Context, svc service.UploadService, pool *utils.ProgressPool, path string) (*internal.UploadResult, error) {
	defer trackTransfer()()

	fileOps := utils.NewFileOperations()
	file, size, err := fileOps.OpenUpload(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	name := filepath.Base(path)
	uploader, err := svc.Uploader(name, size, uploadDescription)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ch, err := uploader.Open(ctx)
	if err != nil {
		return nil, err
	}

	tracker := pool.Track(name, size)
	_, copyErr := io.Copy(tracker.Writer(ch), file)
	summary := tracker.Finish()

	// the channel must be closed even after a failed copy to collect the outcome
	if err := ch.CloseContext(ctx); err != nil {
		return nil, err
	}
	if copyErr != nil {
		return nil, internal.WrapError(copyErr, "failed to stream file", internal.ErrTransport).
			WithService(svc.ID())
	}

	link := ch.DownloadLink()
	if link == "" {
		return nil, internal.NewHostError(0, "upload finished but no download link was found", internal.ErrLinkNotFound).
			WithService(svc.ID()).
			WithSuggestion("Check link_pattern for this service")
	}

	internal.LogInfo("Uploaded %s (%s at %s/s) -> %s", name, utils.FormatBytes(summary.TotalBytes),
		utils.FormatBytes(int64(summary.AverageSpeed)), link)
	return &internal.UploadResult{
		Service:  svc.ID(),
		Filename: name,
		Size:     size,
		Link:     link,
		Elapsed:  time.Since(start),
	}, nil
}

// serviceOptions wires the solver and rate limiter into every service
func serviceOptions(client *utils.HTTPClient) ([]service.FormOption, error) {
	var opts []service.FormOption

	var err error
	if limiter, err = newLimiter(); err != nil {
		return nil, err
	}
	if limiter != nil {
		opts = append(opts, service.WithRateLimiter(limiter))
	}

	solver, err := newSolver(client)
	if err != nil {
		return nil, err
	}
	if solver != nil {
		opts = append(opts, service.WithSolver(solver))
	}
	return opts, nil
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadService, "service", "s", "", "Service ID to upload to")
	uploadCmd.Flags().StringVar(&uploadDescription, "description", "", "Description sent with each file")
	uploadCmd.Flags().IntVarP(&uploadWorkers, "workers", "w", 0, "Concurrent uploads (env: HOSTFETCH_WORKERS)")
	uploadCmd.Flags().StringVar(&uploadLogin, "login", "", "Account name to log in with before uploading")
	uploadCmd.Flags().StringVar(&uploadPassword, "password", os.Getenv("HOSTFETCH_PASSWORD"), "Account password (env: HOSTFETCH_PASSWORD)")
}

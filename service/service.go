// Package service defines hosting services and the uploaders,
// downloaders and authenticators they hand out, plus a registry that
// dispatches links to the service that owns them.
package service

import (
	"context"
	"io"
	"sort"
	"sync"

	"hostfetch/capability"
	"hostfetch/channel"
	"hostfetch/internal"
	"hostfetch/utils"
)

// UploaderCapability is an upload mode a service supports
type UploaderCapability int

const (
	UnauthenticatedUpload UploaderCapability = iota
	NonPremiumAccountUpload
	PremiumAccountUpload
	// FileSizeRequired means the payload length must be known up front
	FileSizeRequired
)

func (c UploaderCapability) String() string {
	switch c {
	case UnauthenticatedUpload:
		return "unauthenticated-upload"
	case NonPremiumAccountUpload:
		return "non-premium-upload"
	case PremiumAccountUpload:
		return "premium-upload"
	case FileSizeRequired:
		return "file-size-required"
	default:
		return "unknown"
	}
}

// DownloaderCapability is a download mode a service supports
type DownloaderCapability int

const (
	UnauthenticatedDownload DownloaderCapability = iota
	NonPremiumAccountDownload
	PremiumAccountDownload
	UnauthenticatedResume
	NonPremiumAccountResume
	PremiumAccountResume
)

func (c DownloaderCapability) String() string {
	switch c {
	case UnauthenticatedDownload:
		return "unauthenticated-download"
	case NonPremiumAccountDownload:
		return "non-premium-download"
	case PremiumAccountDownload:
		return "premium-download"
	case UnauthenticatedResume:
		return "unauthenticated-resume"
	case NonPremiumAccountResume:
		return "non-premium-resume"
	case PremiumAccountResume:
		return "premium-resume"
	default:
		return "unknown"
	}
}

// AuthenticatorCapability is an account kind a service can log in with
type AuthenticatorCapability int

const (
	AnonymousAccountAuthentication AuthenticatorCapability = iota
	NonPremiumAccountAuthentication
	PremiumAccountAuthentication
)

func (c AuthenticatorCapability) String() string {
	switch c {
	case AnonymousAccountAuthentication:
		return "anonymous-account"
	case NonPremiumAccountAuthentication:
		return "non-premium-account"
	case PremiumAccountAuthentication:
		return "premium-account"
	default:
		return "unknown"
	}
}

// Service is a hosting site
type Service interface {
	ID() string
	// Domains lists the hosts whose links the service owns
	Domains() []string
}

// UploadService hands out uploaders
type UploadService interface {
	Service
	UploadCapabilities() capability.Matrix[UploaderCapability]
	// MaxUploadSize is the largest accepted file, 0 if unbounded
	MaxUploadSize() int64
	Uploader(filename string, length int64, description string) (Uploader, error)
}

// Uploader starts one upload. Open returns a channel the caller writes
// the payload into; closing it yields the download link.
type Uploader interface {
	Open(ctx context.Context) (*channel.LinkedChannel, error)
}

// DownloadService hands out downloaders for links it owns
type DownloadService interface {
	Service
	DownloadCapabilities() capability.Matrix[DownloaderCapability]
	Downloader(link string) (Downloader, error)
}

// Download is an open download stream
type Download struct {
	Body     io.ReadCloser
	Filename string
	// URL is the direct link Body is read from
	URL string
	// Length of Body, or -1 when unknown
	Length int64
	// Offset is where Body starts in the file
	Offset int64
}

// Downloader opens one link, optionally resuming at position
type Downloader interface {
	Open(ctx context.Context, position int64) (*Download, error)
}

// AuthenticationService hands out authenticators
type AuthenticationService interface {
	Service
	AuthenticationCapabilities() capability.Matrix[AuthenticatorCapability]
	Authenticator(creds internal.Credentials) Authenticator
}

// Authenticator logs a service session in and out
type Authenticator interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
}

// Registry holds the configured services
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds svc; IDs are unique
func (r *Registry) Register(svc Service) error {
	if svc == nil || svc.ID() == "" {
		return internal.NewValidationError("service", "service must have an ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[svc.ID()]; ok {
		return internal.NewValidationErrorWithValue("service", "service is already registered", svc.ID())
	}
	r.services[svc.ID()] = svc
	return nil
}

// Get looks a service up by ID
func (r *Registry) Get(id string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[id]
	return svc, ok
}

// All returns the services sorted by ID
func (r *Registry) All() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ForLink returns the download service owning link
func (r *Registry) ForLink(link string) (DownloadService, error) {
	info, err := utils.ParseLink(link)
	if err != nil {
		return nil, err
	}

	for _, svc := range r.All() {
		ds, ok := svc.(DownloadService)
		if ok && info.MatchesAny(svc.Domains()) {
			return ds, nil
		}
	}
	return nil, internal.NewHostError(0, "no service handles this link", internal.ErrUnsupportedCapability).
		WithURL(link).
		WithSuggestion("Add the site to the services file")
}

// Uploaders returns the upload services that support every capability in required
func (r *Registry) Uploaders(required ...UploaderCapability) []UploadService {
	var out []UploadService
	for _, svc := range r.All() {
		us, ok := svc.(UploadService)
		if ok && us.UploadCapabilities().HasAll(required...) {
			out = append(out, us)
		}
	}
	return out
}

// Uploader returns the upload service with the given ID
func (r *Registry) Uploader(id string) (UploadService, error) {
	svc, ok := r.Get(id)
	if !ok {
		return nil, internal.NewValidationErrorWithValue("service", "unknown service", id)
	}
	us, ok := svc.(UploadService)
	if !ok {
		return nil, internal.NewHostError(0, "service does not accept uploads", internal.ErrUnsupportedCapability).
			WithService(id)
	}
	return us, nil
}

package broadcast

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// Factory creates broadcast backends from URI strings and aggregates
// multi-backend configurations for redundant delivery.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a broadcaster factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// BroadcasterFor creates a backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem delivery
//   - http:// / https:// - Observer webhook
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS distributed delivery
func (f *Factory) BroadcasterFor(locationURI string) (interfaces.Broadcaster, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid broadcast URI %q: %w", locationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileBroadcaster(u)
	case "http", "https":
		return f.createHTTPBroadcaster(u)
	case "s3":
		return f.createS3Broadcaster(u)
	case "ipfs":
		return f.createIPFSBroadcaster(u)
	default:
		return nil, fmt.Errorf("unsupported broadcast scheme: %s", u.Scheme)
	}
}

// CreateMultiBroadcaster creates an aggregate from a list of location URIs,
// skipping URIs that fail to construct. At least one backend must succeed.
func (f *Factory) CreateMultiBroadcaster(locationURIs []string) (interfaces.Broadcaster, error) {
	backends := make([]interfaces.Broadcaster, 0, len(locationURIs))
	for _, uri := range locationURIs {
		backend, err := f.BroadcasterFor(uri)
		if err != nil {
			f.log.Warn("Failed to create broadcast backend",
				"err", err,
				slog.String("locationURI", uri))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid broadcast backends created")
	}
	return NewMultiBroadcaster(backends, f.log), nil
}

func (f *Factory) createFileBroadcaster(u *url.URL) (interfaces.Broadcaster, error) {
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", u.String())
	}
	return NewFileBroadcaster(path, f.log)
}

func (f *Factory) createHTTPBroadcaster(u *url.URL) (interfaces.Broadcaster, error) {
	timeout := 10 * time.Second
	if t := u.Query().Get("timeout"); t != "" {
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout in URI %s: %w", u.String(), err)
		}
		timeout = parsed
	}

	endpoint := *u
	endpoint.RawQuery = ""
	return NewHTTPBroadcaster(strings.TrimSuffix(endpoint.String(), "/"), timeout, f.log), nil
}

func (f *Factory) createS3Broadcaster(u *url.URL) (interfaces.Broadcaster, error) {
	bucketName := u.Host
	prefix := strings.TrimPrefix(u.Path, "/")

	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := query.Get("endpoint")

	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}

	return NewS3Broadcaster(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

func (f *Factory) createIPFSBroadcaster(u *url.URL) (interfaces.Broadcaster, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001"
	}
	return NewIPFSBroadcaster(host, port, f.log), nil
}

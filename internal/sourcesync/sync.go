// Package sourcesync ingests video files from Dropbox: it lists the remote
// tree with cursor pagination, skips files it already has, downloads the
// new ones into the media store and records them as source assets.
package sourcesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/djlord-it/opsflow/internal/blueprint"
	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/observability"
	"github.com/djlord-it/opsflow/internal/retry"
	"github.com/djlord-it/opsflow/internal/sourcesync/credentials"
	"github.com/djlord-it/opsflow/internal/sourcesync/dropbox"
	"github.com/djlord-it/opsflow/internal/store"
)

var (
	// ErrRemoteUnavailable means the listing could not be completed. Nothing
	// was written; the whole sync is worth retrying later.
	ErrRemoteUnavailable = errors.New("remote source unavailable")

	// ErrRemoteRejected means Dropbox refused the request itself, e.g. a
	// wrong root path or revoked credentials. Retrying will not help.
	ErrRemoteRejected = errors.New("remote source rejected the request")

	// ErrNotConfigured means credentials or the remote path are missing.
	ErrNotConfigured = errors.New("source sync is not configured")
)

// Remote is the subset of the Dropbox client used by Sync.
type Remote interface {
	ListFolder(ctx context.Context, path string, recursive bool) (dropbox.ListFolderResult, error)
	ListFolderContinue(ctx context.Context, cursor string) (dropbox.ListFolderResult, error)
	GetTemporaryLink(ctx context.Context, path string) (string, error)
	Download(ctx context.Context, link string) (io.ReadCloser, error)
}

// RemoteProvider hands out an authorized Remote per sync.
type RemoteProvider interface {
	Remote(ctx context.Context) (Remote, error)
}

// RemoteProviderFunc adapts a function to RemoteProvider.
type RemoteProviderFunc func(ctx context.Context) (Remote, error)

func (f RemoteProviderFunc) Remote(ctx context.Context) (Remote, error) {
	return f(ctx)
}

// TokenInvalidator is implemented by providers that can drop an access
// token Dropbox no longer accepts.
type TokenInvalidator interface {
	Invalidate()
}

type tokenCacheProvider struct {
	cache *credentials.TokenCache
}

// FromTokenCache builds clients from a credentials.TokenCache. The provider
// also implements TokenInvalidator.
func FromTokenCache(cache *credentials.TokenCache) RemoteProvider {
	return &tokenCacheProvider{cache: cache}
}

func (p *tokenCacheProvider) Remote(ctx context.Context) (Remote, error) {
	c, err := p.cache.Client(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *tokenCacheProvider) Invalidate() {
	p.cache.Invalidate()
}

type AssetStore interface {
	GetAssetByExternalID(ctx context.Context, externalID string) (domain.SourceAsset, error)
	UpsertAsset(ctx context.Context, asset domain.SourceAsset) (domain.SourceAsset, error)
}

type MediaStore interface {
	Save(ctx context.Context, key string, r io.Reader) (string, error)
}

// EventEmitter receives best-effort side-channel events.
type EventEmitter interface {
	Emit(ctx context.Context, event domain.Event) error
}

// MetricsSink records sync metrics. Implementations must not block.
type MetricsSink interface {
	SyncCompleted(newItems, failedItems int, duration time.Duration)
	SyncListingFailed()
}

type Config struct {
	PageAttempts     int
	PageRetryDelay   time.Duration
	DownloadAttempts int
	DownloadDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageAttempts < 1 {
		c.PageAttempts = 3
	}
	if c.PageRetryDelay <= 0 {
		c.PageRetryDelay = 2 * time.Second
	}
	if c.DownloadAttempts < 1 {
		c.DownloadAttempts = 3
	}
	if c.DownloadDelay <= 0 {
		c.DownloadDelay = 2 * time.Second
	}
	return c
}

// ItemOutcome is what happened to one newly discovered file.
type ItemOutcome struct {
	AssetID    int64
	ExternalID string
	FileName   string
	Group      string
	Period     string
	LocalPath  string
	Status     domain.AssetStatus
	Error      string
}

type Result struct {
	// NewItemCount is the number of files downloaded by this sync.
	NewItemCount int
	FailedCount  int
	Items        []ItemOutcome
}

// Summary is the human-readable outcome stored on the automation record.
func (r Result) Summary() string {
	s := fmt.Sprintf("Synced %d new item(s)", r.NewItemCount)
	if r.FailedCount > 0 {
		s += fmt.Sprintf(", %d failed", r.FailedCount)
	}
	return s
}

type Syncer struct {
	provider RemoteProvider
	assets   AssetStore
	media    MediaStore
	cfg      Config
	events   EventEmitter // optional, nil = disabled
	metrics  MetricsSink  // optional, nil = disabled
	now      func() time.Time
}

func New(provider RemoteProvider, assets AssetStore, media MediaStore, cfg Config) *Syncer {
	return &Syncer{
		provider: provider,
		assets:   assets,
		media:    media,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithEvents attaches the side-channel event emitter.
func (s *Syncer) WithEvents(e EventEmitter) *Syncer {
	s.events = e
	return s
}

// WithMetrics attaches a metrics sink to the syncer.
func (s *Syncer) WithMetrics(sink MetricsSink) *Syncer {
	s.metrics = sink
	return s
}

// pendingItem is a file queued for download during listing.
type pendingItem struct {
	entry  dropbox.Entry
	group  string
	period string
}

// Sync ingests new video files under remotePath.
//
// Listing failures abort before anything is written. They wrap
// ErrRemoteRejected when Dropbox refused the request and
// ErrRemoteUnavailable otherwise. A 401 on listing drops the cached token
// and lists once more. Download failures are isolated: the item is marked
// failed and the batch continues.
func (s *Syncer) Sync(ctx context.Context, remotePath string) (result Result, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "sourcesync.sync", attribute.String("remote.path", remotePath))
	defer func() {
		span.SetAttributes(
			attribute.Int("sync.new_items", result.NewItemCount),
			attribute.Int("sync.failed_items", result.FailedCount),
		)
		observability.EndSpan(span, err)
	}()

	remote, err := s.remote(ctx)
	if err != nil {
		return Result{}, err
	}

	queue, err := s.list(ctx, remote, remotePath)
	if inv, ok := s.provider.(TokenInvalidator); ok && isUnauthorized(err) {
		log.Printf("sourcesync: access token rejected, refreshing path=%s", remotePath)
		inv.Invalidate()
		if remote, err = s.remote(ctx); err != nil {
			return Result{}, err
		}
		queue, err = s.list(ctx, remote, remotePath)
	}
	if err != nil {
		if errors.Is(err, ErrRemoteRejected) || errors.Is(err, ErrRemoteUnavailable) {
			s.listingFailed()
		}
		return Result{}, err
	}

	log.Printf("sourcesync: listed path=%s new=%d", remotePath, len(queue))

	// Placeholders first, so an interrupted batch is picked up again by the
	// next sync.
	placeholders := make([]domain.SourceAsset, 0, len(queue))
	for _, item := range queue {
		asset, err := s.assets.UpsertAsset(ctx, domain.SourceAsset{
			ExternalID: item.entry.ID,
			Group:      item.group,
			Period:     item.period,
			RemotePath: item.entry.PathDisplay,
			FileName:   sanitizeFileName(item.entry.Name),
			Status:     domain.AssetStatusPending,
			UpdatedAt:  s.now(),
		})
		if err != nil {
			return Result{}, fmt.Errorf("record pending asset %s: %w", item.entry.ID, err)
		}
		placeholders = append(placeholders, asset)
	}

	for _, asset := range placeholders {
		outcome := s.download(ctx, remote, asset)
		result.Items = append(result.Items, outcome)
		if outcome.Status == domain.AssetStatusDownloaded {
			result.NewItemCount++
		} else {
			result.FailedCount++
		}
	}

	if result.NewItemCount > 0 {
		s.emit(ctx, domain.Event{
			Kind:  domain.EventNotification,
			Title: "New content available",
			Body:  fmt.Sprintf("%d new video(s) ingested from Dropbox", result.NewItemCount),
		})
	}

	if s.metrics != nil {
		s.metrics.SyncCompleted(result.NewItemCount, result.FailedCount, time.Since(start))
	}
	log.Printf("sourcesync: done path=%s new=%d failed=%d duration=%s",
		remotePath, result.NewItemCount, result.FailedCount, time.Since(start))
	return result, nil
}

// list pages through the remote tree and returns the files to download.
func (s *Syncer) list(ctx context.Context, remote Remote, remotePath string) ([]pendingItem, error) {
	var queue []pendingItem
	seen := make(map[string]bool)

	var page dropbox.ListFolderResult
	first := true
	for first || page.HasMore {
		cursor := page.Cursor
		err := retry.Bounded(ctx, s.cfg.PageAttempts, s.cfg.PageRetryDelay, func(ctx context.Context) error {
			var err error
			if first {
				page, err = remote.ListFolder(ctx, remotePath, true)
			} else {
				page, err = remote.ListFolderContinue(ctx, cursor)
			}
			if err != nil {
				log.Printf("sourcesync: list page failed path=%s err=%v", remotePath, err)
			}
			return stopOnAPIError(err)
		})
		if err != nil {
			var apiErr *dropbox.APIError
			if errors.As(err, &apiErr) {
				return nil, fmt.Errorf("%w: list %s: %w", ErrRemoteRejected, remotePath, err)
			}
			return nil, fmt.Errorf("%w: list %s: %w", ErrRemoteUnavailable, remotePath, err)
		}
		first = false

		for _, entry := range page.Entries {
			if !entry.IsFile() || !IsVideo(entry.Name) {
				continue
			}
			if entry.ID == "" || seen[entry.ID] {
				continue
			}
			seen[entry.ID] = true

			known, err := s.isKnown(ctx, entry.ID)
			if err != nil {
				return nil, err
			}
			if known {
				continue
			}

			group, period := DeriveGroupPeriod(remotePath, entry.PathDisplay)
			queue = append(queue, pendingItem{entry: entry, group: group, period: period})
		}
	}
	return queue, nil
}

// remote obtains an authorized client and classifies provider failures.
func (s *Syncer) remote(ctx context.Context) (Remote, error) {
	remote, err := s.provider.Remote(ctx)
	if err == nil {
		return remote, nil
	}
	if errors.Is(err, credentials.ErrMissingCredentials) {
		return nil, fmt.Errorf("%w: %w", ErrNotConfigured, err)
	}
	s.listingFailed()
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %w", ErrRemoteRejected, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
}

// stopOnAPIError stops bounded retries on Dropbox API errors.
func stopOnAPIError(err error) error {
	var apiErr *dropbox.APIError
	if errors.As(err, &apiErr) {
		return retry.Permanent(err)
	}
	return err
}

func isUnauthorized(err error) bool {
	var apiErr *dropbox.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// isKnown reports whether the asset exists and needs no further work.
// A pending asset is an interrupted earlier download and is retried.
func (s *Syncer) isKnown(ctx context.Context, externalID string) (bool, error) {
	existing, err := s.assets.GetAssetByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up asset %s: %w", externalID, err)
	}
	return existing.Status != domain.AssetStatusPending, nil
}

func (s *Syncer) download(ctx context.Context, remote Remote, asset domain.SourceAsset) ItemOutcome {
	outcome := ItemOutcome{
		AssetID:    asset.ID,
		ExternalID: asset.ExternalID,
		FileName:   asset.FileName,
		Group:      asset.Group,
		Period:     asset.Period,
	}

	key := mediaKey(asset.Group, asset.Period, asset.FileName)
	var localPath string
	err := retry.Bounded(ctx, s.cfg.DownloadAttempts, s.cfg.DownloadDelay, func(ctx context.Context) error {
		link, err := remote.GetTemporaryLink(ctx, asset.RemotePath)
		if err != nil {
			return stopOnAPIError(err)
		}
		body, err := remote.Download(ctx, link)
		if err != nil {
			return stopOnAPIError(err)
		}
		defer body.Close()
		localPath, err = s.media.Save(ctx, key, body)
		return err
	})

	if err != nil {
		log.Printf("sourcesync: download failed id=%s path=%s err=%v", asset.ExternalID, asset.RemotePath, err)
		asset.Status = domain.AssetStatusFailed
		asset.UpdatedAt = s.now()
		if _, uerr := s.assets.UpsertAsset(ctx, asset); uerr != nil {
			log.Printf("sourcesync: mark failed id=%s err=%v", asset.ExternalID, uerr)
		}
		outcome.Status = domain.AssetStatusFailed
		outcome.Error = err.Error()
		return outcome
	}

	asset.Status = domain.AssetStatusDownloaded
	asset.LocalPath = localPath
	asset.UpdatedAt = s.now()
	saved, err := s.assets.UpsertAsset(ctx, asset)
	if err != nil {
		log.Printf("sourcesync: record downloaded id=%s err=%v", asset.ExternalID, err)
		outcome.Status = domain.AssetStatusFailed
		outcome.Error = err.Error()
		return outcome
	}

	outcome.Status = domain.AssetStatusDownloaded
	outcome.LocalPath = localPath
	s.emit(ctx, domain.Event{Kind: domain.EventAssetIngested, AssetID: saved.ID})
	return outcome
}

func (s *Syncer) listingFailed() {
	if s.metrics != nil {
		s.metrics.SyncListingFailed()
	}
}

func (s *Syncer) emit(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	event.AutomationCode = blueprint.CodeDropboxSync
	event.OccurredAt = s.now()
	if err := s.events.Emit(ctx, event); err != nil {
		log.Printf("sourcesync: event dropped kind=%s err=%v", event.Kind, err)
	}
}

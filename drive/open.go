package drive

import (
	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/thunderspear/thunderspear/catalog"
	"github.com/thunderspear/thunderspear/config"
	"github.com/thunderspear/thunderspear/download"
	"github.com/thunderspear/thunderspear/remote"
	"github.com/thunderspear/thunderspear/uploader"
)

// channelOverride serves a configured channel in place of the stored one.
type channelOverride struct {
	*catalog.Catalog
	channel string
}

func (c channelOverride) Channel() string {
	if c.channel != "" {
		return c.channel
	}
	return c.Catalog.Channel()
}

// Open loads the catalog named by cfg and wires the remote client, the upload queue and
// the downloader around it. Token and channel from cfg take precedence over the stored ones.
func Open(cfg config.Config, sink uploader.EventSink, logger log.Logger) (*Service, error) {
	cat, err := catalog.Open(catalog.NewFileStore(cfg.CatalogPath, fileutil.NewFileManager()), logger)
	if err != nil {
		return nil, err
	}

	token, channel := cat.Credentials()
	if cfg.Token != "" {
		token = string(cfg.Token)
	}
	if cfg.Channel != "" {
		channel = cfg.Channel
	}
	view := channelOverride{Catalog: cat, channel: channel}

	uploaderConfig := uploader.DefaultConfig()
	uploaderConfig.MaxRateLimitWait = cfg.MaxRateLimitWait

	client := remote.NewAPIClient(cfg.APIBaseURL, token, logger).WithLayout(uploaderConfig.Layout)
	orchestrator := uploader.New(client, view, sink, logger, uploaderConfig)

	downloadConfig := download.DefaultConfig()
	downloadConfig.NumRetries = cfg.Download.Retries
	downloadConfig.RetryWait = cfg.Download.RetryWait
	downloadConfig.MaxRateLimitWait = cfg.MaxRateLimitWait
	downloader := download.New(client, remote.NewRetryableClient(logger).StandardClient(), view, logger, downloadConfig)

	service := NewService(cat, orchestrator, downloader, logger)
	service.token, service.channel = token, channel
	return service, nil
}

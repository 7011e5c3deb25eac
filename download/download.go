package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/types"
	"github.com/projecteru2/vmcpd/utils"
	"github.com/projecteru2/vmcpd/version"
)

// MaxTextBody caps DownloadText responses; VMCP documents and trust bundles
// are small.
const MaxTextBody = 1 << 20

// Downloader fetches remote resources for the agent.
// Failures are *types.Error with CodeIOError.
type Downloader interface {
	DownloadText(ctx context.Context, url string) (string, error)
	DownloadFile(ctx context.Context, url, path string) error
}

// compile-time interface check.
var _ Downloader = (*HTTP)(nil)

// HTTP is a Downloader over resty with a retrying transport.
type HTTP struct {
	client *resty.Client
}

// New creates an HTTP downloader from conf.
func New(conf *config.Config) *HTTP {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = conf.DownloadRetries
	retryClient.RetryWaitMin = 500 * time.Millisecond //nolint:mnd
	retryClient.RetryWaitMax = 5 * time.Second        //nolint:mnd
	retryClient.Logger = nil

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetTimeout(conf.DownloadTimeout).
		SetHeader("User-Agent", "vmcpd/"+version.Version)
	return &HTTP{client: client}
}

// DownloadText fetches url and returns the body as a string. Bodies larger
// than MaxTextBody fail with CodeIOError.
func (h *HTTP) DownloadText(ctx context.Context, url string) (string, error) {
	logger := log.WithFunc("download.DownloadText")
	resp, err := h.client.R().SetContext(ctx).SetResponseBodyLimit(MaxTextBody).Get(url)
	if errors.Is(err, resty.ErrResponseBodyTooLarge) {
		logger.Warnf(ctx, "fetch %s: body exceeds %d bytes", url, MaxTextBody)
	}
	if err != nil {
		return "", types.WrapError(types.CodeIOError, "fetch "+url, err)
	}
	if resp.IsError() {
		logger.Warnf(ctx, "fetch %s: HTTP %d", url, resp.StatusCode())
		return "", types.NewError(types.CodeIOError, fmt.Sprintf("fetch %s: HTTP %d", url, resp.StatusCode()))
	}
	return resp.String(), nil
}

// DownloadFile streams url into path. The body lands in a sibling temp file
// first so a failed transfer never leaves a truncated file at path.
func (h *HTTP) DownloadFile(ctx context.Context, url, path string) error {
	logger := log.WithFunc("download.DownloadFile")
	if err := utils.EnsureDirs(filepath.Dir(path)); err != nil {
		return types.WrapError(types.CodeIOError, "prepare "+path, err)
	}
	part := path + ".part"
	resp, err := h.client.R().SetContext(ctx).SetOutput(part).Get(url)
	if err != nil {
		_ = os.Remove(part)
		return types.WrapError(types.CodeIOError, "fetch "+url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		_ = os.Remove(part)
		return types.NewError(types.CodeIOError, fmt.Sprintf("fetch %s: HTTP %d", url, resp.StatusCode()))
	}
	if err := os.Rename(part, path); err != nil {
		_ = os.Remove(part)
		return types.WrapError(types.CodeIOError, "store "+path, err)
	}
	logger.Infof(ctx, "downloaded %s to %s (%d bytes)", url, path, resp.Size())
	return nil
}

package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultUploadHTTPClient creates an HTTP client tuned for streaming pieces.
func DefaultUploadHTTPClient() *http.Client {
	return &http.Client{
		// No timeout, a 25 MiB piece may take long on a slow link; requests are bound by ctx.
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// NewRetryableClient returns the client used for the JSON API calls.
// Rate limits are not retried here: the upload pipeline waits the server-specified delay itself.
func NewRetryableClient(logger log.Logger) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	client.CheckRetry = createCheckRetry(logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

func createCheckRetry(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}

		retry, checkErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, checkErr, err)
		return retry, checkErr
	}
}

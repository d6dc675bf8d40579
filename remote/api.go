package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/thunderspear/thunderspear/slicer"
)

const defaultRetryAfter = time.Second

type negotiateFile struct {
	FileSize int64  `json:"file_size"`
	Filename string `json:"filename"`
	ID       string `json:"id"`
	IsClip   bool   `json:"is_clip"`
}

type negotiateRequest struct {
	Files []negotiateFile `json:"files"`
}

type negotiateResponse struct {
	Attachments []UploadSlot `json:"attachments"`
}

type finalizeAttachment struct {
	Filename         string `json:"filename"`
	UploadedFilename string `json:"uploaded_filename"`
	ID               string `json:"id"`
}

type finalizeRequest struct {
	Attachments []finalizeAttachment `json:"attachments"`
	ChannelID   string               `json:"channel_id"`
	Content     string               `json:"content"`
	Type        int                  `json:"type"`
	StickerIDs  []string             `json:"sticker_ids"`
}

type rateLimitResponse struct {
	RetryAfter float64 `json:"retry_after"`
}

// APIClient is the HTTP implementation of Client.
type APIClient struct {
	httpClient   *retryablehttp.Client
	uploadClient *http.Client
	baseURL      string
	token        string
	layout       slicer.Layout
	logger       log.Logger
}

// NewAPIClient creates a client for the platform API at baseURL authenticated with token.
func NewAPIClient(baseURL, token string, logger log.Logger) *APIClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &APIClient{
		httpClient:   NewRetryableClient(logger),
		uploadClient: DefaultUploadHTTPClient(),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		token:        token,
		layout:       slicer.DefaultLayout(),
		logger:       logger,
	}
}

// WithLayout sets the sizing used to name pieces. Only needed for non-default layouts.
func (c *APIClient) WithLayout(layout slicer.Layout) *APIClient {
	c.layout = layout
	return c
}

// NegotiateUploadSlots ...
func (c *APIClient) NegotiateUploadSlots(ctx context.Context, channel string, segmentIndex int, pieceSizes []int64) ([]UploadSlot, error) {
	url := fmt.Sprintf("%s/channels/%s/attachments", c.baseURL, channel)

	files := make([]negotiateFile, 0, len(pieceSizes))
	for i, size := range pieceSizes {
		files = append(files, negotiateFile{
			FileSize: size,
			Filename: strconv.Itoa(c.layout.PieceName(segmentIndex, i)),
			ID:       "0",
			IsClip:   false,
		})
	}

	var response negotiateResponse
	if err := c.postJSON(ctx, url, negotiateRequest{Files: files}, &response); err != nil {
		return nil, err
	}

	if len(response.Attachments) != len(pieceSizes) {
		return nil, fmt.Errorf("slot count mismatch: requested %d, got %d", len(pieceSizes), len(response.Attachments))
	}

	return response.Attachments, nil
}

// PutPiece ...
func (c *APIClient) PutPiece(ctx context.Context, slot UploadSlot, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.UploadURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", c.token)
	req.ContentLength = size

	dump, err := httputil.DumpRequest(req, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("Piece request dump: %s", string(dump))

	resp, err := c.uploadClient.Do(req)
	if err != nil {
		return fmt.Errorf("put piece %s: %w", slot.UploadFilename, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	return nil
}

// FinalizeSegment ...
func (c *APIClient) FinalizeSegment(ctx context.Context, channel string, slots []UploadSlot, segmentIndex int) (string, error) {
	url := fmt.Sprintf("%s/channels/%s/messages", c.baseURL, channel)

	attachments := make([]finalizeAttachment, 0, len(slots))
	for i, slot := range slots {
		attachments = append(attachments, finalizeAttachment{
			Filename:         strconv.Itoa(c.layout.PieceName(segmentIndex, i)),
			UploadedFilename: slot.UploadFilename,
			ID:               strconv.Itoa(i),
		})
	}

	request := finalizeRequest{
		Attachments: attachments,
		ChannelID:   channel,
		Content:     "",
		Type:        0,
		StickerIDs:  []string{},
	}

	var message Message
	if err := c.postJSON(ctx, url, request, &message); err != nil {
		return "", err
	}

	if message.ID == "" {
		return "", fmt.Errorf("no message ID in response")
	}

	return message.ID, nil
}

// FetchSegment ...
func (c *APIClient) FetchSegment(ctx context.Context, channel, messageID string) (Message, error) {
	url := fmt.Sprintf("%s/channels/%s/messages/%s", c.baseURL, channel, messageID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Message{}, err
	}
	req.Header.Set("Authorization", c.token)

	var message Message
	if err := c.do(req, &message); err != nil {
		return Message{}, err
	}

	return message, nil
}

func (c *APIClient) postJSON(ctx context.Context, url string, requestBody, response interface{}) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, response)
}

func (c *APIClient) do(req *retryablehttp.Request, response interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(response)
	case http.StatusTooManyRequests:
		return rateLimitError(resp)
	default:
		return unwrapError(resp)
	}
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf(err.Error())
	}
}

func rateLimitError(resp *http.Response) error {
	retryAfter := defaultRetryAfter

	var rateLimit rateLimitResponse
	if err := json.NewDecoder(resp.Body).Decode(&rateLimit); err == nil && rateLimit.RetryAfter > 0 {
		retryAfter = time.Duration(rateLimit.RetryAfter * float64(time.Second))
	} else if seconds, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil {
		retryAfter = time.Duration(seconds * float64(time.Second))
	}

	return &RateLimitedError{RetryAfter: retryAfter}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return &UnexpectedResponseError{StatusCode: resp.StatusCode, Body: string(errorResp)}
}

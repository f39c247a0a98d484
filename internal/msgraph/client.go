package msgraph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	maxRetries     = 8
	maxBackoff     = 120 // Max backoff in seconds
	listPageSize   = 100
)

// ErrFolderNotFound indicates the configured mail folder does not exist in
// the mailbox. This is a deployment mistake, not a transient condition.
var ErrFolderNotFound = errors.New("mail folder not found")

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// Client implements the Graph mailbox API interface.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	baseURL    string
	mailbox    string // user principal name of the mailbox
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the request rate in queries per second.
func WithRateLimit(qps float64) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(qps), int(qps)+1)
	}
}

// WithBaseURL overrides the Graph endpoint, used by tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = u
	}
}

// NewClient creates a new Graph mail client for the given mailbox.
func NewClient(tokenSource oauth2.TokenSource, mailbox string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: oauth2.NewClient(context.Background(), tokenSource),
		limiter:    rate.NewLimiter(5, 6),
		logger:     slog.Default(),
		baseURL:    defaultBaseURL,
		mailbox:    mailbox,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// request makes an HTTP request with rate limiting and retry logic.
// fullURL may be absolute (Graph nextLink values are); otherwise path is
// resolved against the base URL. bodyBytes can be nil.
func (c *Client) request(ctx context.Context, method, path string, bodyBytes []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	reqURL := path
	if len(path) == 0 || path[0] == '/' {
		reqURL = c.baseURL + path
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "path", path)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		// New reader per attempt so the body can be re-read on retry
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if tokErr := ClassifyTokenError(err); errors.Is(tokErr, ErrAuthFailed) || errors.Is(tokErr, ErrServiceUnavailable) {
				return nil, tokErr
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue // Retry on network errors
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return respBody, nil
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			c.logger.Debug("throttled by graph", "path", path, "attempt", attempt)
			lastErr = fmt.Errorf("rate limited (429)")
			continue

		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue

		case http.StatusUnauthorized:
			return nil, fmt.Errorf("unauthorized (401): token may be invalid")

		case http.StatusNotFound:
			return nil, &NotFoundError{Path: path}

		default: // Other client errors - don't retry
			return nil, fmt.Errorf("request failed (%d): %s", resp.StatusCode, firstBytes(respBody, 300))
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// calculateBackoff returns the backoff duration for a retry attempt.
// Uses exponential backoff with full jitter.
func calculateBackoff(attempt int) time.Duration {
	base := float64(uint(1) << uint(attempt))
	if base > maxBackoff {
		base = maxBackoff
	}
	jittered := rand.Float64() * base
	return time.Duration(jittered * float64(time.Second))
}

// Graph API JSON response types (unexported, used only for JSON unmarshaling).

type graphFolder struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type listFoldersResponse struct {
	Value    []graphFolder `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

type graphMessage struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	ReceivedDateTime string `json:"receivedDateTime"`
	HasAttachments   bool   `json:"hasAttachments"`
}

type listMessagesResponse struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

type graphAttachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type listAttachmentsResponse struct {
	Value []graphAttachment `json:"value"`
}

// FindFolder resolves a mail folder display name to its ID, paging through
// the mailbox's folder list. Absence of the folder is ErrFolderNotFound.
func (c *Client) FindFolder(ctx context.Context, name string) (string, error) {
	path := fmt.Sprintf("/users/%s/mailFolders?$top=50&$select=id,displayName", url.PathEscape(c.mailbox))
	for path != "" {
		data, err := c.request(ctx, "GET", path, nil)
		if err != nil {
			return "", err
		}

		var resp listFoldersResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return "", fmt.Errorf("parse folders: %w", err)
		}

		for _, f := range resp.Value {
			if f.DisplayName == name {
				return f.ID, nil
			}
		}
		path = resp.NextLink
	}
	return "", fmt.Errorf("%w: %q in mailbox %s", ErrFolderNotFound, name, c.mailbox)
}

// ListMessages returns one page of the folder's messages ordered newest
// first. Pass the previous page's NextLink to continue.
func (c *Client) ListMessages(ctx context.Context, folderID string, nextLink string) (*MessagePage, error) {
	path := nextLink
	if path == "" {
		params := url.Values{}
		params.Set("$top", fmt.Sprintf("%d", listPageSize))
		params.Set("$orderby", "receivedDateTime desc")
		params.Set("$select", "id,subject,receivedDateTime,hasAttachments")
		path = fmt.Sprintf("/users/%s/mailFolders/%s/messages?%s",
			url.PathEscape(c.mailbox), url.PathEscape(folderID), params.Encode())
	}

	data, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp listMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}

	page := &MessagePage{NextLink: resp.NextLink}
	for _, m := range resp.Value {
		received, _ := time.Parse(time.RFC3339, m.ReceivedDateTime)
		page.Messages = append(page.Messages, Message{
			ID:             m.ID,
			Subject:        m.Subject,
			ReceivedAt:     received,
			HasAttachments: m.HasAttachments,
		})
	}
	return page, nil
}

// ListAttachments returns attachment metadata for a message without content.
func (c *Client) ListAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	path := fmt.Sprintf("/users/%s/messages/%s/attachments?$select=id,name,size",
		url.PathEscape(c.mailbox), url.PathEscape(messageID))
	data, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp listAttachmentsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse attachments: %w", err)
	}

	attachments := make([]Attachment, len(resp.Value))
	for i, a := range resp.Value {
		attachments[i] = Attachment(a)
	}
	return attachments, nil
}

// DownloadAttachment fetches the raw bytes of an attachment via the $value
// endpoint, which streams content instead of wrapping it in JSON.
func (c *Client) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	path := fmt.Sprintf("/users/%s/messages/%s/attachments/%s/$value",
		url.PathEscape(c.mailbox), url.PathEscape(messageID), url.PathEscape(attachmentID))
	return c.request(ctx, "GET", path, nil)
}

// DeleteMessage permanently deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s", url.PathEscape(c.mailbox), url.PathEscape(messageID))
	_, err := c.request(ctx, "DELETE", path, nil)
	return err
}

// SendMail sends an HTML email through the mailbox, attachments inline as
// base64 fileAttachment items.
func (c *Client) SendMail(ctx context.Context, msg *OutgoingMail) error {
	type emailAddress struct {
		Address string `json:"address"`
	}
	type recipient struct {
		EmailAddress emailAddress `json:"emailAddress"`
	}
	type mailBody struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	}
	type fileAttachment struct {
		ODataType    string `json:"@odata.type"`
		Name         string `json:"name"`
		ContentType  string `json:"contentType"`
		ContentBytes string `json:"contentBytes"`
	}
	type message struct {
		Subject      string           `json:"subject"`
		Body         mailBody         `json:"body"`
		ToRecipients []recipient      `json:"toRecipients"`
		Attachments  []fileAttachment `json:"attachments,omitempty"`
	}

	m := message{
		Subject: msg.Subject,
		Body:    mailBody{ContentType: "html", Content: msg.HTMLBody},
	}
	for _, to := range msg.To {
		m.ToRecipients = append(m.ToRecipients, recipient{EmailAddress: emailAddress{Address: to}})
	}
	for _, att := range msg.Attachments {
		m.Attachments = append(m.Attachments, fileAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Name,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	body := struct {
		Message         message `json:"message"`
		SaveToSentItems bool    `json:"saveToSentItems"`
	}{Message: m, SaveToSentItems: false}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}

	path := fmt.Sprintf("/users/%s/sendMail", url.PathEscape(c.mailbox))
	_, err = c.request(ctx, "POST", path, bodyBytes)
	return err
}

// Ensure Client implements API interface.
var _ API = (*Client)(nil)

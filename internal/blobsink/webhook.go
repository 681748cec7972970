package blobsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

const maxErrorBodyBytes = 512

var errMissingWebhookURL = errors.New("blobsink: webhook url is required")

// WebhookConfig describes a chat-platform webhook used as a write-only upload target.
type WebhookConfig struct {
	Name       string
	URL        string
	HTTPClient *http.Client
}

// WebhookEndpoint posts blobs as message attachments and returns the attachment URL.
type WebhookEndpoint struct {
	name       string
	executeURL string
	httpClient *http.Client
}

// NewWebhookEndpoint validates the webhook URL and returns an endpoint.
func NewWebhookEndpoint(cfg WebhookConfig) (*WebhookEndpoint, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil, errMissingWebhookURL
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("blobsink: invalid webhook url")
	}
	query := parsed.Query()
	query.Set("wait", "true")
	parsed.RawQuery = query.Encode()

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "webhook:" + parsed.Host
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebhookEndpoint{
		name:       name,
		executeURL: parsed.String(),
		httpClient: httpClient,
	}, nil
}

// Name identifies the endpoint in logs without exposing the webhook token.
func (endpoint *WebhookEndpoint) Name() string {
	return endpoint.name
}

type webhookPayload struct {
	Content string `json:"content,omitempty"`
}

type webhookMessage struct {
	Attachments []struct {
		URL string `json:"url"`
	} `json:"attachments"`
}

// Upload executes the webhook with the blob attached.
func (endpoint *WebhookEndpoint) Upload(ctx context.Context, blob Blob) (string, error) {
	body, contentType, err := encodeWebhookBody(blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.executeURL, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	request.Header.Set("Content-Type", contentType)

	response, err := endpoint.httpClient.Do(request)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		return "", fmt.Errorf("%w: webhook returned status %d: %s", ErrUploadFailed, response.StatusCode, strings.TrimSpace(string(detail)))
	}

	var message webhookMessage
	if err := json.NewDecoder(response.Body).Decode(&message); err != nil {
		return "", fmt.Errorf("%w: decode webhook response: %v", ErrUploadFailed, err)
	}
	if len(message.Attachments) == 0 || message.Attachments[0].URL == "" {
		return "", fmt.Errorf("%w: webhook response has no attachment", ErrUploadFailed)
	}
	return message.Attachments[0].URL, nil
}

func encodeWebhookBody(blob Blob) (*bytes.Buffer, string, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)

	payload, err := json.Marshal(webhookPayload{Content: blob.Message})
	if err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("payload_json", string(payload)); err != nil {
		return nil, "", err
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files[0]"; filename="%s"`, sanitizeFilename(blob.Filename)))
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(blob.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buffer, writer.FormDataContentType(), nil
}

func sanitizeFilename(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "blob"
	}
	return strings.NewReplacer(`"`, "", "\\", "", "\r", "", "\n", "").Replace(trimmed)
}

// Package elevenlabs provides a client for the ElevenLabs text-to-speech API.
//
// One Client is built at startup and shared by every run; it holds no
// per-request state and is safe for concurrent use.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// API endpoints and paths.
const (
	DefaultBaseURL = "https://api.elevenlabs.io"
	apiTextSpeech  = "/v1/text-to-speech/"
	apiModels      = "/v1/models"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerAPIKey      = "xi-api-key"
	contentTypeJSON   = "application/json"
	acceptAudio       = "audio/*"
	queryOutputFormat = "output_format"
)

// Default voice settings.
const (
	DefaultVoiceID      = "FGY2WhTYpPnrIDTdsKH5"
	DefaultModelID      = "eleven_multilingual_v2"
	DefaultOutputFormat = "mp3_44100_128"
	DefaultTimeout      = 60 * time.Second
	maxErrorBodyBytes   = 4096
)

// Error messages.
const (
	errFmtServiceError      = "elevenlabs error (%s): %s"
	errFmtServiceNonOK      = "elevenlabs returned non-OK status: %s, body: %s"
	errFmtSendRequest       = "failed to send request to elevenlabs at %s: %w"
	errFmtHealthStatus      = "health check failed with status: %s"
	errFmtHealthUnreachable = "health check failed for service at %s: %w"
)

var (
	// ErrTextEmpty is returned when a request has no text to voice.
	ErrTextEmpty = errors.New("text cannot be empty")
	// ErrVoiceEmpty is returned when no voice is configured or requested.
	ErrVoiceEmpty = errors.New("voice id cannot be empty")
	// ErrEmptyAudio is returned when a 200 response carries no audio.
	ErrEmptyAudio = errors.New("received empty audio data")
	// ErrAPIKeyMissing is returned when the client has no API key.
	ErrAPIKeyMissing = errors.New("elevenlabs api key is not set")
)

// Client talks to the ElevenLabs REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	defaults   core.SpeechRequest
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API root, mainly for tests.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithDefaults sets the voice, model and output format used when a request
// leaves them empty.
func WithDefaults(voiceID, modelID, outputFormat string) Option {
	return func(c *Client) {
		if voiceID != "" {
			c.defaults.VoiceID = voiceID
		}

		if modelID != "" {
			c.defaults.ModelID = modelID
		}

		if outputFormat != "" {
			c.defaults.OutputFormat = outputFormat
		}
	}
}

// speechRequest is the JSON body of a text-to-speech call.
type speechRequest struct {
	Text         string `json:"text"`
	ModelID      string `json:"model_id"`
	PreviousText string `json:"previous_text,omitempty"`
	NextText     string `json:"next_text,omitempty"`
}

// errorResponse covers both shapes of the API's "detail" field.
type errorResponse struct {
	Detail json.RawMessage `json:"detail"`
}

type errorDetail struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewClient creates a client authenticated with apiKey.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrAPIKeyMissing
	}

	client := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		defaults: core.SpeechRequest{
			VoiceID:      DefaultVoiceID,
			ModelID:      DefaultModelID,
			OutputFormat: DefaultOutputFormat,
		},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// Synthesize voices req.Text and returns the encoded audio. The neighbouring
// phrases are sent as previous_text and next_text so that intonation carries
// across phrase boundaries. Failures are returned as-is; there are no retries.
func (c *Client) Synthesize(ctx context.Context, req core.SpeechRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrTextEmpty
	}

	req = c.withDefaults(req)
	if req.VoiceID == "" {
		return nil, ErrVoiceEmpty
	}

	requestBody, err := json.Marshal(speechRequest{
		Text:         req.Text,
		ModelID:      req.ModelID,
		PreviousText: req.PreviousText,
		NextText:     req.NextText,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL + apiTextSpeech + url.PathEscape(req.VoiceID) +
		"?" + url.Values{queryOutputFormat: {req.OutputFormat}}.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, acceptAudio)
	httpReq.Header.Set(headerAPIKey, c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf(errFmtSendRequest, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseErrorResponse(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	if len(audioData) == 0 {
		return nil, ErrEmptyAudio
	}

	return audioData, nil
}

// HealthCheck verifies that the API answers and accepts the key.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiModels, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	req.Header.Set(headerAPIKey, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf(errFmtHealthUnreachable, c.baseURL, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(errFmtHealthStatus, resp.Status)
	}

	return nil
}

func (c *Client) withDefaults(req core.SpeechRequest) core.SpeechRequest {
	if req.VoiceID == "" {
		req.VoiceID = c.defaults.VoiceID
	}

	if req.ModelID == "" {
		req.ModelID = c.defaults.ModelID
	}

	if req.OutputFormat == "" {
		req.OutputFormat = c.defaults.OutputFormat
	}

	return req
}

// parseErrorResponse decodes the API's structured error. Anything else is
// reported with the raw body.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var errorResp errorResponse

	if json.Unmarshal(body, &errorResp) == nil && len(errorResp.Detail) > 0 {
		var detail errorDetail
		if json.Unmarshal(errorResp.Detail, &detail) == nil && detail.Message != "" {
			return fmt.Errorf(errFmtServiceError, resp.Status, detail.Status+": "+detail.Message)
		}

		var message string
		if json.Unmarshal(errorResp.Detail, &message) == nil && message != "" {
			return fmt.Errorf(errFmtServiceError, resp.Status, message)
		}
	}

	return fmt.Errorf(errFmtServiceNonOK, resp.Status, strings.TrimSpace(string(body)))
}

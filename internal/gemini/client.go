// Package gemini implements core.Describer with the Gemini Files and
// generateContent REST APIs: the video is uploaded, the model writes a title
// and a narration script for it, and the uploaded file is deleted again.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/core"
)

// API endpoints and paths.
const (
	DefaultBaseURL  = "https://generativelanguage.googleapis.com"
	apiUploadFiles  = "/upload/v1beta/files"
	apiVersion      = "/v1beta/"
	generateSuffix  = ":generateContent"
	headerAPIKey    = "x-goog-api-key"
	headerUpload    = "X-Goog-Upload-Protocol"
	uploadProtocol  = "raw"
	contentTypeJSON = "application/json"
	defaultMimeType = "video/mp4"
)

// Defaults for the describe flow.
const (
	DefaultModel        = "gemini-2.5-flash"
	DefaultPollAttempts = 10
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 5 * time.Minute
	DefaultLanguage     = "Russian"
	stateActive         = "ACTIVE"
	stateFailed         = "FAILED"
	maxErrorBodyBytes   = 4096
	deleteTimeout       = 30 * time.Second
)

// DefaultPrompt asks for a JSON object with a short title and a voice-over
// script sized to the clip. %s is replaced with the narration language.
const DefaultPrompt = `You are a screenwriter and voice-over narrator.
Watch the attached video and take in the action, emotions, setting and mood.

1. Write a short, expressive title (at most 10 words) that captures the scene.
2. Write a voice-over script whose spoken length fits the video: assume about
   2.5 words per second and never exceed that word count. For clips shorter
   than 15 seconds keep it to one to three short sentences.

Sound natural, like a TikTok or Reels voice-over. For a film excerpt, narrate
as the main character's inner monologue. Convey emotion and subtext rather than
listing actions. Give unnamed characters English names.
Write the title and the script in %s.

Answer strictly with JSON and nothing else:
{"title": "scene title", "content": "voice-over script"}`

var (
	// ErrAPIKeyMissing is returned when the client has no API key.
	ErrAPIKeyMissing = errors.New("gemini api key is not set")
	// ErrFileNotActive is returned when the upload never becomes usable.
	ErrFileNotActive = errors.New("uploaded file did not become ACTIVE")
	// ErrNoCandidates is returned when generateContent yields no text.
	ErrNoCandidates = errors.New("model returned no candidates")
	// ErrRequestFailed is returned for any non-2xx API response.
	ErrRequestFailed = errors.New("gemini request failed")
)

// File is the Files API resource.
type File struct {
	Name     string `json:"name"`
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	State    string `json:"state"`
}

type uploadResponse struct {
	File File `json:"file"`
}

type fileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

type part struct {
	Text     string    `json:"text,omitempty"`
	FileData *fileData `json:"fileData,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Config holds the client settings. Zero values take the defaults above.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Prompt       string
	Language     string
	PollAttempts int
	PollInterval time.Duration
	Timeout      time.Duration
}

// Client describes videos with Gemini.
type Client struct {
	httpClient *http.Client
	log        *logger.Logger
	cfg        Config
}

// NewClient creates a describer client.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyMissing
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}

	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}

	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
		cfg:        cfg,
	}, nil
}

// Describe uploads the video, waits until it is ACTIVE, asks the model for a
// title and narration script and decodes the JSON answer. The uploaded file is
// deleted on every path once it exists.
func (c *Client) Describe(ctx context.Context, videoPath string) (core.Description, error) {
	file, err := c.upload(ctx, videoPath)
	if err != nil {
		return core.Description{}, err
	}

	defer c.deleteFile(file.Name)

	active, err := c.waitActive(ctx, file)
	if err != nil {
		return core.Description{}, err
	}

	text, err := c.generate(ctx, active)
	if err != nil {
		return core.Description{}, err
	}

	var description core.Description

	err = parseJSON(text, &description)
	if err != nil {
		return core.Description{}, err
	}

	c.log.Info("Described %s: %q (%d characters of narration)",
		filepath.Base(videoPath), description.Title, len([]rune(description.Content)))

	return description, nil
}

func (c *Client) upload(ctx context.Context, videoPath string) (File, error) {
	video, err := os.Open(videoPath)
	if err != nil {
		return File{}, fmt.Errorf("failed to open video %s: %w", videoPath, err)
	}
	defer video.Close()

	info, err := video.Stat()
	if err != nil {
		return File{}, fmt.Errorf("failed to stat video %s: %w", videoPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+apiUploadFiles, video)
	if err != nil {
		return File{}, fmt.Errorf("failed to create upload request: %w", err)
	}

	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", mimeTypeFor(videoPath))
	req.Header.Set(headerUpload, uploadProtocol)

	var response uploadResponse

	err = c.do(req, &response)
	if err != nil {
		return File{}, fmt.Errorf("upload %s: %w", filepath.Base(videoPath), err)
	}

	c.log.Info("Uploaded %s as %s", filepath.Base(videoPath), response.File.Name)

	return response.File, nil
}

func (c *Client) waitActive(ctx context.Context, file File) (File, error) {
	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		current, err := c.getFile(ctx, file.Name)
		if err != nil {
			return File{}, err
		}

		switch current.State {
		case stateActive:
			return current, nil
		case stateFailed:
			return File{}, fmt.Errorf("%w: %s failed processing", ErrFileNotActive, file.Name)
		}

		c.log.Info("File %s is %s, waiting (%d/%d)", file.Name, current.State, attempt, c.cfg.PollAttempts)

		select {
		case <-ctx.Done():
			return File{}, ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}

	return File{}, fmt.Errorf("%w: %s after %d attempts", ErrFileNotActive, file.Name, c.cfg.PollAttempts)
}

func (c *Client) getFile(ctx context.Context, name string) (File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+apiVersion+name, http.NoBody)
	if err != nil {
		return File{}, fmt.Errorf("failed to create file request: %w", err)
	}

	var file File

	err = c.do(req, &file)
	if err != nil {
		return File{}, fmt.Errorf("get %s: %w", name, err)
	}

	return file, nil
}

func (c *Client) generate(ctx context.Context, file File) (string, error) {
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	body, err := json.Marshal(generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{FileData: &fileData{MimeType: mimeType, FileURI: file.URI}},
				{Text: c.prompt()},
			},
		}},
		GenerationConfig: generationConfig{ResponseMimeType: contentTypeJSON},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal generate request: %w", err)
	}

	endpoint := c.cfg.BaseURL + apiVersion + "models/" + c.cfg.Model + generateSuffix

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)

	var response generateResponse

	err = c.do(req, &response)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	var text strings.Builder

	for _, candidate := range response.Candidates {
		for _, p := range candidate.Content.Parts {
			text.WriteString(p.Text)
		}

		if text.Len() > 0 {
			return text.String(), nil
		}
	}

	return "", ErrNoCandidates
}

// deleteFile removes the uploaded video. It runs detached from the request
// context so that a cancelled run still cleans up.
func (c *Client) deleteFile(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.BaseURL+apiVersion+name, http.NoBody)
	if err != nil {
		c.log.Warn("Failed to create delete request for %s: %v", name, err)

		return
	}

	err = c.do(req, nil)
	if err != nil {
		c.log.Warn("Failed to delete uploaded file %s: %v", name, err)

		return
	}

	c.log.Info("Deleted uploaded file %s", name)
}

func (c *Client) do(req *http.Request, target any) error {
	req.Header.Set(headerAPIKey, c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.cfg.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

		return fmt.Errorf("%w: %s: %s", ErrRequestFailed, resp.Status, strings.TrimSpace(string(body)))
	}

	if target == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	err = json.NewDecoder(resp.Body).Decode(target)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *Client) prompt() string {
	if strings.Contains(c.cfg.Prompt, "%s") {
		return fmt.Sprintf(c.cfg.Prompt, c.cfg.Language)
	}

	return c.cfg.Prompt
}

func mimeTypeFor(path string) string {
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		return defaultMimeType
	}

	return mimeType
}

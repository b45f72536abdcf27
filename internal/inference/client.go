// Package inference talks to the OpenAI-compatible chat completion endpoint
// an inference backend (vLLM, llama.cpp, a tunnel to a GPU host) exposes,
// and parses the loosely-structured JSON a model returns for moment
// generation and refinement. The HTTP polling/readiness idiom is grounded on
// the teacher's vLLM job handler; the response-parsing fallback chain is
// grounded on the original generation_service.parse_moments_response, which
// has to tolerate a model that wraps its JSON in prose or markdown fences.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aceteam-ai/reelpipe/internal/pipeline"
)

// Default timeouts from spec.md §4.4/§5.
const (
	DefaultChatTimeout       = 600 * time.Second
	DefaultTranscribeTimeout = 1800 * time.Second
	DefaultConnectTimeout    = 15 * time.Second
	retryBackoff             = time.Second
)

// ChatMessage is one turn in a chat completion request.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is a single content block within a message: text, or a signed
// video URL reference for video-native models (spec.md §6: `{type:"text",
// text}` or `{type:"video_url", video_url:{url}}`).
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	VideoURL *VideoURL `json:"video_url,omitempty"`
}

// VideoURL wraps the signed media URL a video-native model call references.
type VideoURL struct {
	URL string `json:"url"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart { return ContentPart{Type: "text", Text: text} }

// VideoURLPart builds a video_url content part referencing a signed URL.
func VideoURLPart(url string) ContentPart {
	return ContentPart{Type: "video_url", VideoURL: &VideoURL{URL: url}}
}

// SamplingParams controls generation behaviour.
type SamplingParams struct {
	Temperature float64 `json:"temperature,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
	TopK        int     `json:"top_k,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// RefinementResult holds a title and summary for a moment. Refinement
// responses are not decoded into it: ParseRefinement returns only the
// refined start and end times.
type RefinementResult struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// DefaultChatPath and DefaultTranscribePath are used when a model's
// descriptor does not override the endpoint path (spec.md §3's
// ModelDescriptor.endpoint_path).
const (
	DefaultChatPath       = "/v1/chat/completions"
	DefaultTranscribePath = "/v1/audio/transcriptions"
)

// Client calls a single inference backend's chat completion endpoint.
type Client struct {
	baseURL       string
	chatPath      string
	transcribePath string
	httpClient    *http.Client
	limiter       *rate.Limiter
}

// New creates a Client pointed at baseURL (e.g. "http://localhost:8000" for
// a direct vLLM endpoint, or "http://localhost:{local_port}" for one reached
// through a tunnel). The limiter paces WaitReady's readiness probes;
// Complete and Transcribe do not go through it.
func New(baseURL string) *Client {
	dialer := &net.Dialer{Timeout: DefaultConnectTimeout}
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		chatPath:       DefaultChatPath,
		transcribePath: DefaultTranscribePath,
		httpClient: &http.Client{
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
	}
}

// WithEndpointPath overrides the chat-completion path a descriptor declares
// (spec.md §3's ModelDescriptor.endpoint_path), when non-empty.
func (c *Client) WithEndpointPath(path string) *Client {
	if path != "" {
		c.chatPath = path
	}
	return c
}

// WithTranscribePath overrides the transcription path a descriptor declares,
// when non-empty, mirroring WithEndpointPath for Transcribe callers.
func (c *Client) WithTranscribePath(path string) *Client {
	if path != "" {
		c.transcribePath = path
	}
	return c
}

// WaitReady polls the backend's /health endpoint until it responds or ctx
// expires.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err == nil {
			resp, err := c.httpClient.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("inference backend at %s not ready after %s", c.baseURL, timeout)
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a chat completion request and returns the first choice's
// raw text. It applies spec.md's chat timeout (600s) unless ctx already
// carries a tighter deadline, and retries once on a connection reset or a
// 5xx response after a 1s backoff — never on a 4xx or a parse failure.
func (c *Client) Complete(ctx context.Context, model string, messages []ChatMessage, params SamplingParams) (string, error) {
	ctx, cancel := withDefaultTimeout(ctx, DefaultChatTimeout)
	defer cancel()

	body, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	content, err := c.postCompletionWithRetry(ctx, body)
	if err != nil {
		return "", err
	}
	return content, nil
}

func (c *Client) postCompletionWithRetry(ctx context.Context, body []byte) (string, error) {
	content, retryable, err := c.postCompletion(ctx, body)
	if err == nil {
		return content, nil
	}
	if !retryable {
		return "", err
	}
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	content, _, err = c.postCompletion(ctx, body)
	return content, err
}

// postCompletion returns (content, retryable, err): retryable is true only
// for a transport-level connection error or a 5xx status.
func (c *Client) postCompletion(ctx context.Context, body []byte) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.chatPath, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("call inference backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("inference backend returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("inference backend returned status %d", resp.StatusCode)
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("%w: empty choices", pipeline.ErrInferenceParse)
	}
	return parsed.Choices[0].Message.Content, false, nil
}

func withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// WordTimestamp is one word-level timing entry in a transcription result.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// SegmentTimestamp is one segment-level timing entry in a transcription
// result.
type SegmentTimestamp struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TranscribeResult is the parsed response of a transcription call.
type TranscribeResult struct {
	Text             string             `json:"transcription"`
	WordTimestamps   []WordTimestamp    `json:"word_timestamps"`
	SegmentTimestamps []SegmentTimestamp `json:"segment_timestamps"`
	ProcessingTime   float64            `json:"processing_time"`
}

// Transcribe uploads the audio file at audioPath as a multipart POST to the
// backend's transcription endpoint, applying spec.md's 1800s transcription
// timeout unless ctx already carries a tighter deadline.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (*TranscribeResult, error) {
	ctx, cancel := withDefaultTimeout(ctx, DefaultTranscribeTimeout)
	defer cancel()

	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file %s: %w", audioPath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read audio file %s: %w", audioPath, err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.transcribePath, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call transcription backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription backend returned status %d", resp.StatusCode)
	}

	var result TranscribeResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode transcription response: %v", pipeline.ErrInferenceParse, err)
	}
	return &result, nil
}

var refinementObjectRe = regexp.MustCompile(`(?s)\{\s*"start_time"\s*:\s*([0-9.eE+-]+)\s*,\s*"end_time"\s*:\s*([0-9.eE+-]+)\s*\}`)

// ParseRefinement extracts a single {start_time, end_time} object from a
// refinement model's raw text response, tolerating surrounding prose the
// same way ParseMoments does.
func ParseRefinement(raw string) (start, end float64, err error) {
	var direct struct {
		StartTime float64 `json:"start_time"`
		EndTime   float64 `json:"end_time"`
	}
	if jsonErr := json.Unmarshal([]byte(strings.TrimSpace(raw)), &direct); jsonErr == nil && direct.EndTime > direct.StartTime {
		return direct.StartTime, direct.EndTime, nil
	}
	if m := codeFenceRe.FindStringSubmatch(raw); m != nil {
		if jsonErr := json.Unmarshal([]byte(m[1]), &direct); jsonErr == nil && direct.EndTime > direct.StartTime {
			return direct.StartTime, direct.EndTime, nil
		}
	}
	m := refinementObjectRe.FindStringSubmatch(raw)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: no {start_time,end_time} object found in response", pipeline.ErrInferenceParse)
	}
	start, errStart := parseFloatStrict(m[1])
	end, errEnd := parseFloatStrict(m[2])
	if errStart != nil || errEnd != nil || end <= start {
		return 0, 0, fmt.Errorf("%w: invalid refinement bounds %s/%s", pipeline.ErrInferenceParse, m[1], m[2])
	}
	return start, end, nil
}

func parseFloatStrict(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

var (
	codeFenceRe  = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	momentsKeyRe = regexp.MustCompile(`(?s)"moments"\s*:\s*(\[.*?\])`)
	bareArrayRe  = regexp.MustCompile(`(?s)\[\s*\{.*?"start_time".*?\}\s*\]`)
)

// ParseMoments extracts a []pipeline.MomentCandidate from a model's raw text
// response. Models routinely wrap the JSON array in markdown fences or
// surrounding prose; this tries, in order: stripping a fenced code block,
// direct JSON decode, a `"moments": [...]` sub-match, and a bare array of
// objects with a start_time field. Invalid entries (bad ordering, out of
// bounds) are silently dropped rather than failing the whole response.
func ParseMoments(raw string, videoDuration float64) ([]pipeline.MomentCandidate, error) {
	candidates := extractJSONCandidates(raw)

	var moments []pipeline.MomentCandidate
	for _, candidate := range candidates {
		if err := json.Unmarshal([]byte(candidate), &moments); err == nil && len(moments) > 0 {
			break
		}
	}
	if moments == nil {
		return nil, fmt.Errorf("%w: no moment array found in response", pipeline.ErrInferenceParse)
	}

	valid := make([]pipeline.MomentCandidate, 0, len(moments))
	for _, m := range moments {
		if m.StartTime < 0 || m.EndTime <= m.StartTime {
			continue
		}
		if videoDuration > 0 && m.EndTime > videoDuration {
			continue
		}
		valid = append(valid, m)
	}

	sortMomentsByStart(valid)
	valid = dropOverlapping(valid)

	return valid, nil
}

func extractJSONCandidates(raw string) []string {
	var out []string
	if m := codeFenceRe.FindStringSubmatch(raw); m != nil {
		out = append(out, m[1])
	}
	out = append(out, strings.TrimSpace(raw))
	if m := momentsKeyRe.FindStringSubmatch(raw); m != nil {
		out = append(out, m[1])
	}
	if m := bareArrayRe.FindString(raw); m != "" {
		out = append(out, m)
	}
	return out
}

func sortMomentsByStart(m []pipeline.MomentCandidate) {
	for i := 1; i < len(m); i++ {
		for j := i; j > 0 && m[j-1].StartTime > m[j].StartTime; j-- {
			m[j-1], m[j] = m[j], m[j-1]
		}
	}
}

func dropOverlapping(moments []pipeline.MomentCandidate) []pipeline.MomentCandidate {
	if len(moments) == 0 {
		return moments
	}
	out := moments[:1]
	for _, m := range moments[1:] {
		if m.StartTime < out[len(out)-1].EndTime {
			continue
		}
		out = append(out, m)
	}
	return out
}

package genai

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"studio/internal/infra"
	"studio/internal/providers"
)

// Options controls how the Gemini client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// Client implements providers.Provider on top of Gemini. Without an API key
// it produces deterministic synthetic artifacts so the whole pipeline runs in
// local and CI environments.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiGenerationConfig struct {
	CandidateCount     int      `json:"candidateCount,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	} `json:"error"`
}

// NewClient constructs a Gemini client with sane defaults. Callers may provide
// a nil HTTP client; a reusable one with sensible timeouts will be created.
func NewClient(opts Options) (*Client, error) {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("genai: invalid base url: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}

	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     logger,
	}, nil
}

// Model returns the configured Gemini model identifier.
func (c *Client) Model() string {
	return c.model
}

// Synthetic reports whether the client generates placeholder artifacts.
func (c *Client) Synthetic() bool {
	return c.apiKey == ""
}

// Execute runs one generation operation.
func (c *Client) Execute(ctx context.Context, in providers.Input) (*providers.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, providers.Transient(in.Operation, err)
	}
	switch in.Operation {
	case providers.OpImageGenerate, providers.OpSpeechSynthesize, providers.OpLipSyncCompose,
		providers.OpSceneCompose, providers.OpVideoRender:
	default:
		return nil, providers.Terminal(in.Operation, fmt.Errorf("unsupported operation %q", in.Operation))
	}

	if c.Synthetic() {
		return c.synthetic(in), nil
	}

	out, err := c.remote(ctx, in)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("model", c.model).
			Str("operation", string(in.Operation)).
			Str("request_id", in.RequestID).
			Msg("genai: remote generation failed")
		return nil, err
	}
	return out, nil
}

func (c *Client) synthetic(in providers.Input) *providers.Output {
	seed := deterministicSeed(in.Operation, in.RequestID, in.Prompt, in.Locale, strings.Join(in.Inputs, ","), c.model)
	meta := map[string]string{"seed": seed, "model": c.model, "synthetic": "true"}

	var out *providers.Output
	switch in.Operation {
	case providers.OpImageGenerate:
		width, height := normalizeAspect(in.AspectRatio)
		meta["width"] = strconv.Itoa(width)
		meta["height"] = strconv.Itoa(height)
		out = &providers.Output{Data: renderSyntheticImage(width, height, seed), MIME: "image/png", Metadata: meta}
	case providers.OpSpeechSynthesize:
		out = &providers.Output{Data: renderSyntheticSpeech(seed, in.DurationSeconds), MIME: "audio/wav", Metadata: meta}
	default:
		meta["length"] = strconv.Itoa(estimateVideoLength(in.Prompt, in.DurationSeconds))
		out = &providers.Output{Data: renderSyntheticVideo(in, seed), MIME: "video/mp4", Metadata: meta}
	}

	c.logger.Debug().
		Str("request_id", in.RequestID).
		Str("operation", string(in.Operation)).
		Str("model", c.model).
		Msg("genai: generated synthetic asset")
	return out
}

func (c *Client) remote(ctx context.Context, in providers.Input) (*providers.Output, error) {
	payload := geminiGenerateContentRequest{
		Contents: []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: buildPrompt(in)}},
		}},
		GenerationConfig: &geminiGenerationConfig{CandidateCount: 1, ResponseModalities: modalities(in.Operation)},
	}

	var response geminiGenerateContentResponse
	if err := c.invokeGemini(ctx, in.Operation, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(c.model)), payload, &response); err != nil {
		return nil, err
	}

	for _, candidate := range response.Candidates {
		for _, part := range candidate.Content.Parts {
			data, mime, err := c.decodeInlineAsset(ctx, part)
			if err != nil {
				return nil, providers.Transient(in.Operation, err)
			}
			if len(data) == 0 {
				continue
			}
			c.logger.Debug().
				Str("request_id", in.RequestID).
				Str("operation", string(in.Operation)).
				Str("model", c.model).
				Msg("genai: generated remote asset")
			return &providers.Output{Data: data, MIME: mime, Metadata: map[string]string{"model": c.model}}, nil
		}
	}
	return nil, providers.Terminal(in.Operation, errors.New("no content returned"))
}

func modalities(op providers.Operation) []string {
	switch op {
	case providers.OpImageGenerate:
		return []string{"IMAGE"}
	case providers.OpSpeechSynthesize:
		return []string{"AUDIO"}
	default:
		return []string{"VIDEO"}
	}
}

// invokeGemini posts payload and classifies failures: network errors, 429 and
// 5xx are transient, every other 4xx is terminal.
func (c *Client) invokeGemini(ctx context.Context, op providers.Operation, path string, payload any, out any) error {
	endpoint := strings.TrimRight(c.baseURL, "/") + path
	body, err := json.Marshal(payload)
	if err != nil {
		return providers.Terminal(op, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return providers.Terminal(op, fmt.Errorf("create request: %w", err))
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return providers.Transient(op, fmt.Errorf("invoke gemini: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		statusErr := fmt.Errorf("gemini status %d", resp.StatusCode)
		data, _ := io.ReadAll(resp.Body)
		var apiErr geminiErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			statusErr = fmt.Errorf("gemini status %d: %s", resp.StatusCode, apiErr.Error.Message)
		} else if msg := strings.TrimSpace(string(data)); msg != "" {
			statusErr = fmt.Errorf("gemini status %d: %s", resp.StatusCode, msg)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return providers.Transient(op, statusErr)
		}
		return providers.Terminal(op, statusErr)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return providers.Transient(op, fmt.Errorf("decode gemini response: %w", err))
	}
	return nil
}

func (c *Client) decodeInlineAsset(ctx context.Context, part geminiPart) ([]byte, string, error) {
	if part.InlineData != nil && part.InlineData.Data != "" {
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, "", fmt.Errorf("decode inline data: %w", err)
		}
		return data, part.InlineData.MimeType, nil
	}

	if part.FileData != nil && part.FileData.FileURI != "" {
		data, mime, err := c.downloadFile(ctx, part.FileData.FileURI)
		if err != nil {
			return nil, "", err
		}
		return data, firstNonEmpty(part.FileData.MimeType, mime), nil
	}

	return nil, "", nil
}

func (c *Client) downloadFile(ctx context.Context, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	q := req.URL.Query()
	q.Set("key", c.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("download file status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read file: %w", err)
	}
	return blob, resp.Header.Get("Content-Type"), nil
}

func buildPrompt(in providers.Input) string {
	var b strings.Builder
	line := func(label, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		if label != "" {
			b.WriteString(label)
			b.WriteString(": ")
		}
		b.WriteString(value)
	}
	line("", in.Prompt)
	line("Task", string(in.Operation))
	line("Aspect ratio", in.AspectRatio)
	line("Locale", in.Locale)
	if in.DurationSeconds > 0 {
		line("Duration seconds", strconv.FormatFloat(in.DurationSeconds, 'f', 1, 64))
	}
	for _, key := range sortedKeys(in.Params) {
		line(key, in.Params[key])
	}
	if len(in.Inputs) > 0 {
		line("Inputs", strings.Join(in.Inputs, ", "))
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func renderSyntheticImage(width, height int, seed string) []byte {
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 1024
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := max(32, height/12)
	for y := 0; y < height; y += stripeHeight * 2 {
		stripe := image.Rect(0, y, width, min(height, y+stripeHeight))
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

// renderSyntheticSpeech emits a silent 8 kHz mono WAV of the requested length,
// capped at ten seconds.
func renderSyntheticSpeech(seed string, seconds float64) []byte {
	const sampleRate = 8000
	if seconds <= 0 {
		seconds = 1
	}
	samples := int(min(seconds, 10) * sampleRate)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+samples))
	buf.WriteString("WAVEfmt ")
	for _, field := range []any{uint32(16), uint16(1), uint16(1), uint32(sampleRate), uint32(sampleRate), uint16(1), uint16(8)} {
		_ = binary.Write(&buf, binary.LittleEndian, field)
	}
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(samples))
	silence := byte(128 + len(seed)%2)
	buf.Write(bytes.Repeat([]byte{silence}, samples))
	return buf.Bytes()
}

func renderSyntheticVideo(in providers.Input, seed string) []byte {
	lines := []string{
		"Synthetic video placeholder",
		fmt.Sprintf("Operation: %s", in.Operation),
		fmt.Sprintf("Seed: %s", seed),
		fmt.Sprintf("Prompt: %s", strings.TrimSpace(in.Prompt)),
		fmt.Sprintf("Inputs: %s", strings.Join(in.Inputs, ", ")),
	}
	return []byte(strings.Join(lines, "\n"))
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if seed == "" {
		seed = "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	r := mustParseHexByte(segment[0:2])
	g := mustParseHexByte(segment[2:4])
	b := mustParseHexByte(segment[4:6])
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

func mustParseHexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func deterministicSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		hasher.Write([]byte(fmt.Sprintf("%v", part)))
		hasher.Write([]byte{'|'})
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

func normalizeAspect(aspect string) (int, int) {
	switch strings.TrimSpace(strings.ToLower(aspect)) {
	case "16:9":
		return 1920, 1080
	case "9:16":
		return 1080, 1920
	case "4:5":
		return 1024, 1280
	case "1:1", "square", "":
		return 1024, 1024
	default:
		parts := strings.Split(aspect, ":")
		if len(parts) == 2 {
			if a, errA := strconv.Atoi(strings.TrimSpace(parts[0])); errA == nil {
				if b, errB := strconv.Atoi(strings.TrimSpace(parts[1])); errB == nil && a > 0 && b > 0 {
					width := 1024
					height := int(float64(width) * float64(b) / float64(a))
					return width, height
				}
			}
		}
		return 1024, 1024
	}
}

func estimateVideoLength(prompt string, seconds float64) int {
	if seconds > 0 {
		return int(seconds + 0.5)
	}
	words := len(strings.Fields(prompt))
	if words == 0 {
		return 12
	}
	return min(max(words/3, 8), 45)
}

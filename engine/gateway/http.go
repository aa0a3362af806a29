package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loreweaver-ai/loreweaver/engine/domain"
)

// HTTPClient is a plain JSON-over-HTTP Client implementation, grounded on
// pkg/ollama.EmbedClient's request/response idiom and extended from a
// single embedding endpoint to the full gateway surface. Overview
// generation streams newline-delimited JSON the way Ollama's own
// /api/generate endpoint does.
type HTTPClient struct {
	baseURL string
	model   string
	http    *http.Client
}

// NewHTTPClient creates a gateway.Client backed by an HTTP/JSON model
// server at baseURL (e.g. a local Ollama instance or a compatible proxy).
func NewHTTPClient(baseURL, model string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, reqBody, respBody any) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("gateway: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrModelError, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", domain.ErrModelError, path, resp.StatusCode)
	}
	if respBody == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", domain.ErrModelError, path, err)
	}
	return nil
}

type overviewChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *HTTPClient) GenerateOverview(ctx context.Context, text string, kind domain.WorkKind, chapterID string, onToken TokenFunc) (string, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"prompt": overviewPrompt(text, kind),
		"stream": true,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("gateway: encode overview request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("gateway: build overview request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: generate: %v", domain.ErrModelError, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: generate: status %d", domain.ErrModelError, resp.StatusCode)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var chunk overviewChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			if onToken != nil {
				onToken(chapterID, chunk.Response)
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: generate: stream read: %v", domain.ErrModelError, err)
	}
	return full.String(), nil
}

func (c *HTTPClient) GenerateStructuredSummary(ctx context.Context, text string, kind domain.WorkKind) (domain.Summary, error) {
	var out domain.Summary
	req := map[string]any{"model": c.model, "text": text, "kind": kind}
	if err := c.postJSON(ctx, "/api/summary", req, &out); err != nil {
		return domain.Summary{}, err
	}
	return out, nil
}

func (c *HTTPClient) GenerateAtomicNotes(ctx context.Context, summary domain.Summary) ([]domain.Note, error) {
	var out []domain.Note
	req := map[string]any{"model": c.model, "summary": summary}
	if err := c.postJSON(ctx, "/api/notes", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) GenerateOverallAnalysis(ctx context.Context, summaries []domain.Summary, kind domain.WorkKind) (domain.Analysis, error) {
	var out domain.Analysis
	req := map[string]any{"model": c.model, "summaries": summaries, "kind": kind}
	if err := c.postJSON(ctx, "/api/analysis", req, &out); err != nil {
		return domain.Analysis{}, err
	}
	return out, nil
}

func (c *HTTPClient) GenerateFolderStructure(ctx context.Context, notes []domain.Note, onProgress ProgressFunc, prior []domain.Folder) ([]domain.Folder, error) {
	var out []domain.Folder
	req := map[string]any{"model": c.model, "notes": notes, "prior": prior}
	if err := c.postJSON(ctx, "/api/folders", req, &out); err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(len(notes), len(notes))
	}
	return out, nil
}

func (c *HTTPClient) ExplainLinkRelationship(ctx context.Context, a, b domain.Note) (string, float64, error) {
	var out struct {
		Reason     string  `json:"reason"`
		Confidence float64 `json:"confidence"`
	}
	req := map[string]any{"model": c.model, "a": a, "b": b}
	if err := c.postJSON(ctx, "/api/link", req, &out); err != nil {
		return "", 0, err
	}
	return out.Reason, out.Confidence, nil
}

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embedResp
	req := embedReq{Model: c.model, Prompt: text}
	if err := c.postJSON(ctx, "/api/embeddings", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingError, err)
	}
	out := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

func overviewPrompt(text string, kind domain.WorkKind) string {
	return fmt.Sprintf("Summarize the following %s chapter in a flowing narrative overview:\n\n%s", kind, text)
}

var _ Client = (*HTTPClient)(nil)

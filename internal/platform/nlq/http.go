package nlq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPResolver is the HTTP binding of Resolver.
type HTTPResolver struct {
	baseURL string
	hc      *http.Client
	log     zerolog.Logger
}

func NewHTTPResolver(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (r *HTTPResolver) Search(ctx context.Context, conceptText string, maxResults int) ([]Code, error) {
	req := struct {
		Term       string `json:"term"`
		MaxResults int    `json:"max_results"`
	}{Term: conceptText, MaxResults: maxResults}

	var resp struct {
		Results []Code `json:"results"`
	}
	if err := postJSON(ctx, r.hc, r.baseURL+"/search", req, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolverUnavailable, err)
	}

	r.log.Debug().Str("term", conceptText).Int("candidates", len(resp.Results)).Msg("code search completed")
	return resp.Results, nil
}

// HTTPGenerator is the HTTP binding of Generator.
type HTTPGenerator struct {
	baseURL string
	hc      *http.Client
	log     zerolog.Logger
}

func NewHTTPGenerator(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, criteria Criteria, purpose Purpose, handle string) (*Generation, error) {
	req := struct {
		Criteria Criteria `json:"criteria"`
		Purpose  Purpose  `json:"purpose"`
		Handle   string   `json:"conversation_id,omitempty"`
	}{Criteria: criteria, Purpose: purpose, Handle: handle}

	var gen Generation
	if err := postJSON(ctx, g.hc, g.baseURL+"/generate", req, &gen); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if gen.SQL == "" {
		return nil, fmt.Errorf("%w: generator returned no statement", ErrGeneration)
	}

	g.log.Debug().Str("purpose", string(purpose)).Msg("sql generated")
	return &gen, nil
}

func (g *HTTPGenerator) GenerateDimension(ctx context.Context, req DimensionRequest) (string, error) {
	var resp struct {
		SQL string `json:"sql"`
	}
	if err := postJSON(ctx, g.hc, g.baseURL+"/dimension", req, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if resp.SQL == "" {
		return "", fmt.Errorf("%w: generator returned no statement for dimension %s", ErrGeneration, req.Dimension)
	}
	return resp.SQL, nil
}

func (g *HTTPGenerator) Answer(ctx context.Context, question, handle string) (string, error) {
	req := struct {
		Question string `json:"question"`
		Handle   string `json:"conversation_id,omitempty"`
	}{Question: question, Handle: handle}

	var resp struct {
		Answer string `json:"answer"`
	}
	if err := postJSON(ctx, g.hc, g.baseURL+"/answer", req, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return resp.Answer, nil
}

// HTTPIntentExtractor is the HTTP binding of IntentExtractor.
type HTTPIntentExtractor struct {
	baseURL string
	hc      *http.Client
	log     zerolog.Logger
}

func NewHTTPIntentExtractor(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPIntentExtractor {
	return &HTTPIntentExtractor{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (e *HTTPIntentExtractor) Extract(ctx context.Context, text string) (*Intent, error) {
	req := struct {
		Text string `json:"text"`
	}{Text: text}

	var intent Intent
	if err := postJSON(ctx, e.hc, e.baseURL+"/extract", req, &intent); err != nil {
		return nil, fmt.Errorf("extract intent: %w", err)
	}
	return &intent, nil
}

func postJSON(ctx context.Context, hc *http.Client, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

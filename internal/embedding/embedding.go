package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// Embedder produces a fixed-length semantic fingerprint for a piece of text.
// The router depends on this interface only; the backing model is whatever
// the deployment configures.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Client struct {
	apiKey string
	apiURL string
	model  string
	client *http.Client
	cache  *redis.Client
	ttl    time.Duration
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewClient builds an OpenAI-embeddings-API client with a redis result cache.
// Identical prompts are common across a router's traffic, so the cache saves
// an upstream round trip per repeat.
func NewClient(apiKey, model string, cache *redis.Client, ttl time.Duration) *Client {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &Client{
		apiKey: apiKey,
		apiURL: "https://api.openai.com/v1/embeddings",
		model:  model,
		client: &http.Client{Timeout: 30 * time.Second},
		cache:  cache,
		ttl:    ttl,
	}
}

func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	key := c.cacheKey(text)
	if cached, err := c.cache.Get(ctx, key).Bytes(); err == nil {
		var vec []float64
		if err := json.Unmarshal(cached, &vec); err == nil {
			return vec, nil
		}
	}

	vec, err := c.callAPI(ctx, text)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(vec); err == nil {
		_ = c.cache.Set(ctx, key, raw, c.ttl).Err()
	}
	return vec, nil
}

func (c *Client) cacheKey(text string) string {
	h := sha256.Sum256([]byte(c.model + "\x00" + text))
	return fmt.Sprintf("embed:%s", hex.EncodeToString(h[:]))
}

func (c *Client) callAPI(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var apiResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, err
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("embedding api returned no data")
	}
	return apiResp.Data[0].Embedding, nil
}

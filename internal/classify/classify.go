// Package classify turns page content into a category assignment using
// the completion endpoint, under rate limiting.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/moezakura/ai-tab-sorter/internal/aiclient"
	"github.com/moezakura/ai-tab-sorter/internal/ratelimit"
	"github.com/moezakura/ai-tab-sorter/internal/types"
)

const (
	maxContentLen     = 500
	defaultConfidence = 0.8
	systemPrompt      = "あなたは正確な分類を行うアシスタントです。"
)

const promptTemplate = `あなたはウェブページを分類する専門家です。
以下のページ情報を分析し、最も適切なカテゴリを1つ選んでください。

ページ情報:
- URL: %s
- タイトル: %s
- 説明: %s
- コンテンツ: %s

利用可能なカテゴリ:
%s

このページに最も適したカテゴリを選択し、分類の理由も簡潔に説明してください。`

// Classifier assigns one of the configured categories to page content.
// Reconfiguration applies to the next Classify call; in-flight calls
// finish with the configuration they started with.
type Classifier struct {
	client  *aiclient.Client
	limiter *ratelimit.Limiter

	mu         sync.Mutex
	categories []types.GroupCategory
}

// New creates a Classifier. An empty or nil category list falls back to
// the default category set.
func New(client *aiclient.Client, limiter *ratelimit.Limiter, categories []types.GroupCategory) *Classifier {
	return &Classifier{
		client:     client,
		limiter:    limiter,
		categories: orDefault(categories),
	}
}

// UpdateConfig swaps the completion endpoint configuration.
func (c *Classifier) UpdateConfig(cfg types.AIConfig) {
	c.client.UpdateConfig(cfg)
}

// UpdateCategories swaps the category list. Last writer wins.
func (c *Classifier) UpdateCategories(categories []types.GroupCategory) {
	c.mu.Lock()
	c.categories = orDefault(categories)
	c.mu.Unlock()
}

// Categories returns the currently configured category list.
func (c *Classifier) Categories() []types.GroupCategory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.GroupCategory(nil), c.categories...)
}

// Classify acquires a rate-limiter slot, asks the model to pick a
// category for the page, and returns the normalized result. Any failure
// is logged and reported as nil — the caller skips the tab; nothing here
// is fatal to the pipeline.
func (c *Classifier) Classify(ctx context.Context, content types.PageContent) *types.ClassificationResult {
	if err := c.limiter.WaitForSlot(ctx); err != nil {
		slog.Warn("rate limiter wait aborted", "url", content.URL, "error", err)
		return nil
	}

	categories := c.Categories()
	names := make([]string, len(categories))
	for i, cat := range categories {
		names[i] = cat.Name
	}

	prompt := BuildPrompt(content, names)
	raw, err := c.client.ChatWithSchema(ctx,
		[]aiclient.Message{{Role: "user", Content: prompt}},
		resultSchema(names),
		aiclient.Options{System: systemPrompt, MaxRetries: 2},
	)
	if err != nil {
		slog.Warn("classification failed", "url", content.URL, "error", err)
		return nil
	}

	// Confidence is decoded through a pointer so a model that omits the
	// field gets the default while an explicit 0 is kept as-is.
	var decoded struct {
		Category   string   `json:"category"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		slog.Warn("classification result unmarshal failed", "url", content.URL, "error", err)
		return nil
	}
	result := types.ClassificationResult{
		Category:   decoded.Category,
		Confidence: defaultConfidence,
		Reasoning:  decoded.Reasoning,
	}
	if decoded.Confidence != nil {
		result.Confidence = *decoded.Confidence
	}

	slog.Info("page classified",
		"url", content.URL,
		"category", result.Category,
		"confidence", result.Confidence,
	)
	return &result
}

// BuildPrompt constructs the classification prompt from page content and
// the category names offered to the model.
func BuildPrompt(content types.PageContent, categoryNames []string) string {
	desc := content.Description
	if desc == "" {
		desc = "なし"
	}
	body := content.Content
	if utf8.RuneCountInString(body) > maxContentLen {
		body = truncate(body, maxContentLen)
	}
	return fmt.Sprintf(promptTemplate, content.URL, content.Title, desc, body, strings.Join(categoryNames, "\n"))
}

// resultSchema constrains the category field to exactly the given names.
// A singleton list is valid; names is never empty.
func resultSchema(names []string) aiclient.Schema {
	enum := make([]any, len(names))
	allowed := make(map[string]bool, len(names))
	for i, n := range names {
		enum[i] = n
		allowed[n] = true
	}

	return aiclient.Schema{
		Name: "classification",
		Definition: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reasoning":  map[string]any{"type": "string", "description": "分類の理由"},
				"category":   map[string]any{"type": "string", "enum": enum},
				"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1, "description": "分類の信頼度（0.0-1.0）"},
			},
			"required": []any{"category", "confidence"},
		},
		Validate: func(data []byte) error {
			var v struct {
				Category   string   `json:"category"`
				Confidence *float64 `json:"confidence"`
			}
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			if !allowed[v.Category] {
				return fmt.Errorf("category %q is not in the configured set", v.Category)
			}
			if v.Confidence != nil && (*v.Confidence < 0 || *v.Confidence > 1) {
				return fmt.Errorf("confidence %v out of range", *v.Confidence)
			}
			return nil
		},
	}
}

func orDefault(categories []types.GroupCategory) []types.GroupCategory {
	if len(categories) == 0 {
		return append([]types.GroupCategory(nil), types.DefaultCategories...)
	}
	return categories
}

// truncate cuts s to at most n runes. Counting bytes would shortchange
// multibyte text to a third of the intended length.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

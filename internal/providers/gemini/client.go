// Package gemini implements content analysis with Google's Gemini models.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"tidecaster/internal/faults"
	"tidecaster/internal/providers"
)

const defaultModel = "gemini-2.5-flash"

const analysisPrompt = `Analyze this viral social media content and extract:
1. Main hook (first 3 seconds concept)
2. Core topic/theme
3. Target audience
4. Emotional trigger used (curiosity, fear, desire, etc.)
5. Content structure (problem-solution, list, story, etc.)
6. Suggested script for a 60-second video on this topic
7. Suggested caption with 5 hashtags
8. Viral potential score as a number from 0 to 100

Content: %s
Platform: %s
Engagement metrics: %d likes, %d views, %d shares

Respond in JSON format with keys: hook, topic, audience, emotion, structure, script, caption, viral_score`

// Analyzer sends candidates to Gemini and parses the structured analysis.
type Analyzer struct {
	client *genai.Client
	model  string
}

// NewAnalyzer creates an Analyzer. An empty model selects the default.
func NewAnalyzer(ctx context.Context, apiKey, model string) (*Analyzer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = defaultModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Analyzer{client: client, model: model}, nil
}

// Analyze asks the model for a structured analysis of one candidate.
func (a *Analyzer) Analyze(ctx context.Context, candidate providers.RawCandidate) (providers.Analysis, error) {
	prompt := buildPrompt(candidate)

	result, err := a.client.Models.GenerateContent(ctx, a.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return providers.Analysis{}, faults.ClassifyStatus("gemini analyze", apiErr.Code)
		}
		return providers.Analysis{}, faults.ClassifyErr("gemini analyze", err)
	}

	return parseAnalysis(result.Text())
}

func buildPrompt(candidate providers.RawCandidate) string {
	return fmt.Sprintf(analysisPrompt,
		candidate.Description,
		candidate.Platform,
		candidate.Likes,
		candidate.Views,
		candidate.Shares,
	)
}

// parseAnalysis decodes the model's JSON reply. Replies wrapped in markdown
// code fences are unwrapped first. Malformed replies are retryable since the
// model may produce valid JSON on the next attempt.
func parseAnalysis(text string) (providers.Analysis, error) {
	text = stripFences(text)

	var analysis providers.Analysis
	if err := json.Unmarshal([]byte(text), &analysis); err != nil {
		return providers.Analysis{}, faults.Retryable(fmt.Errorf("analysis reply is not valid JSON: %w", err))
	}
	if analysis.Topic == "" || analysis.Caption == "" {
		return providers.Analysis{}, faults.Retryable(fmt.Errorf("analysis reply is missing topic or caption"))
	}
	if analysis.ViralScore < 0 {
		analysis.ViralScore = 0
	}
	if analysis.ViralScore > 100 {
		analysis.ViralScore = 100
	}
	return analysis, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

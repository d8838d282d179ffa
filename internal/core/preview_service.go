package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const (
	defaultPreviewModelName = "gemini-1.5-flash-latest"
	snippetLength           = 40

	previewSystemInstruction = "You write the preview line shown on a chat conversation tile. " +
		"The preview should be 6 words maximum. Just return the preview itself, nothing else."
)

// PreviewService generates tile previews with Gemini.
type PreviewService struct {
	client *genai.Client
}

func NewPreviewService(ctx context.Context, apiKey string) (*PreviewService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &PreviewService{client: client}, nil
}

func (s *PreviewService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

func (s *PreviewService) Preview(ctx context.Context, text string) (string, error) {
	model := s.client.GenerativeModel(defaultPreviewModelName)

	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(previewSystemInstruction)},
	}

	model.SetTemperature(0.3)
	model.SetMaxOutputTokens(20)

	prompt := fmt.Sprintf("Write a very short preview (6 words maximum) for a conversation that starts with: \"%s\".", text)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("gemini preview request failed: %w", err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("LLM did not generate a preview (empty response)")
	}

	// The caller trims quotes and falls back to a snippet when this is empty.
	var previewText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			previewText.WriteString(string(txt))
		}
	}
	return previewText.String(), nil
}

// Snippet returns the first n runes of text on one line, with an ellipsis
// when it was cut.
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:n])) + "…"
}

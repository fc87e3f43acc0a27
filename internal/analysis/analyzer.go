package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/followlytics/followlytics/internal/followlytics"
)

const (
	sampleSize   = 50
	systemPrompt = "You are a social media analyst. Write a concise Markdown report about an X account's " +
		"audience: who the followers are, notable accounts, themes in their bios, recent gains and losses, " +
		"and three concrete growth recommendations."
)

// Input is what an Analyzer sees for one scan.
type Input struct {
	Target string
	Sample []followlytics.Follower
	Diff   *followlytics.Diff
	Stats  Stats
}

// Analyzer turns follower data into a written report.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (string, error)
}

// LLMConfig configures an OpenAI-compatible endpoint.
type LLMConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ChatAnalyzer implements Analyzer on the chat completions API. The same
// client serves OpenAI and xAI Grok, which differ only in base URL and model.
type ChatAnalyzer struct {
	client chatClient
	model  string
}

// NewChatAnalyzer builds a ChatAnalyzer.
func NewChatAnalyzer(cfg LLMConfig) (*ChatAnalyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &ChatAnalyzer{client: openai.NewClientWithConfig(oc), model: cfg.Model}, nil
}

// Analyze sends the prompt and returns the first choice.
func (a *ChatAnalyzer) Analyze(ctx context.Context, in Input) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(in)},
		},
		Temperature: 0.4,
	}
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("chat completion returned no content")
	}
	return resp.Choices[0].Message.Content, nil
}

// BuildPrompt renders the user message for one analysis.
func BuildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Account: @%s\n", in.Target)
	fmt.Fprintf(&b, "Followers analyzed: %d (verified: %d)\n", in.Stats.Total, in.Stats.Verified)
	fmt.Fprintf(&b, "Follower counts of followers: median %.0f, mean %.1f\n", in.Stats.MedianFollowers, in.Stats.MeanFollowers)
	if in.Diff != nil {
		fmt.Fprintf(&b, "Since the previous scan: +%d gained, -%d lost\n", len(in.Diff.Gained), len(in.Diff.Lost))
		if len(in.Diff.Gained) > 0 {
			fmt.Fprintf(&b, "Recently gained: %s\n", joinHandles(in.Diff.Gained, 20))
		}
		if len(in.Diff.Lost) > 0 {
			fmt.Fprintf(&b, "Recently lost: %s\n", joinHandles(in.Diff.Lost, 20))
		}
	}
	if len(in.Stats.Top) > 0 {
		b.WriteString("\nLargest followers:\n")
		for _, f := range in.Stats.Top {
			fmt.Fprintf(&b, "- @%s (%d followers)%s\n", f.Username, f.FollowersCount, verifiedMark(f.Verified))
		}
	}
	if len(in.Stats.Keywords) > 0 {
		b.WriteString("\nTop bio keywords: ")
		parts := make([]string, 0, len(in.Stats.Keywords))
		for _, kw := range in.Stats.Keywords {
			parts = append(parts, fmt.Sprintf("%s (%d)", kw.Word, kw.Count))
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}
	if len(in.Sample) > 0 {
		b.WriteString("\nSample bios:\n")
		for _, f := range in.Sample[:min(sampleSize, len(in.Sample))] {
			if f.Description == "" {
				continue
			}
			fmt.Fprintf(&b, "- @%s: %s\n", f.Username, f.Description)
		}
	}
	return b.String()
}

func joinHandles(names []string, limit int) string {
	shown := names[:min(limit, len(names))]
	out := "@" + strings.Join(shown, ", @")
	if extra := len(names) - len(shown); extra > 0 {
		out += fmt.Sprintf(" and %d more", extra)
	}
	return out
}

func verifiedMark(v bool) string {
	if v {
		return " [verified]"
	}
	return ""
}

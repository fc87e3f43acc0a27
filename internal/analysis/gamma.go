package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/followlytics/followlytics/internal/restclient"
)

// PresentationMaker renders Markdown into a hosted slide deck and returns its URL.
type PresentationMaker interface {
	Present(ctx context.Context, title, markdown string) (string, error)
}

// GammaConfig configures the Gamma generations API.
type GammaConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Gamma implements PresentationMaker against the Gamma generations API.
type Gamma struct {
	api      *restclient.Client
	interval time.Duration
}

type gammaGeneration struct {
	GenerationID string `json:"generationId"`
	Status       string `json:"status"`
	GammaURL     string `json:"gammaUrl"`
	Error        *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewGamma builds a Gamma client.
func NewGamma(cfg GammaConfig) (*Gamma, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gamma api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://public-api.gamma.app/v0.2"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Gamma{
		api: restclient.New(restclient.Config{
			Vendor:     "gamma",
			BaseURL:    cfg.BaseURL,
			Auth:       restclient.Header("X-API-KEY", cfg.APIKey),
			HTTPClient: cfg.HTTPClient,
			Logger:     cfg.Logger,
		}),
		interval: cfg.PollInterval,
	}, nil
}

// Present starts a generation and polls until it completes.
func (g *Gamma) Present(ctx context.Context, title, markdown string) (string, error) {
	body := map[string]any{
		"inputText":              "# " + title + "\n\n" + markdown,
		"textMode":               "condense",
		"format":                 "presentation",
		"numCards":               8,
		"cardSplit":              "auto",
		"additionalInstructions": "Audience analytics deck. Keep numbers exact.",
	}
	var gen gammaGeneration
	if err := g.api.Do(ctx, http.MethodPost, "/generations", body, &gen); err != nil {
		return "", fmt.Errorf("start gamma generation: %w", err)
	}
	if gen.GenerationID == "" {
		return "", errors.New("gamma returned no generation id")
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		switch gen.Status {
		case "completed":
			if gen.GammaURL == "" {
				return "", errors.New("gamma generation completed without url")
			}
			return gen.GammaURL, nil
		case "failed":
			msg := "unknown error"
			if gen.Error != nil && gen.Error.Message != "" {
				msg = gen.Error.Message
			}
			return "", fmt.Errorf("gamma generation failed: %s", msg)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for gamma generation: %w", ctx.Err())
		case <-ticker.C:
		}
		id := gen.GenerationID
		if err := g.api.Do(ctx, http.MethodGet, "/generations/"+id, nil, &gen); err != nil {
			return "", fmt.Errorf("poll gamma generation: %w", err)
		}
		if gen.GenerationID == "" {
			gen.GenerationID = id
		}
	}
}

package main

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/cmoretti/conductor/internal/config"
	"github.com/cmoretti/conductor/internal/provider"
)

// createProvider builds the reasoning provider from configuration.
// Requests go to the Anthropic API directly, or through AWS Bedrock
// when use_bedrock is set.
func createProvider(cfg *config.Config) (provider.Provider, error) {
	pc := provider.AnthropicConfig{
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	}
	if cfg.Anthropic.Model != "" {
		pc.Model = anthropic.Model(cfg.Anthropic.Model)
	}

	p, err := provider.NewAnthropic(pc)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return p, nil
}

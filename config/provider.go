package config

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/opal-run/opal/provider"
	"github.com/opal-run/opal/provider/anthropic"
	"github.com/opal-run/opal/provider/bedrock"
	"github.com/opal-run/opal/provider/openai"
)

// NewProvider builds the provider.Provider named by model.Provider,
// credentialed from rt. It's the one place that knows about all three
// backends, mirroring the teacher's own model package selection switch
// in its service wiring.
func NewProvider(rt Runtime, model ModelConfig) (provider.Provider, error) {
	switch model.Provider {
	case "anthropic":
		if rt.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("config: ANTHROPIC_API_KEY is required for model %q", model.Name)
		}
		return anthropic.NewFromAPIKey(rt.AnthropicAPIKey, anthropic.Options{
			MaxTokens: model.MaxTokens,
		})
	case "openai":
		if rt.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("config: OPENAI_API_KEY is required for model %q", model.Name)
		}
		return openai.NewFromAPIKey(rt.OpenAIAPIKey, openai.Options{
			MaxTokens: model.MaxTokens,
		})
	case "bedrock":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(), awsconfig.WithRegion(rt.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("config: loading AWS config: %w", err)
		}
		client := bedrockruntime.NewFromConfig(awsCfg)
		return bedrock.New(client, bedrock.Options{MaxTokens: model.MaxTokens})
	default:
		return nil, fmt.Errorf("config: unknown provider %q for model %q", model.Provider, model.Name)
	}
}

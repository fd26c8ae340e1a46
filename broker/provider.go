package broker

import "github.com/bt-bridge/realtime-session/shared"

// resolveProvider parses the request's provider selector and checks that
// its secrets are provisioned. Only the primary provider has a signaling
// path; the alternates fail with UnsupportedProviderError once their
// secrets check out.
func (c Config) resolveProvider(raw string) (shared.Provider, error) {
	p, err := shared.ParseProvider(raw)
	if err != nil {
		return "", err
	}
	switch p {
	case shared.ProviderOpenAI:
		if !c.OpenAI.APIKey.IsSet() {
			return p, &shared.ConfigurationError{Provider: p, Setting: EnvOpenAIAPIKey}
		}
		return p, nil
	case shared.ProviderGemini:
		if !c.Gemini.APIKey.IsSet() {
			return p, &shared.ConfigurationError{Provider: p, Setting: EnvGeminiAPIKey}
		}
	case shared.ProviderBedrock:
		if !c.Bedrock.AccessKeyID.IsSet() {
			return p, &shared.ConfigurationError{Provider: p, Setting: EnvAWSAccessKeyID}
		}
		if !c.Bedrock.SecretAccessKey.IsSet() {
			return p, &shared.ConfigurationError{Provider: p, Setting: EnvAWSSecretAccessKey}
		}
	}
	return p, &shared.UnsupportedProviderError{Provider: p}
}

package gateway

import (
	"context"
	"net/url"
	"strings"
)

// Built-in provider defaults. The service is usable with zero explicit
// configuration beyond a credential.
const (
	defaultBaseURL     = "https://api.siliconflow.cn"
	defaultTextModel   = "Qwen/Qwen2.5-7B-Instruct"
	defaultVisionModel = "Qwen/Qwen2-VL-72B-Instruct"

	// CredentialName is the secret-store entry holding the API key.
	CredentialName = "gateway_api_key"

	chatCompletionsPath = "/v1/chat/completions"
	modelsPath          = "/v1/models"
)

// SecretSource is the credential lookup the client resolves against first.
type SecretSource interface {
	Get(ctx context.Context, name string) (value string, ok bool, err error)
}

// ProviderConfig is the resolved tuple for one gateway call. Computed per
// request, never cached longer than the call.
type ProviderConfig struct {
	BaseURL     string // normalized, no trailing /v1
	Credential  string
	TextModel   string
	VisionModel string
}

func (p ProviderConfig) ChatEndpoint() string   { return p.BaseURL + chatCompletionsPath }
func (p ProviderConfig) ModelsEndpoint() string { return p.BaseURL + modelsPath }

// resolve computes the provider configuration with explicit precedence:
// secret store, then static fallback, then built-in default. A missing
// credential fails fast before any network I/O.
func (c *Client) resolve(ctx context.Context) (ProviderConfig, error) {
	base, err := normalizeBaseURL(c.cfg.BaseURL)
	if err != nil {
		return ProviderConfig{}, err
	}

	credential := ""
	if c.cfg.Secrets != nil {
		v, ok, err := c.cfg.Secrets.Get(ctx, CredentialName)
		if err != nil {
			// A broken secret store falls through to the static fallback.
			c.logger.Warn().Err(err).Msg("secret store lookup failed")
		} else if ok && strings.TrimSpace(v) != "" {
			credential = strings.TrimSpace(v)
		}
	}
	if credential == "" {
		credential = strings.TrimSpace(c.cfg.APIKeyFallback)
	}
	if credential == "" {
		return ProviderConfig{}, configErr("no API credential configured", nil)
	}

	textModel := strings.TrimSpace(c.cfg.TextModel)
	if textModel == "" {
		textModel = defaultTextModel
	}
	visionModel := strings.TrimSpace(c.cfg.VisionModel)
	if visionModel == "" {
		visionModel = defaultVisionModel
	}

	return ProviderConfig{
		BaseURL:     base,
		Credential:  credential,
		TextModel:   textModel,
		VisionModel: visionModel,
	}, nil
}

// normalizeBaseURL strips trailing slashes and an accidental trailing /v1 so
// configured values like "https://host/v1/" and "https://host" resolve to the
// same endpoint.
func normalizeBaseURL(raw string) (string, error) {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = defaultBaseURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	base = strings.TrimRight(base, "/")

	u, err := url.Parse(base)
	if err != nil {
		return "", configErr("unparsable base URL", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", configErr("base URL must be absolute: "+base, nil)
	}
	return base, nil
}

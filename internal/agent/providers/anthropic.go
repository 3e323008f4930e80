// Package providers implements agent.LLMProvider for Anthropic's Claude.
//
// One adapter serves three backends: the first-party API, AWS Bedrock and
// Google Vertex. All of them speak the beta Messages streaming API, which
// the computer use tools require.
//
// Example Usage:
//
//	provider, err := providers.NewAnthropicProvider(ctx, providers.AnthropicConfig{
//	    Backend: providers.BackendAnthropic,
//	    APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	chunks, err := provider.Complete(ctx, req)
//	for chunk := range chunks {
//	    if chunk.Error != nil {
//	        log.Printf("Error: %v", chunk.Error)
//	        break
//	    }
//	    fmt.Print(chunk.Text)
//	}
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/anthropics/anthropic-sdk-go/vertex"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"golang.org/x/oauth2/google"

	"github.com/haasonsaas/operative/internal/agent"
	"github.com/haasonsaas/operative/pkg/models"
)

// Backend selects how requests reach the model.
type Backend string

const (
	BackendAnthropic Backend = "anthropic"
	BackendBedrock   Backend = "bedrock"
	BackendVertex    Backend = "vertex"
)

// DefaultModel returns the model used by a backend when none is configured.
func DefaultModel(b Backend) string {
	switch b {
	case BackendBedrock:
		return "anthropic.claude-3-5-sonnet-20241022-v2:0"
	case BackendVertex:
		return "claude-3-5-sonnet-v2@20241022"
	default:
		return "claude-3-7-sonnet-20250219"
	}
}

const (
	defaultMaxTokens = 4096

	// minThinkingBudget is the smallest budget the API accepts.
	minThinkingBudget = 1024

	vertexScope = "https://www.googleapis.com/auth/cloud-platform"
)

// AnthropicProvider implements agent.LLMProvider over the beta Messages API.
//
// The SDK's own retries are disabled: the agent loop owns retry and relies
// on ProviderError to tell retryable failures from fatal ones.
//
// Thread Safety:
// AnthropicProvider is safe for concurrent use. Each Complete call creates
// an independent stream and goroutine.
type AnthropicProvider struct {
	client       anthropic.Client
	backend      Backend
	defaultModel string
}

// AnthropicConfig holds configuration parameters for creating an AnthropicProvider.
//
// Only the fields of the selected backend are read.
type AnthropicConfig struct {
	// Backend selects the transport. Default: BackendAnthropic
	Backend Backend

	// APIKey authenticates against the first-party API (required for BackendAnthropic).
	// Format: sk-ant-api03-...
	APIKey string

	// BaseURL overrides the API base URL. Used by tests and proxies.
	BaseURL string

	// DefaultModel is used when a request doesn't name a model.
	// Default: DefaultModel(Backend)
	DefaultModel string

	// AWSRegion and AWSProfile configure Bedrock. Empty values fall back to
	// the default AWS credential chain.
	AWSRegion  string
	AWSProfile string

	// Static Bedrock credentials. Used only when both key fields are set.
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSSessionToken    string

	// VertexRegion and VertexProjectID configure Vertex (both required for BackendVertex).
	VertexRegion    string
	VertexProjectID string

	// VertexCredentialsFile is an optional service-account JSON file.
	// Application default credentials are used when empty.
	VertexCredentialsFile string
}

// NewAnthropicProvider creates a provider for the configured backend.
//
// ctx is used only while loading cloud credentials.
func NewAnthropicProvider(ctx context.Context, cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendAnthropic
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel(cfg.Backend)
	}

	opts := []option.RequestOption{option.WithMaxRetries(0)}

	switch cfg.Backend {
	case BackendAnthropic:
		if cfg.APIKey == "" {
			return nil, errors.New("anthropic: API key is required")
		}
		opts = append(opts, option.WithAPIKey(cfg.APIKey))

	case BackendBedrock:
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		if cfg.AWSAccessKeyID != "" && cfg.AWSSecretAccessKey != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, cfg.AWSSessionToken),
			))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("bedrock: load aws config: %w", err)
		}
		opts = append(opts, bedrock.WithConfig(awsCfg))

	case BackendVertex:
		if cfg.VertexRegion == "" || cfg.VertexProjectID == "" {
			return nil, errors.New("vertex: region and project id are required")
		}
		creds, err := vertexCredentials(ctx, cfg.VertexCredentialsFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vertex.WithCredentials(ctx, cfg.VertexRegion, cfg.VertexProjectID, creds))

	default:
		return nil, fmt.Errorf("unknown provider backend %q", cfg.Backend)
	}

	// The backend options set their own base URL; an override must come last.
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		backend:      cfg.Backend,
		defaultModel: cfg.DefaultModel,
	}, nil
}

// vertexCredentials loads a service-account file, or application default
// credentials when path is empty. The SDK helper panics on failure, so
// credentials are resolved here first.
func vertexCredentials(ctx context.Context, path string) (*google.Credentials, error) {
	if path == "" {
		creds, err := google.FindDefaultCredentials(ctx, vertexScope)
		if err != nil {
			return nil, fmt.Errorf("vertex: find default credentials: %w", err)
		}
		return creds, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vertex: read credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, vertexScope)
	if err != nil {
		return nil, fmt.Errorf("vertex: parse credentials: %w", err)
	}
	return creds, nil
}

// Name returns the backend name, used in metrics and logs.
func (p *AnthropicProvider) Name() string {
	return string(p.backend)
}

// Complete sends a streaming request.
//
// Request conversion errors are returned directly. Transport and API errors
// arrive as a chunk with Error set, wrapped in *ProviderError.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		stream := p.client.Beta.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		p.processStream(ctx, stream, chunks, model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.BetaMessageNewParams, error) {
	caching := p.backend == BackendAnthropic && (req.CacheSystem || len(req.CacheBreakpoints) > 0)

	breakpoints := req.CacheBreakpoints
	if !caching {
		breakpoints = nil
	}
	messages, err := convertMessages(req.Messages, breakpoints)
	if err != nil {
		return anthropic.BetaMessageNewParams{}, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}
	tools, err := convertTools(req.Tools)
	if err != nil {
		return anthropic.BetaMessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
	}

	params := anthropic.BetaMessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(getMaxTokens(req.MaxTokens)),
		Tools:     tools,
		Betas:     betas(req.Betas, caching),
	}

	if req.System != "" {
		system := anthropic.BetaTextBlockParam{Text: req.System}
		if caching && req.CacheSystem {
			system.CacheControl = anthropic.NewBetaCacheControlEphemeralParam()
		}
		params.System = []anthropic.BetaTextBlockParam{system}
	}

	if req.ThinkingBudget > 0 {
		budget := int64(req.ThinkingBudget)
		if budget < minThinkingBudget {
			budget = minThinkingBudget
		}
		params.Thinking = anthropic.BetaThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

func betas(requested []string, caching bool) []anthropic.AnthropicBeta {
	var out []anthropic.AnthropicBeta
	seen := map[string]bool{}
	add := func(b string) {
		if b == "" || seen[b] {
			return
		}
		seen[b] = true
		out = append(out, anthropic.AnthropicBeta(b))
	}
	for _, b := range requested {
		add(b)
	}
	if caching {
		add(string(anthropic.AnthropicBetaPromptCaching2024_07_31))
	}
	return out
}

// maxEmptyStreamEvents is the maximum number of consecutive events that carry
// nothing before the stream is treated as malformed.
const maxEmptyStreamEvents = 300

// blockBuilder accumulates one content block across delta events.
type blockBuilder struct {
	kind      string
	text      strings.Builder
	signature string
	id        string
	name      string
}

func (b *blockBuilder) build() (models.Block, bool) {
	switch b.kind {
	case "text":
		if b.text.Len() == 0 {
			return models.Block{}, false
		}
		return models.TextBlock(b.text.String()), true
	case "thinking":
		return models.ThinkingBlock(b.text.String(), b.signature), true
	case "redacted_thinking":
		return models.RedactedThinkingBlock(b.text.String()), true
	case "tool_use":
		input := json.RawMessage(b.text.String())
		if len(bytes.TrimSpace(input)) == 0 {
			input = json.RawMessage("{}")
		}
		return models.ToolUseBlock(b.id, b.name, "", input), true
	default:
		return models.Block{}, false
	}
}

// processStream converts SSE events into chunks.
//
// Text and thinking deltas are forwarded as they arrive. A block is emitted
// once its content_block_stop event is seen, so partial blocks never reach
// the conversation.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.BetaRawMessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	send := func(c *agent.CompletionChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		current         *blockBuilder
		stopReason      string
		inputTokens     int
		outputTokens    int
		cacheRead       int
		cacheCreation   int
		emptyEventCount int
	)

	for stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			usage := event.Message.Usage
			inputTokens = int(usage.InputTokens)
			cacheRead = int(usage.CacheReadInputTokens)
			cacheCreation = int(usage.CacheCreationInputTokens)

		case "content_block_start":
			block := event.ContentBlock
			current = &blockBuilder{kind: block.Type}
			switch block.Type {
			case "text":
				current.text.WriteString(block.Text)
			case "thinking":
				current.text.WriteString(block.Thinking)
				current.signature = block.Signature
			case "redacted_thinking":
				current.text.WriteString(block.Data)
			case "tool_use":
				current.id = block.ID
				current.name = block.Name
			default:
				// server tools are not replayed
				current = nil
			}

		case "content_block_delta":
			delta := event.Delta
			switch delta.Type {
			case "text_delta":
				if current != nil {
					current.text.WriteString(delta.Text)
				}
				if delta.Text != "" && !send(&agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case "thinking_delta":
				if current != nil {
					current.text.WriteString(delta.Thinking)
				}
				if delta.Thinking != "" && !send(&agent.CompletionChunk{Thinking: delta.Thinking}) {
					return
				}
			case "signature_delta":
				if current != nil {
					current.signature += delta.Signature
				}
			case "input_json_delta":
				if current != nil {
					current.text.WriteString(delta.PartialJSON)
				}
			default:
				processed = false
			}

		case "content_block_stop":
			if current != nil {
				if block, ok := current.build(); ok && !send(&agent.CompletionChunk{Block: &block}) {
					return
				}
				current = nil
			}

		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = string(event.Delta.StopReason)
			}
			if event.Usage.OutputTokens > 0 {
				outputTokens = int(event.Usage.OutputTokens)
			}

		case "message_stop":
			send(&agent.CompletionChunk{
				Done:                true,
				StopReason:          stopReason,
				InputTokens:         inputTokens,
				OutputTokens:        outputTokens,
				CacheReadTokens:     cacheRead,
				CacheCreationTokens: cacheCreation,
			})
			return

		case "error":
			send(&agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return

		default:
			processed = false
		}

		if processed {
			emptyEventCount = 0
		} else {
			emptyEventCount++
			if emptyEventCount >= maxEmptyStreamEvents {
				send(&agent.CompletionChunk{Error: p.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEventCount),
					model,
				)})
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			send(&agent.CompletionChunk{Error: ctx.Err()})
			return
		}
		send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
	}
}

// convertMessages maps the conversation onto beta message params.
// tool_result messages are sent with the user role. The last block of each
// message listed in breakpoints gets an ephemeral cache marker.
func convertMessages(messages []models.Message, breakpoints []int) ([]anthropic.BetaMessageParam, error) {
	marked := make(map[int]bool, len(breakpoints))
	for _, idx := range breakpoints {
		marked[idx] = true
	}

	result := make([]anthropic.BetaMessageParam, 0, len(messages))
	for i, msg := range messages {
		content := make([]anthropic.BetaContentBlockParamUnion, 0, len(msg.Blocks))
		for _, block := range msg.Blocks {
			param, err := convertBlock(block)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			content = append(content, param)
		}
		if len(content) == 0 {
			return nil, fmt.Errorf("message %d has no content", i)
		}
		if marked[i] {
			if cc := content[len(content)-1].GetCacheControl(); cc != nil {
				*cc = anthropic.NewBetaCacheControlEphemeralParam()
			}
		}

		role := anthropic.BetaMessageParamRoleUser
		if msg.Role == models.RoleAssistant {
			role = anthropic.BetaMessageParamRoleAssistant
		}
		result = append(result, anthropic.BetaMessageParam{Role: role, Content: content})
	}
	return result, nil
}

func convertBlock(block models.Block) (anthropic.BetaContentBlockParamUnion, error) {
	switch block.Type {
	case models.BlockText:
		return anthropic.NewBetaTextBlock(block.Text), nil

	case models.BlockThinking:
		return anthropic.NewBetaThinkingBlock(block.Signature, block.Thinking), nil

	case models.BlockRedactedThinking:
		return anthropic.NewBetaRedactedThinkingBlock(block.Data), nil

	case models.BlockToolUse:
		if block.ToolUse == nil {
			return anthropic.BetaContentBlockParamUnion{}, errors.New("tool_use block without payload")
		}
		input := block.ToolUse.Input
		if len(bytes.TrimSpace(input)) == 0 {
			input = json.RawMessage("{}")
		}
		if !json.Valid(input) {
			return anthropic.BetaContentBlockParamUnion{}, fmt.Errorf("invalid tool use input for %s", block.ToolUse.ID)
		}
		return anthropic.NewBetaToolUseBlock(block.ToolUse.ID, input, block.ToolUse.Name), nil

	case models.BlockToolResult:
		if block.ToolResult == nil {
			return anthropic.BetaContentBlockParamUnion{}, errors.New("tool_result block without payload")
		}
		return anthropic.BetaContentBlockParamUnion{OfToolResult: convertToolResult(block.ToolResult)}, nil

	default:
		return anthropic.BetaContentBlockParamUnion{}, fmt.Errorf("unsupported block type %q", block.Type)
	}
}

func convertToolResult(tr *models.ToolResult) *anthropic.BetaToolResultBlockParam {
	param := &anthropic.BetaToolResultBlockParam{ToolUseID: tr.ToolUseID}
	if tr.IsError {
		param.IsError = anthropic.Bool(true)
	}
	for _, part := range tr.Content {
		switch {
		case part.Type == models.PartImage && !part.Omitted:
			param.Content = append(param.Content, anthropic.BetaToolResultBlockParamContentUnion{
				OfImage: &anthropic.BetaImageBlockParam{
					Source: anthropic.BetaImageBlockParamSourceUnion{
						OfBase64: &anthropic.BetaBase64ImageSourceParam{
							Data:      part.Data,
							MediaType: imageMediaType(part.MediaType),
						},
					},
				},
			})
		case part.Text != "":
			param.Content = append(param.Content, anthropic.BetaToolResultBlockParamContentUnion{
				OfText: &anthropic.BetaTextBlockParam{Text: part.Text},
			})
		}
	}
	return param
}

func imageMediaType(mediaType string) anthropic.BetaBase64ImageSourceMediaType {
	switch mediaType {
	case "image/jpeg", "image/jpg":
		return anthropic.BetaBase64ImageSourceMediaTypeImageJPEG
	case "image/gif":
		return anthropic.BetaBase64ImageSourceMediaTypeImageGIF
	case "image/webp":
		return anthropic.BetaBase64ImageSourceMediaTypeImageWebP
	default:
		return anthropic.BetaBase64ImageSourceMediaTypeImagePNG
	}
}

// convertTools maps tool specs onto the versioned built-in tool params.
// Specs without a Type are sent as custom tools with their input schema.
func convertTools(specs []agent.ToolSpec) ([]anthropic.BetaToolUnionParam, error) {
	result := make([]anthropic.BetaToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		switch spec.Type {
		case "computer_20241022", "computer_20250124":
			if spec.Display == nil || spec.Display.WidthPx <= 0 || spec.Display.HeightPx <= 0 {
				return nil, fmt.Errorf("computer tool %s has no display size", spec.Name)
			}
			h, w := int64(spec.Display.HeightPx), int64(spec.Display.WidthPx)
			if spec.Type == "computer_20241022" {
				param := anthropic.BetaToolUnionParamOfComputerUseTool20241022(h, w)
				if spec.Display.DisplayNumber > 0 {
					param.OfComputerUseTool20241022.DisplayNumber = anthropic.Int(int64(spec.Display.DisplayNumber))
				}
				result = append(result, param)
			} else {
				param := anthropic.BetaToolUnionParamOfComputerUseTool20250124(h, w)
				if spec.Display.DisplayNumber > 0 {
					param.OfComputerUseTool20250124.DisplayNumber = anthropic.Int(int64(spec.Display.DisplayNumber))
				}
				result = append(result, param)
			}

		case "bash_20241022":
			result = append(result, anthropic.BetaToolUnionParam{OfBashTool20241022: &anthropic.BetaToolBash20241022Param{}})
		case "bash_20250124":
			result = append(result, anthropic.BetaToolUnionParam{OfBashTool20250124: &anthropic.BetaToolBash20250124Param{}})
		case "text_editor_20241022":
			result = append(result, anthropic.BetaToolUnionParam{OfTextEditor20241022: &anthropic.BetaToolTextEditor20241022Param{}})
		case "text_editor_20250124":
			result = append(result, anthropic.BetaToolUnionParam{OfTextEditor20250124: &anthropic.BetaToolTextEditor20250124Param{}})

		case "":
			var schema anthropic.BetaToolInputSchemaParam
			if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
			}
			param := anthropic.BetaToolUnionParamOfTool(schema, spec.Name)
			if spec.Description != "" {
				param.OfTool.Description = anthropic.String(spec.Description)
			}
			result = append(result, param)

		default:
			return nil, fmt.Errorf("unsupported tool type %q for %s", spec.Type, spec.Name)
		}
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return defaultMaxTokens
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := (&ProviderError{
			Provider: p.Name(),
			Model:    model,
			Cause:    err,
			Reason:   FailoverUnknown,
		}).WithStatus(apiErr.StatusCode)

		message := ""
		code := ""
		requestID := apiErr.RequestID

		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}

		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else {
			providerErr.Message = fmt.Sprintf("%s request failed", p.Name())
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError(p.Name(), model, err)
}

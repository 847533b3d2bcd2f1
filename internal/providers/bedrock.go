package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/cocode/cocode/pkg/models"
)

// BedrockAdapter implements Adapter against AWS Bedrock's Converse API,
// which fronts Anthropic, Amazon Titan, Meta Llama, Mistral, and Cohere
// foundation models behind a single wire shape distinct from the other
// three providers. Authentication is handled via the AWS SDK's standard
// credential chain (environment, IAM role, or explicit static keys).
type BedrockAdapter struct {
	client       *bedrockruntime.Client
	defaultModel string
	base         BaseProvider
}

// BedrockConfig configures a BedrockAdapter.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// NewBedrockAdapter builds an adapter against AWS Bedrock's runtime.
func NewBedrockAdapter(cfg BedrockConfig) (*BedrockAdapter, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(context.Background(),
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(context.Background(), config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockAdapter{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider("bedrock", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

func (p *BedrockAdapter) Name() string { return "bedrock" }

// Capabilities reflects the Anthropic-family defaults since that is the
// most commonly deployed Bedrock model family; other hosted families vary.
func (p *BedrockAdapter) Capabilities(model string) Capabilities {
	caps := Capabilities{SupportsTools: true, MaxContextTokens: 200000, MaxOutputTokens: 4096}
	if strings.HasPrefix(model, "anthropic.") {
		caps.SupportsVision = true
		caps.SupportsThinking = false
	}
	return caps
}

// Stream issues a ConverseStream request and normalizes its events onto the
// canonical StreamEvent sequence.
func (p *BedrockAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if p.client == nil {
		return nil, NewProviderError("bedrock", req.Model, errors.New("Bedrock client not initialized"))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	converseReq := &bedrockruntime.ConverseStreamInput{ModelId: aws.String(model), Messages: messages}
	if req.System != "" {
		converseReq.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		converseReq.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(maxTokens))}
	}
	if len(req.Tools) > 0 {
		converseReq.ToolConfig = convertBedrockTools(req.Tools)
	}

	var stream *bedrockruntime.ConverseStreamOutput
	lastErr := p.base.Retry(ctx, func(e error) bool { return IsRetryable(p.wrapError(e, model)) }, func() error {
		var err error
		stream, err = p.client.ConverseStream(ctx, converseReq)
		return err
	})
	if lastErr != nil {
		return nil, fmt.Errorf("bedrock: %w", p.wrapError(lastErr, model))
	}

	events := make(chan StreamEvent)
	go p.processStream(ctx, stream, events, model)
	return events, nil
}

func (p *BedrockAdapter) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, out chan<- StreamEvent, model string) {
	defer close(out)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var toolUseID, toolName string
	var toolInput strings.Builder
	var usage models.Usage

	flushTool := func() {
		if toolUseID != "" {
			out <- StreamEvent{Type: StreamToolUse, ToolUseID: toolUseID, ToolName: toolName, ToolInputJSON: []byte(toolInput.String())}
			toolUseID, toolName = "", ""
			toolInput.Reset()
		}
	}

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			out <- StreamEvent{Type: StreamError, Err: ctx.Err()}
			return
		case event, ok := <-eventChan:
			if !ok {
				flushTool()
				if err := eventStream.Err(); err != nil {
					out <- StreamEvent{Type: StreamError, Err: p.wrapError(err, model)}
				} else {
					out <- StreamEvent{Type: StreamMessageDone, Usage: &usage}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolUseID = aws.ToString(toolUse.Value.ToolUseId)
					toolName = aws.ToString(toolUse.Value.Name)
					toolInput.Reset()
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						out <- StreamEvent{Type: StreamTextDelta, TextDelta: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				flushTool()
			case *types.ConverseStreamOutputMemberMessageStop:
				out <- StreamEvent{Type: StreamMessageDone, Usage: &usage}
				return
			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
			}
		}
	}
}

// convertMessages maps canonical messages onto Bedrock's Converse content
// blocks. Image attachments are out of scope here (see DESIGN.md).
func (p *BedrockAdapter) convertMessages(messages []*models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock
		if text := msg.Text(); text != "" {
			content = append(content, &types.ContentBlockMemberText{Value: text})
		}
		for _, tr := range msg.ToolResults() {
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(tr.ToolResultID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.ToolResultContent.FlattenToText()}},
				},
			})
		}
		for _, tu := range msg.ToolUses() {
			var inputDoc any
			if err := json.Unmarshal(tu.ToolInput, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{ToolUseId: aws.String(tu.ToolUseID), Name: aws.String(tu.ToolName), Input: document.NewLazyDocument(inputDoc)},
			})
		}

		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	return result, nil
}

func convertBedrockTools(tools []ToolDefinition) *types.ToolConfiguration {
	bedrockTools := make([]types.Tool, len(tools))
	for i, tool := range tools {
		var schema any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		bedrockTools[i] = &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		}
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

func (p *BedrockAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	errMsg := err.Error()
	if strings.Contains(errMsg, "ThrottlingException") || strings.Contains(errMsg, "TooManyRequestsException") || strings.Contains(errMsg, "ServiceUnavailableException") {
		return NewProviderError("bedrock", model, err).WithStatus(429)
	}
	return NewProviderError("bedrock", model, err)
}

// Package provider adapts eino chat models to the agent, classifier, title
// and followup contracts used by dispatch and the output monitor.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Provider is a configured chat model of one vendor.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Model returns the model the provider was built for.
	Model() string

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel

	// CreateCompletion creates a streaming completion.
	CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error)
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []*schema.Message  `json:"messages"`
	Tools       []*schema.ToolInfo `json:"tools,omitempty"`
	MaxTokens   int                `json:"maxTokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	StopWords   []string           `json:"stopWords,omitempty"`
}

// CompletionStream wraps an Eino stream reader.
type CompletionStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// NewCompletionStream creates a new completion stream.
func NewCompletionStream(reader *schema.StreamReader[*schema.Message]) *CompletionStream {
	return &CompletionStream{reader: reader}
}

// Recv receives the next message chunk from the stream.
func (s *CompletionStream) Recv() (*schema.Message, error) {
	return s.reader.Recv()
}

// Close closes the stream.
func (s *CompletionStream) Close() {
	s.reader.Close()
}

// Collect drains the stream and returns the concatenated content.
func (s *CompletionStream) Collect() (string, error) {
	defer s.Close()

	var out strings.Builder
	for {
		msg, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out.String(), nil
		}
		if err != nil {
			return out.String(), err
		}
		out.WriteString(msg.Content)
	}
}

// chatProvider is the Provider shared by every vendor; vendors differ only
// in how the eino model is built and which token option they accept.
type chatProvider struct {
	id        string
	name      string
	modelID   string
	chatModel model.ToolCallingChatModel

	maxTokensOption func(int) model.Option
}

// New wraps an already built chat model.
func New(id, name, modelID string, chatModel model.ToolCallingChatModel) Provider {
	return &chatProvider{
		id:              id,
		name:            name,
		modelID:         modelID,
		chatModel:       chatModel,
		maxTokensOption: model.WithMaxTokens,
	}
}

func (p *chatProvider) ID() string                            { return p.id }
func (p *chatProvider) Name() string                          { return p.name }
func (p *chatProvider) Model() string                         { return p.modelID }
func (p *chatProvider) ChatModel() model.ToolCallingChatModel { return p.chatModel }

// CreateCompletion creates a streaming completion.
func (p *chatProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	chatModel := p.chatModel
	if len(req.Tools) > 0 {
		var err error
		chatModel, err = chatModel.WithTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("failed to bind tools: %w", err)
		}
	}

	var opts []model.Option
	if req.MaxTokens > 0 {
		opts = append(opts, p.maxTokensOption(req.MaxTokens))
	}
	if req.Temperature > 0 {
		opts = append(opts, model.WithTemperature(float32(req.Temperature)))
	}
	if len(req.StopWords) > 0 {
		opts = append(opts, model.WithStop(req.StopWords))
	}

	stream, err := chatModel.Stream(ctx, req.Messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	return NewCompletionStream(stream), nil
}

package openai

import (
    "context"
    "fmt"
    "strings"

    "github.com/sashabaranov/go-openai"
)

const maxTokens = 2048

type Client struct {
    *openai.Client
    Model      string
    EmbedModel string
}

func NewClient(apiKey, model, embedModel string) *Client {
    return &Client{Client: openai.NewClient(apiKey), Model: model, EmbedModel: embedModel}
}

// Generate sends a system/user prompt pair and returns the raw JSON response body.
func (c *Client) Generate(ctx context.Context, system, user string) (string, error) {
    model := c.Model
    if model == "" {
        model = "gpt-4o-mini"
    }
    req := openai.ChatCompletionRequest{
        Model: model,
        ResponseFormat: &openai.ChatCompletionResponseFormat{
            Type: openai.ChatCompletionResponseFormatTypeJSONObject,
        },
        Messages: []openai.ChatCompletionMessage{
            {Role: openai.ChatMessageRoleSystem, Content: system},
            {Role: openai.ChatMessageRoleUser, Content: user},
        },
    }
    // For reasoning models (o1/o3/o4/gpt-5*) use MaxCompletionTokens instead of MaxTokens
    if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.HasPrefix(model, "gpt-5") {
        req.MaxCompletionTokens = maxTokens
    } else {
        req.MaxTokens = maxTokens
    }

    resp, err := c.CreateChatCompletion(ctx, req)
    if err != nil {
        return "", fmt.Errorf("failed to create chat completion: %w", err)
    }
    if len(resp.Choices) == 0 {
        return "", fmt.Errorf("chat completion returned no choices")
    }

    return resp.Choices[0].Message.Content, nil
}

// Embed returns the embedding vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
    model := c.EmbedModel
    if model == "" {
        model = string(openai.LargeEmbedding3)
    }
    resp, err := c.CreateEmbeddings(ctx, openai.EmbeddingRequest{
        Model: openai.EmbeddingModel(model),
        Input: []string{text},
    })
    if err != nil {
        return nil, fmt.Errorf("failed to create embedding: %w", err)
    }
    if len(resp.Data) == 0 {
        return nil, fmt.Errorf("embedding response was empty")
    }
    return resp.Data[0].Embedding, nil
}

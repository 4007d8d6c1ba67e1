package opencode

import "strings"

// DefaultProviderID is assumed when a model name carries no provider prefix.
const DefaultProviderID = "anthropic"

// NewPromptRequest builds the body for prompt_async: the prompt text as the
// leading part, followed by any file parts. An empty model leaves the
// server's configured default in effect.
func NewPromptRequest(content, messageID, model string, files []PartInput) PromptRequest {
	parts := make([]PartInput, 0, 1+len(files))
	parts = append(parts, PartInput{Type: "text", Text: content})
	parts = append(parts, files...)

	req := PromptRequest{
		Parts:     parts,
		MessageID: messageID,
	}
	if model != "" {
		providerID, modelID := SplitModel(model)
		req.Model = &ModelSpec{ProviderID: providerID, ModelID: modelID}
	}
	return req
}

// FilePart builds the part for one prompt attachment.
func FilePart(mime, url, filename string) PartInput {
	return PartInput{
		Type:     "file",
		Mime:     mime,
		URL:      url,
		Filename: filename,
	}
}

// SplitModel splits "provider/model" on the first slash. A bare model name
// belongs to the default provider.
func SplitModel(model string) (providerID, modelID string) {
	if i := strings.Index(model, "/"); i >= 0 {
		return model[:i], model[i+1:]
	}
	return DefaultProviderID, model
}

package scanning

import (
	"encoding/json"
	"strings"
)

// parseAnalysisJSON extracts the analysis object from collaborator text.
// Collaborators may wrap the object in commentary or code fences, so the
// payload is taken from the first '{' to the last '}' and then validated
// against the extraction schema before it is decoded.
func parseAnalysisJSON(text string) (*AnalysisResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(KindEmptyResponse, "collaborator returned no text", nil)
	}

	startIdx := strings.Index(text, "{")
	endIdx := strings.LastIndex(text, "}")
	if startIdx == -1 || endIdx == -1 || endIdx < startIdx {
		return nil, newError(KindMalformedResponse, "no JSON object found in response", nil)
	}
	payload := []byte(text[startIdx : endIdx+1])

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, newError(KindMalformedResponse, "unmarshaling json", err)
	}
	if err := validateAnalysis(doc); err != nil {
		return nil, newError(KindMalformedResponse, "validating response", err)
	}

	var result AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, newError(KindMalformedResponse, "decoding analysis", err)
	}
	if result.Items == nil {
		result.Items = []ScannedItem{}
	}

	return &result, nil
}

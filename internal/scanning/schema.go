package scanning

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// extractionPrompt is the shared prompt used by all collaborators
const extractionPrompt = `You are reading a photo of one or more product packages. Find every printed tracking or batch code on them.

These codes are usually short alphanumeric strings printed in dot-matrix or inkjet type near the seam, the base or the best-before area. They can be faint, rotated or partly covered.

For every code you find, report:

1. **dotCode**: the code exactly as printed, keeping letters and digits in order. If you can see that a code is present but cannot read it, use an empty string.
2. **manufacturingDate**: a production or packing date printed next to the code, as written. Omit it if there is none.
3. **price**: a price printed or stickered on the same package, including the currency symbol. Omit it if there is none.
4. **confidence**: "High" if every character is clearly legible, "Medium" if one or two characters are uncertain, "Low" otherwise.
5. **rawText**: the full line of text the code was printed on.

Also write a one-sentence **summary** of what you saw.

Return ONLY a JSON object matching the provided schema. Do not guess codes that are not visible.`

// analysisJSONSchema is the extraction schema as a JSON Schema document.
// It is sent to collaborators that accept one and used to validate every response.
func analysisJSONSchema() map[string]any {
	optionalString := map[string]any{"type": []string{"string", "null"}}

	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"dotCode":           map[string]any{"type": "string"},
			"manufacturingDate": optionalString,
			"price":             optionalString,
			"confidence": map[string]any{
				"type": "string",
				"enum": []string{string(ConfidenceHigh), string(ConfidenceMedium), string(ConfidenceLow)},
			},
			"rawText": optionalString,
		},
		"required": []string{"dotCode", "confidence"},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items":   map[string]any{"type": "array", "items": item},
			"summary": map[string]any{"type": "string"},
		},
		"required": []string{"items", "summary"},
	}
}

// analysisGenaiSchema mirrors analysisJSONSchema for the Gemini response schema.
func analysisGenaiSchema() *genai.Schema {
	optionalString := func(description string) *genai.Schema {
		return &genai.Schema{Type: genai.TypeString, Nullable: true, Description: description}
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"items": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"dotCode":           {Type: genai.TypeString, Description: "code exactly as printed"},
						"manufacturingDate": optionalString("production date printed next to the code"),
						"price":             optionalString("price on the same package"),
						"confidence": {
							Type:   genai.TypeString,
							Format: "enum",
							Enum:   []string{string(ConfidenceHigh), string(ConfidenceMedium), string(ConfidenceLow)},
						},
						"rawText": optionalString("line of text containing the code"),
					},
					Required: []string{"dotCode", "confidence"},
				},
			},
			"summary": {Type: genai.TypeString},
		},
		Required: []string{"items", "summary"},
	}
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	b, err := json.Marshal(analysisJSONSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	schema, err := jsonschema.CompileString("analysis.json", string(b))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
})

// validateAnalysis checks a decoded JSON document against the extraction schema.
func validateAnalysis(doc any) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}

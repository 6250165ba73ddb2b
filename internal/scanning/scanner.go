package scanning

import "context"

// Confidence is the collaborator's own rating of how well it read a code.
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// ScannedItem is one code printed on a package
type ScannedItem struct {
	DotCode           string     `json:"dotCode"`
	ManufacturingDate string     `json:"manufacturingDate,omitempty"`
	Price             string     `json:"price,omitempty"`
	Confidence        Confidence `json:"confidence"`
	RawText           string     `json:"rawText,omitempty"`
}

// AnalysisResult is the output of one extraction, or of a whole batch
type AnalysisResult struct {
	Items   []ScannedItem `json:"items"`
	Summary string        `json:"summary"`
}

// Scanner defines the interface for single-image code extraction
type Scanner interface {
	// Extract sends one image to the collaborator and returns the parsed result.
	// Failures are *Error values carrying a Kind.
	Extract(ctx context.Context, image []byte, mimeType string) (*AnalysisResult, error)
	// Close releases cached clients
	Close() error
}

// CredentialSource is the part of the credential resolver scanners need.
type CredentialSource interface {
	// Key returns the API key to use, or an error if none is available
	Key() (string, error)
	// Generation changes whenever the credential is set or cleared
	Generation() uint64
}

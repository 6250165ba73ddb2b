// Package pipeline fans a batch of images out to a scanner and reconciles
// the settled results into one deduplicated list of codes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/dotscan/internal/scanning"
)

// Image is one photo in a batch
type Image struct {
	Name     string
	Data     []byte
	MimeType string
}

// Outcome is the settled result of one image: either Result or Err is set.
type Outcome struct {
	Result *scanning.AnalysisResult
	Err    error
}

// Succeeded reports whether the extraction produced a result
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Result != nil
}

var (
	errNoResult     = errors.New("scanner returned no result")
	errScannerPanic = errors.New("scanner panicked")
)

func (o Outcome) failure() error {
	if o.Err != nil {
		return o.Err
	}
	return &scanning.Error{Kind: scanning.KindEmptyResponse, Message: "extraction returned nothing", Err: errNoResult}
}

// Orchestrator runs one extraction per image concurrently
type Orchestrator struct {
	scanner scanning.Scanner
	metrics *Metrics
}

// NewOrchestrator creates an Orchestrator. metrics may be nil.
func NewOrchestrator(scanner scanning.Scanner, metrics *Metrics) *Orchestrator {
	return &Orchestrator{scanner: scanner, metrics: metrics}
}

// Run dispatches every image at once and waits until all have settled.
// outcomes[i] always belongs to images[i]; a failing image never stops the others.
func (o *Orchestrator) Run(ctx context.Context, images []Image) []Outcome {
	outcomes := make([]Outcome, len(images))

	// Tasks never return an error, so Wait only joins and one failure cannot cancel the rest.
	var g errgroup.Group
	for i, img := range images {
		g.Go(func() error {
			outcomes[i] = o.extract(ctx, img)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (o *Orchestrator) extract(ctx context.Context, img Image) (outcome Outcome) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome{Err: fmt.Errorf("extracting %s: %w: %v", img.Name, errScannerPanic, r)}
		}

		o.metrics.ObserveExtraction(time.Since(start))
		if outcome.Succeeded() {
			o.metrics.IncImage("success")
			return
		}
		err := outcome.failure()
		kind := failureLabel(err)
		o.metrics.IncImage("failure")
		o.metrics.IncFailure(kind)
		slog.Warn("Image extraction failed",
			"image", img.Name,
			"content_type", img.MimeType,
			"file_size", len(img.Data),
			"kind", kind,
			"error", err,
		)
	}()

	result, err := o.scanner.Extract(ctx, img.Data, img.MimeType)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Result: result}
}

// failureLabel names a failed extraction for metrics and logs. Scanner panics
// and errors without a scanning kind get their own labels instead of being
// counted as transport failures.
func failureLabel(err error) string {
	if errors.Is(err, errScannerPanic) {
		return "panic"
	}
	var scanErr *scanning.Error
	if errors.As(err, &scanErr) {
		return string(scanErr.Kind)
	}
	return "unclassified"
}

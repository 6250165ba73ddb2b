package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/dotscan/internal/credential"
	"github.com/zombor/dotscan/internal/scanning"
)

// CredentialChecker reports whether an API key can currently be resolved
type CredentialChecker interface {
	HasCredential() bool
}

// CredentialPrompter is told when the user must enter a key
type CredentialPrompter interface {
	RequestCredential()
}

// Connectivity reports whether the host is online
type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

type noPrompt struct{}

func (noPrompt) RequestCredential() {}

// Service analyzes batches of images
type Service struct {
	orchestrator *Orchestrator
	creds        CredentialChecker
	prompter     CredentialPrompter
	connectivity Connectivity
	metrics      *Metrics
}

// NewService creates a Service that assumes the host is online.
// prompter and metrics may be nil.
func NewService(scanner scanning.Scanner, creds CredentialChecker, prompter CredentialPrompter, metrics *Metrics) *Service {
	return NewServiceWithDeps(scanner, creds, prompter, alwaysOnline{}, metrics)
}

// NewServiceWithDeps creates a Service with an explicit connectivity check (useful for testing)
func NewServiceWithDeps(scanner scanning.Scanner, creds CredentialChecker, prompter CredentialPrompter, connectivity Connectivity, metrics *Metrics) *Service {
	if prompter == nil {
		prompter = noPrompt{}
	}
	if connectivity == nil {
		connectivity = alwaysOnline{}
	}
	return &Service{
		orchestrator: NewOrchestrator(scanner, metrics),
		creds:        creds,
		prompter:     prompter,
		connectivity: connectivity,
		metrics:      metrics,
	}
}

// Analyze runs every image through the scanner and reconciles the results.
//
// Extractions are detached from ctx once dispatched: cancelling ctx only
// stops the wait and returns ctx.Err(), in-flight calls run to completion.
// Every other failure is a *Error.
func (s *Service) Analyze(ctx context.Context, images []Image) (*scanning.AnalysisResult, error) {
	log := slog.With("batch_id", uuid.NewString(), "images", len(images))

	if !s.connectivity.Online() {
		log.Warn("Batch rejected, host is offline")
		s.metrics.IncBatch(string(ErrorNetwork))
		return nil, networkError(nil)
	}

	if !s.creds.HasCredential() {
		log.Info("Batch rejected, no API key configured")
		s.metrics.IncBatch(string(ErrorCredentialRequired))
		s.prompter.RequestCredential()
		return nil, credentialRequired(credential.ErrMissingCredential)
	}

	start := time.Now()
	log.Info("Analyzing batch")

	done := make(chan []Outcome, 1)
	go func() {
		done <- s.orchestrator.Run(context.WithoutCancel(ctx), images)
	}()

	var outcomes []Outcome
	select {
	case outcomes = <-done:
	case <-ctx.Done():
		log.Warn("Caller stopped waiting for batch", "error", ctx.Err())
		s.metrics.IncBatch("abandoned")
		return nil, fmt.Errorf("waiting for extractions: %w", ctx.Err())
	}

	result, err := Reconcile(outcomes, len(images))
	if err != nil {
		var pipeErr *Error
		if errors.As(err, &pipeErr) {
			s.metrics.IncBatch(string(pipeErr.Kind))
			if pipeErr.Kind == ErrorCredentialRequired {
				s.prompter.RequestCredential()
			}
			log.Warn("Batch produced no results", "kind", pipeErr.Kind, "detail", pipeErr.Detail, "duration", time.Since(start))
		}
		return nil, err
	}

	s.metrics.IncBatch("success")
	s.metrics.AddUniqueCodes(len(result.Items))
	log.Info("Batch analyzed", "unique_codes", len(result.Items), "summary", result.Summary, "duration", time.Since(start))

	return result, nil
}

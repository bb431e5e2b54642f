// Package analyzers drives text-index setup: analyzer creation, indexed view
// creation, and status reporting for the collections blocking searches.
package analyzers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/yarrow/pkg/errors"
	"github.com/Ramsey-B/yarrow/pkg/stores"
	"github.com/Ramsey-B/yarrow/pkg/tracing"
)

// Default analyzer names. Views reference these unless configuration maps a
// field to something else.
const (
	DefaultNgramAnalyzer    = "ngram"
	DefaultExactAnalyzer    = "exact"
	DefaultPhoneticAnalyzer = "phonetic"
)

// Config controls the analyzers Initialize creates.
type Config struct {
	NgramN             int
	PreserveOriginal   bool
	PhoneticEnabled    bool
	PhoneticEncoder    string
	AutoDiscoverFields bool
}

// Status reports which setup artifacts exist.
type Status struct {
	Analyzers []string `json:"analyzers"`
	Views     []string `json:"views"`
}

// Report describes the outcome of one Initialize call. View creation is not
// atomic across fields, so indexed fields are reported per view.
type Report struct {
	Analyzers     []string            `json:"analyzers"`
	IndexedFields map[string][]string `json:"indexed_fields"`
	Errors        []string            `json:"errors,omitempty"`
}

// Service owns index setup against one backend.
type Service struct {
	admin  stores.IndexAdmin
	config Config
	logger ectologger.Logger
}

// NewService creates a setup service.
func NewService(admin stores.IndexAdmin, config Config, logger ectologger.Logger) *Service {
	if config.NgramN < 1 {
		config.NgramN = 3
	}
	return &Service{
		admin:  admin,
		config: config,
		logger: logger,
	}
}

// ViewName returns the indexed view name for a collection.
func ViewName(collection string) string {
	return collection + "_view"
}

// definitions returns the analyzer set Initialize creates.
func (s *Service) definitions() []stores.AnalyzerDefinition {
	defs := []stores.AnalyzerDefinition{
		{
			Name:             DefaultNgramAnalyzer,
			Kind:             stores.AnalyzerNgram,
			N:                s.config.NgramN,
			PreserveOriginal: s.config.PreserveOriginal,
		},
		{
			Name: DefaultExactAnalyzer,
			Kind: stores.AnalyzerExact,
		},
	}
	if s.config.PhoneticEnabled {
		defs = append(defs, stores.AnalyzerDefinition{
			Name:    DefaultPhoneticAnalyzer,
			Kind:    stores.AnalyzerPhonetic,
			Encoder: s.config.PhoneticEncoder,
		})
	}
	return defs
}

// DefaultAnalyzers returns the analyzer names auto-discovered fields are
// indexed with.
func (s *Service) DefaultAnalyzers() []string {
	names := []string{DefaultNgramAnalyzer, DefaultExactAnalyzer}
	if s.config.PhoneticEnabled {
		names = append(names, DefaultPhoneticAnalyzer)
	}
	return names
}

/// Initialize is the idempotent one-shot: it creates the analyzers, then one
// view per collection. fieldAnalyzers maps collection -> field -> analyzer
// names; an empty map for a collection falls back to auto-discovery when
// enabled. force recreates artifacts that already exist.
func (s *Service) Initialize(ctx context.Context, collections []string, fieldAnalyzers map[string]map[string][]string, force bool) (*Report, error) {
	ctx, span := tracing.StartSpan(ctx, "analyzers.Service.Initialize")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"collections": strings.Join(collections, ","),
		"force":       force,
	})
	log.Info("Initializing text index setup")

	report := &Report{IndexedFields: make(map[string][]string)}

	for _, def := range s.definitions() {
		if err := s.admin.CreateAnalyzer(ctx, def, force); err != nil {
			log.WithError(err).Error("Failed to create analyzer")
			return report, errors.NewSetupError("failed to create analyzer '%s': %w", def.Name, err)
		}
		report.Analyzers = append(report.Analyzers, def.Name)
	}

	for _, collection := range collections {
		exists, err := s.admin.HasCollection(ctx, collection)
		if err != nil {
			return report, errors.NewBackendError("failed to check collection '%s': %w", collection, err)
		}
		if !exists {
			return report, errors.NewNotFound("collection '%s' does not exist", collection)
		}

		fields := fieldAnalyzers[collection]
		if len(fields) == 0 {
			if !s.config.AutoDiscoverFields {
				log.WithFields(map[string]any{"collection": collection}).
					Warn("No fields configured and auto discovery disabled, skipping view")
				continue
			}
			discovered, err := s.admin.ListFields(ctx, collection)
			if err != nil {
				return report, errors.NewBackendError("failed to discover fields for '%s': %w", collection, err)
			}
			fields = make(map[string][]string, len(discovered))
			for _, field := range discovered {
				fields[field] = s.DefaultAnalyzers()
			}
		}

		viewName := ViewName(collection)
		indexed, err := s.admin.CreateView(ctx, stores.ViewDefinition{
			Name:           viewName,
			Collection:     collection,
			FieldAnalyzers: fields,
		}, force)
		report.IndexedFields[viewName] = indexed
		if err != nil {
			// Partial success keeps the run going; the report carries what
			// failed.
			report.Errors = append(report.Errors, err.Error())
			log.WithError(err).WithFields(map[string]any{
				"view":    viewName,
				"indexed": strings.Join(indexed, ","),
			}).Warn("View created with failed fields")
			continue
		}
		log.WithFields(map[string]any{
			"view":   viewName,
			"fields": len(indexed),
		}).Info("View created")
	}

	if len(report.Errors) > 0 {
		return report, errors.NewSetupError("setup completed with %d failed views", len(report.Errors))
	}
	return report, nil
}

// SetupStatus returns the analyzers and views that currently exist.
func (s *Service) SetupStatus(ctx context.Context) (*Status, error) {
	ctx, span := tracing.StartSpan(ctx, "analyzers.Service.SetupStatus")
	defer span.End()

	analyzerNames, err := s.admin.ListAnalyzers(ctx)
	if err != nil {
		return nil, errors.NewBackendError("failed to list analyzers: %w", err)
	}
	viewNames, err := s.admin.ListViews(ctx)
	if err != nil {
		return nil, errors.NewBackendError("failed to list views: %w", err)
	}

	sort.Strings(analyzerNames)
	sort.Strings(viewNames)
	return &Status{Analyzers: analyzerNames, Views: viewNames}, nil
}

// ResolveAnalyzer maps a bare analyzer name to its storage-qualified form
// (e.g. "ngram" -> "mem::ngram"). A name that is already qualified resolves
// to itself.
func (s *Service) ResolveAnalyzer(ctx context.Context, bareName string) (string, error) {
	names, err := s.admin.ListAnalyzers(ctx)
	if err != nil {
		return "", errors.NewBackendError("failed to list analyzers: %w", err)
	}

	for _, name := range names {
		if name == bareName {
			return name, nil
		}
		if suffix, found := strings.CutPrefix(name, qualifierPrefix(name)); found && suffix == bareName {
			return name, nil
		}
	}
	return "", errors.NewNotFound("analyzer '%s' does not exist", bareName)
}

// qualifierPrefix returns the storage prefix of a qualified name, "" when the
// name carries none.
func qualifierPrefix(name string) string {
	if idx := strings.Index(name, "::"); idx >= 0 {
		return name[:idx+2]
	}
	return ""
}

// String describes the service configuration for log fields.
func (s *Service) String() string {
	return fmt.Sprintf("setup(ngram_n=%d, phonetic=%t, auto_discover=%t)",
		s.config.NgramN, s.config.PhoneticEnabled, s.config.AutoDiscoverFields)
}

package pipeline

import (
	"github.com/Ramsey-B/yarrow/pkg/analyzers"
	"github.com/Ramsey-B/yarrow/pkg/blocking"
	"github.com/Ramsey-B/yarrow/pkg/stores"
)

// buildStrategy instantiates one blocking strategy from its configuration.
// The config is validated up front, so an unknown type here is a bug.
func buildStrategy(records stores.RecordStore, edgeStore stores.EdgeStore, edgeCollection string, sc StrategyConfig) blocking.Strategy {
	switch sc.Type {
	case StrategyExact:
		return blocking.NewExactStrategy(records, sc.Fields, sc.MinBlockSize, sc.MaxBlockSize)
	case StrategyComposite:
		return blocking.NewCompositeStrategy(records, sc.BlockFields, sc.MinBlockSize, sc.MaxBlockSize)
	case StrategyNgram:
		return blocking.NewNgramStrategy(records, analyzers.ViewName, sc.Fields, sc.LimitPerEntity, sc.BM25Threshold, sc.ConstraintField)
	case StrategyPhonetic:
		return blocking.NewPhoneticStrategy(records, analyzers.ViewName, sc.Fields, sc.LimitPerEntity, sc.BM25Threshold, sc.ConstraintField)
	case StrategyGeographic:
		return blocking.NewGeographicStrategy(records, sc.LocationField, sc.Normalizer, sc.Fallbacks, sc.MinBlockSize, sc.MaxBlockSize)
	case StrategyHybrid:
		return blocking.NewHybridStrategy(records, analyzers.ViewName, sc.Fields, sc.LimitPerEntity, sc.BM25Threshold, sc.BM25Weight, sc.LevenshteinWeight, sc.CombinedThreshold)
	case StrategyGraph:
		return blocking.NewGraphStrategy(records, edgeStore, edgeCollection, sc.Hops, sc.MinWeight)
	}
	return nil
}

// buildStrategies instantiates the configured strategy list in order.
func buildStrategies(records stores.RecordStore, edgeStore stores.EdgeStore, edgeCollection string, configs []StrategyConfig) []blocking.Strategy {
	strategies := make([]blocking.Strategy, 0, len(configs))
	for _, sc := range configs {
		if strategy := buildStrategy(records, edgeStore, edgeCollection, sc); strategy != nil {
			strategies = append(strategies, strategy)
		}
	}
	return strategies
}

// usesSearchIndex reports whether any configured strategy queries the
// indexed views, meaning setup must run before blocking.
func usesSearchIndex(configs []StrategyConfig) bool {
	for _, sc := range configs {
		switch sc.Type {
		case StrategyNgram, StrategyPhonetic, StrategyHybrid:
			return true
		}
	}
	return false
}

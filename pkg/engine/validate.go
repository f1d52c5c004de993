package engine

import (
	"fmt"
	"math"

	"github.com/pulsedb/pulsedb/pkg/model"
)

const (
	maxContentBytes   = 100 * 1024
	maxDomainTags     = 10
	maxDomainTagLen   = 100
	maxSourceFiles    = 10
	maxSourceFileLen  = 500
	minSearchK        = 1
	maxSearchK        = 1000
)

// validateUnitInterval rejects NaN/Inf and anything outside [0, 1].
// -0.0 compares equal to 0.0 and is accepted.
func validateUnitInterval(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("engine: %s is NaN or Inf", name)
	}
	if v < 0 || v > 1 {
		return fmt.Errorf("engine: %s %v out of range [0,1]", name, v)
	}
	return nil
}

func validateEmbedding(vec []float32, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("engine: embedding length %d, want %d", len(vec), dim)
	}
	for _, c := range vec {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("engine: embedding contains NaN or Inf")
		}
	}
	return nil
}

func validateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("engine: content must not be empty")
	}
	if len(content) > maxContentBytes {
		return fmt.Errorf("engine: content exceeds %d bytes", maxContentBytes)
	}
	return nil
}

func validateTags(tags []string) error {
	if len(tags) > maxDomainTags {
		return fmt.Errorf("engine: at most %d domain tags allowed", maxDomainTags)
	}
	for _, t := range tags {
		if len(t) > maxDomainTagLen {
			return fmt.Errorf("engine: domain tag exceeds %d chars", maxDomainTagLen)
		}
	}
	return nil
}

func validateSourceFiles(files []string) error {
	if len(files) > maxSourceFiles {
		return fmt.Errorf("engine: at most %d source files allowed", maxSourceFiles)
	}
	for _, f := range files {
		if len(f) > maxSourceFileLen {
			return fmt.Errorf("engine: source file path exceeds %d chars", maxSourceFileLen)
		}
	}
	return nil
}

func validateK(k int) error {
	if k < minSearchK || k > maxSearchK {
		return fmt.Errorf("engine: k=%d out of range [%d,%d]", k, minSearchK, maxSearchK)
	}
	return nil
}

// validateNewExperience runs every boundary check for RecordExperience
// except embedding length, which depends on the collective's frozen
// dimension and is checked by the caller once it has resolved the
// collective.
func validateNewExperience(n model.NewExperience) error {
	if err := validateContent(n.Content); err != nil {
		return err
	}
	if !n.Type.Valid() {
		return fmt.Errorf("engine: invalid experience type %d", n.Type)
	}
	if err := validateUnitInterval("importance", n.Importance); err != nil {
		return err
	}
	if err := validateUnitInterval("confidence", n.Confidence); err != nil {
		return err
	}
	if err := validateTags(n.DomainTags); err != nil {
		return err
	}
	if err := validateSourceFiles(n.SourceFiles); err != nil {
		return err
	}
	return nil
}

func validateRelation(sourceCollective, targetCollective, source, target model.ID) error {
	if source == target {
		return fmt.Errorf("engine: relation endpoints must differ")
	}
	if sourceCollective != targetCollective {
		return fmt.Errorf("engine: relation endpoints span collectives")
	}
	return nil
}

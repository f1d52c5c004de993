// Entity types are defined in pkg/model and re-exported here so
// pkg/engine (which operates on them) and this package (the public
// API facade) can both depend on them without an import cycle.
package pulsedb

import "github.com/pulsedb/pulsedb/pkg/model"

type (
	Collective         = model.Collective
	ExperienceType     = model.ExperienceType
	TypeDetail         = model.TypeDetail
	Experience         = model.Experience
	NewExperience      = model.NewExperience
	ExperiencePatch    = model.ExperiencePatch
	RelationType       = model.RelationType
	ExperienceRelation = model.ExperienceRelation
	RelationDirection  = model.RelationDirection
	DerivedInsight     = model.DerivedInsight
	Activity           = model.Activity
)

const (
	TypeDifficulty            = model.TypeDifficulty
	TypeSolution              = model.TypeSolution
	TypeErrorPattern          = model.TypeErrorPattern
	TypeSuccessPattern        = model.TypeSuccessPattern
	TypeUserPreference        = model.TypeUserPreference
	TypeArchitecturalDecision = model.TypeArchitecturalDecision
	TypeTechInsight           = model.TypeTechInsight
	TypeFact                  = model.TypeFact
	TypeGeneric               = model.TypeGeneric

	RelSupports    = model.RelSupports
	RelContradicts = model.RelContradicts
	RelElaborates  = model.RelElaborates
	RelSupersedes  = model.RelSupersedes
	RelImplies     = model.RelImplies
	RelRelatedTo   = model.RelRelatedTo

	DirOut  = model.DirOut
	DirIn   = model.DirIn
	DirBoth = model.DirBoth
)

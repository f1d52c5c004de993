package model

import "time"

// Collective is the isolation boundary owning a set of experiences and
// a vector index; its embedding dimension is frozen at creation.
type Collective struct {
	ID                 ID
	Name               string
	Owner              string // optional, empty if unset
	EmbeddingDimension int
	CreatedAt          time.Time
}

// ExperienceType is the 1-byte tagged-variant discriminant stored
// alongside an experience. Values 0-8 are reserved by the wire format.
type ExperienceType byte

const (
	TypeDifficulty ExperienceType = iota
	TypeSolution
	TypeErrorPattern
	TypeSuccessPattern
	TypeUserPreference
	TypeArchitecturalDecision
	TypeTechInsight
	TypeFact
	TypeGeneric
)

func (t ExperienceType) String() string {
	switch t {
	case TypeDifficulty:
		return "difficulty"
	case TypeSolution:
		return "solution"
	case TypeErrorPattern:
		return "error_pattern"
	case TypeSuccessPattern:
		return "success_pattern"
	case TypeUserPreference:
		return "user_preference"
	case TypeArchitecturalDecision:
		return "architectural_decision"
	case TypeTechInsight:
		return "tech_insight"
	case TypeFact:
		return "fact"
	case TypeGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the nine reserved tags.
func (t ExperienceType) Valid() bool {
	return t <= TypeGeneric
}

// TypeDetail carries the fields specific to an experience's type
// variant. Only the fields relevant to Type are meaningful; this flattens
// what would be a tagged union (a Rust-style enum with per-variant
// payloads) into one struct rather than an interface, since every
// field is a plain scalar and the type never needs dynamic dispatch.
type TypeDetail struct {
	// Difficulty
	Description string
	Severity    float64

	// Solution
	ProblemRef ID // NilID if unset
	Approach   string
	Worked     bool

	// SuccessPattern
	Quality float64

	// UserPreference
	Strength float64

	// Generic
	Category string
}

// Experience is a single recorded unit of agent memory: content, its
// embedding, and typed metadata.
type Experience struct {
	ID               ID
	CollectiveID     ID
	Content          string
	Embedding        []float32
	Type             ExperienceType
	Detail           TypeDetail
	Importance       float64
	Confidence       float64
	ApplicationCount int64
	DomainTags       []string
	SourceFiles      []string
	AgentID          string // empty if unset
	Archived         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewExperience is the input to RecordExperience. Embedding may be nil
// when Config.EmbeddingProvider is Builtin, in which case the engine
// generates it; with External it must be supplied.
type NewExperience struct {
	CollectiveID ID
	Content      string
	Embedding    []float32
	Type         ExperienceType
	Detail       TypeDetail
	Importance   float64
	Confidence   float64
	DomainTags   []string
	SourceFiles  []string
	AgentID      string
}

// ExperiencePatch carries the subset of Experience fields that may be
// mutated after creation: content and embedding are immutable.
type ExperiencePatch struct {
	Importance *float64
	Confidence *float64
	DomainTags *[]string
}

// RelationType is the fixed set of directed edge types between two
// experiences in the same collective.
type RelationType byte

const (
	RelSupports RelationType = iota
	RelContradicts
	RelElaborates
	RelSupersedes
	RelImplies
	RelRelatedTo
)

func (t RelationType) String() string {
	switch t {
	case RelSupports:
		return "supports"
	case RelContradicts:
		return "contradicts"
	case RelElaborates:
		return "elaborates"
	case RelSupersedes:
		return "supersedes"
	case RelImplies:
		return "implies"
	case RelRelatedTo:
		return "related_to"
	default:
		return "unknown"
	}
}

// ExperienceRelation is a directed, typed edge between two experiences
// in the same collective.
type ExperienceRelation struct {
	ID        ID
	SourceID  ID
	TargetID  ID
	Type      RelationType
	Strength  float64
	CreatedAt time.Time
}

// RelationDirection selects which endpoint GetRelatedExperiences
// matches against.
type RelationDirection int

const (
	DirOut RelationDirection = iota
	DirIn
	DirBoth
)

// DerivedInsight is content synthesized from one or more experiences,
// indexed in its own per-collective vector index alongside experiences.
type DerivedInsight struct {
	ID                  ID
	CollectiveID        ID
	Content             string
	Embedding           []float32
	SourceExperienceIDs []ID
	Type                string
	Confidence          float64
	CreatedAt           time.Time
}

// Activity is an agent's live presence marker within a collective.
type Activity struct {
	CollectiveID  ID
	AgentID       string
	CurrentTask   string // empty if unset
	StartedAt     time.Time
	LastHeartbeat time.Time
}

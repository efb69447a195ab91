package memory

import "strings"

// Category classifies a memory. The set is closed; unrecognized input maps
// to CategoryGeneral.
type Category int

const (
	CategoryGeneral Category = iota
	CategoryGoal
	CategoryRelationship
	CategoryPlan
	CategoryPreference
	CategoryInterest
	CategoryExperience
	CategoryFact
	CategoryOpinion
)

var categoryNames = [...]string{
	CategoryGeneral:      "GENERAL",
	CategoryGoal:         "GOAL",
	CategoryRelationship: "RELATIONSHIP",
	CategoryPlan:         "PLAN",
	CategoryPreference:   "PREFERENCE",
	CategoryInterest:     "INTEREST",
	CategoryExperience:   "EXPERIENCE",
	CategoryFact:         "FACT",
	CategoryOpinion:      "OPINION",
}

// Categories lists every category in descending weight order.
var Categories = []Category{
	CategoryGoal,
	CategoryRelationship,
	CategoryPlan,
	CategoryPreference,
	CategoryInterest,
	CategoryExperience,
	CategoryFact,
	CategoryOpinion,
	CategoryGeneral,
}

// ParseCategory maps a case-insensitive name to a Category.
func ParseCategory(s string) Category {
	name := strings.ToUpper(strings.TrimSpace(s))
	for c, n := range categoryNames {
		if n == name {
			return Category(c)
		}
	}
	return CategoryGeneral
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return categoryNames[CategoryGeneral]
	}
	return categoryNames[c]
}

// Weight is the base importance multiplier of the category.
func (c Category) Weight() float64 {
	switch c {
	case CategoryGoal:
		return 2.0
	case CategoryRelationship:
		return 1.8
	case CategoryPlan:
		return 1.6
	case CategoryPreference:
		return 1.5
	case CategoryInterest:
		return 1.4
	case CategoryExperience:
		return 1.3
	case CategoryFact:
		return 1.2
	case CategoryOpinion:
		return 1.1
	default:
		return 1.0
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	*c = ParseCategory(string(b))
	return nil
}

package memory

const (
	explicitSaveMultiplier = 2.0
	importantMultiplier    = 1.5
	emotionalMultiplier    = 1.3
)

// ImportanceWeight is the static multiplier of a record: its category
// weight times every flag multiplier that is set.
func ImportanceWeight(r *Record) float64 {
	weight := r.Category.Weight()
	if r.Metadata.ExplicitSave {
		weight *= explicitSaveMultiplier
	}
	if r.Metadata.Important {
		weight *= importantMultiplier
	}
	if r.Metadata.Emotional {
		weight *= emotionalMultiplier
	}
	return weight
}

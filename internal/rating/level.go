// internal/rating/level.go
package rating

// ExpPerLevelStep scales the experience curve: reaching level n requires
// ExpPerLevelStep * n*(n-1)/2 total experience, so each level costs one step more
// than the previous one.
const ExpPerLevelStep = 100

// ExperienceForLevel returns the total experience needed to reach level.
func ExperienceForLevel(level int) int {
	if level <= 1 {
		return 0
	}
	return ExpPerLevelStep * level * (level - 1) / 2
}

// LevelForExperience returns the account level for a total experience amount.
// Every account starts at level 1.
func LevelForExperience(exp int) int {
	level := 1
	for ExperienceForLevel(level+1) <= exp {
		level++
	}
	return level
}

// Progress reports how far exp is into its current level as a fraction in [0,1).
func Progress(exp int) float64 {
	level := LevelForExperience(exp)
	lo, hi := ExperienceForLevel(level), ExperienceForLevel(level+1)
	return float64(exp-lo) / float64(hi-lo)
}

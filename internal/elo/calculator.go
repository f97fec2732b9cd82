package elo

import "math"

// MinRating is the floor enforced by the persistence layer at write
// time. Deltas themselves are returned unfloored.
const MinRating = 100

// K-factor tiers by games played: new players move fast, established
// players move slowly.
const (
	kProvisional = 32 // fewer than 10 games
	kDeveloping  = 24 // fewer than 30 games
	kEstablished = 16
)

// Result is the score for the first player of a pairing.
type Result float64

const (
	Loss Result = 0
	Draw Result = 0.5
	Win  Result = 1
)

// Calculator computes integer Elo deltas for a finished pairing.
type Calculator struct{}

func NewCalculator() *Calculator {
	return &Calculator{}
}

// KFactor returns the K tier for a player with the given experience.
func KFactor(gamesPlayed int) int {
	switch {
	case gamesPlayed < 10:
		return kProvisional
	case gamesPlayed < 30:
		return kDeveloping
	default:
		return kEstablished
	}
}

// ExpectedScore is the expected result for a player rated rating against
// opponent, per the standard logistic curve.
func ExpectedScore(rating, opponent int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(opponent-rating)/400.0))
}

// Deltas returns the rating changes for players a and b given a's
// result. Each side uses its own K-factor, so magnitudes differ when
// the players sit in different experience tiers.
func (c *Calculator) Deltas(ratingA, gamesA, ratingB, gamesB int, resultA Result) (deltaA, deltaB int) {
	ea := ExpectedScore(ratingA, ratingB)
	eb := ExpectedScore(ratingB, ratingA)
	sa := float64(resultA)
	sb := 1 - sa
	deltaA = int(math.Round(float64(KFactor(gamesA)) * (sa - ea)))
	deltaB = int(math.Round(float64(KFactor(gamesB)) * (sb - eb)))
	return deltaA, deltaB
}

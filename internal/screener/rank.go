package screener

import "sort"

// Candidate is one screened stock for the day. Score is filled by Rank.
type Candidate struct {
	Symbol      string
	CompanyName string
	Exchange    string
	Score       float64
	Price       float64
	DayLow      float64
	DayHigh     float64
	Volume      uint64
	Moved       float64
	Signals     map[string]bool
}

// Rank scores candidates with algo and returns the top maxPositions,
// highest score first. Equal scores keep their input order.
func Rank(candidates []Candidate, algo Algorithm, maxPositions int) []Candidate {
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	for i := range ranked {
		ranked[i].Score = algo.Score(ranked[i])
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if maxPositions >= 0 && len(ranked) > maxPositions {
		ranked = ranked[:maxPositions]
	}
	return ranked
}

// InBand reports whether price lies within [minPrice, maxPrice]. A zero
// maxPrice leaves the band open at the top.
func InBand(price, minPrice, maxPrice float64) bool {
	if price < minPrice {
		return false
	}
	return maxPrice <= 0 || price <= maxPrice
}

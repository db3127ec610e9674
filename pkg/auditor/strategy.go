package auditor

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// Weights maps category name to its share of the grade.
type Weights map[string]float64

// DefaultWeights is pitch/rhythm 50%, jitter/shimmer 30%, pause/texture 20%.
func DefaultWeights() Weights {
	return Weights{
		CategoryPitchRhythm:   0.5,
		CategoryJitterShimmer: 0.3,
		CategoryPauseTexture:  0.2,
	}
}

// FeatureGap is the distance of one feature from the gold standard.
type FeatureGap struct {
	Feature  string  `json:"feature"`
	Category string  `json:"category"`
	Actual   float64 `json:"actual"`
	Target   float64 `json:"target"`
	Gap      float64 `json:"gap"` // relative, clamped to [0,1]
}

// Score is what a Strategy produces.
type Score struct {
	HumanityGrade    float64            `json:"humanityGrade"`
	ClosenessToCline float64            `json:"closenessToCline"`
	CategoryGaps     map[string]float64 `json:"categoryGaps"`
	Gaps             []FeatureGap       `json:"gaps"`
}

// Strategy turns a feature vector into a humanity grade.
type Strategy interface {
	Name() string
	Score(features, gold contracts.ProsodyFeatures, weights Weights) (*Score, error)
}

// WeightedGapStrategy grades by weighted relative distance from the gold
// standard vector.
type WeightedGapStrategy struct{}

func (WeightedGapStrategy) Name() string { return "weighted_gap" }

func (WeightedGapStrategy) Score(features, gold contracts.ProsodyFeatures, weights Weights) (*Score, error) {
	if len(gold) == 0 {
		return nil, fmt.Errorf("auditor: empty gold standard")
	}
	s := &Score{CategoryGaps: make(map[string]float64)}

	var weighted, totalWeight, allGaps float64
	var n int
	categories := make([]string, 0, len(categoryFeatures))
	for c := range categoryFeatures {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	for _, cat := range categories {
		var catSum float64
		var catN int
		for _, name := range categoryFeatures[cat] {
			target, ok := gold[name]
			if !ok {
				continue
			}
			g := relativeGap(features[name], target)
			s.Gaps = append(s.Gaps, FeatureGap{
				Feature:  name,
				Category: cat,
				Actual:   features[name],
				Target:   target,
				Gap:      round3(g),
			})
			catSum += g
			catN++
			allGaps += g
			n++
		}
		if catN == 0 {
			continue
		}
		catGap := catSum / float64(catN)
		s.CategoryGaps[cat] = round3(catGap)
		w := weights[cat]
		weighted += w * catGap
		totalWeight += w
	}
	if n == 0 || totalWeight == 0 {
		return nil, fmt.Errorf("auditor: gold standard shares no weighted features")
	}

	s.HumanityGrade = round1((1 - weighted/totalWeight) * 100)
	s.ClosenessToCline = round1((1 - allGaps/float64(n)) * 100)
	return s, nil
}

func relativeGap(actual, target float64) float64 {
	if target == 0 {
		if actual == 0 {
			return 0
		}
		return 1
	}
	return math.Min(math.Abs(actual-target)/math.Abs(target), 1)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

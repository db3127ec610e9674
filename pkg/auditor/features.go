package auditor

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/sirschrockalot/goat-sales-app-sub004/pkg/contracts"
)

// Feature labels. They are heuristic names over textual markup, not real
// acoustic measurements.
const (
	FeaturePitchVariance  = "pitch_variance"
	FeatureRhythmVariance = "rhythm_variance"
	FeatureJitterRate     = "jitter_rate"
	FeatureShimmerRate    = "shimmer_rate"
	FeaturePauseRate      = "pause_rate"
	FeatureTextureRate    = "texture_rate"
)

// Categories group features for weighting.
const (
	CategoryPitchRhythm   = "pitch_rhythm"
	CategoryJitterShimmer = "jitter_shimmer"
	CategoryPauseTexture  = "pause_texture"
)

var categoryFeatures = map[string][]string{
	CategoryPitchRhythm:   {FeaturePitchVariance, FeatureRhythmVariance},
	CategoryJitterShimmer: {FeatureJitterRate, FeatureShimmerRate},
	CategoryPauseTexture:  {FeaturePauseRate, FeatureTextureRate},
}

var (
	bracketCue = regexp.MustCompile(`\[([^\]]+)\]`)
	fillerWord = regexp.MustCompile(`(?i)\b(um+|uh+|er+m?|hmm+|mm+|you know|i mean|like,)`)
	sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]*`)
	speakerRe  = regexp.MustCompile(`^\s*([A-Za-z][A-Za-z ]{0,30}):\s*(.*)$`)
)

// Cue vocabularies keyed by the feature they feed. Matched against the
// lowercased text inside [brackets].
var cueVocabulary = map[string][]string{
	FeaturePitchVariance: {"emphasis", "rising", "falling", "excited", "laugh", "softly", "whisper"},
	FeatureJitterRate:    {"hesitat", "stammer", "stutter", "trails off", "uncertain"},
	FeatureShimmerRate:   {"breath", "sigh", "inhale", "exhale", "clears throat", "swallow"},
	FeaturePauseRate:     {"pause", "beat", "silence"},
	FeatureTextureRate:   {"chuckle", "smile", "background", "typing", "papers", "lip smack", "hum"},
}

// Extraction is the raw material a Strategy scores.
type Extraction struct {
	Words    int
	Minutes  float64
	Features contracts.ProsodyFeatures
}

// Extract builds the feature vector for the given speaker's lines. When the
// transcript has no speaker labels the whole text is used.
func Extract(transcript, speaker string, wordsPerMinute float64) (*Extraction, error) {
	text := norm.NFC.String(transcript)
	text = strings.ReplaceAll(text, "…", "...")
	text = selectSpeaker(text, speaker)
	if strings.TrimSpace(text) == "" {
		return nil, contracts.ErrEmptyTranscript
	}

	counts := map[string]float64{}
	for _, m := range bracketCue.FindAllStringSubmatch(text, -1) {
		cue := strings.ToLower(m[1])
		for feature, vocab := range cueVocabulary {
			for _, v := range vocab {
				if strings.Contains(cue, v) {
					counts[feature]++
					break
				}
			}
		}
	}
	spoken := bracketCue.ReplaceAllString(text, " ")

	counts[FeaturePauseRate] += float64(strings.Count(spoken, "..."))
	counts[FeaturePauseRate] += float64(strings.Count(spoken, "—"))
	counts[FeaturePauseRate] += float64(strings.Count(spoken, " - "))
	counts[FeatureJitterRate] += float64(len(fillerWord.FindAllString(spoken, -1)))
	counts[FeaturePitchVariance] += float64(strings.Count(spoken, "!"))

	words := countWords(spoken)
	if words == 0 {
		return nil, contracts.ErrEmptyTranscript
	}
	minutes := math.Max(float64(words)/wordsPerMinute, 0.1)

	f := contracts.ProsodyFeatures{
		FeatureRhythmVariance: round3(sentenceLengthCV(spoken)),
	}
	for _, name := range []string{FeaturePitchVariance, FeatureJitterRate, FeatureShimmerRate, FeaturePauseRate, FeatureTextureRate} {
		f[name] = round3(counts[name] / minutes)
	}
	return &Extraction{Words: words, Minutes: minutes, Features: f}, nil
}

// selectSpeaker keeps only the lines spoken by speaker, if any are labeled.
func selectSpeaker(text, speaker string) string {
	if speaker == "" {
		return text
	}
	var b strings.Builder
	labeled := false
	for _, line := range strings.Split(text, "\n") {
		m := speakerRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		labeled = true
		if strings.EqualFold(strings.TrimSpace(m[1]), speaker) {
			b.WriteString(m[2])
			b.WriteByte('\n')
		}
	}
	if !labeled {
		return text
	}
	return b.String()
}

func countWords(s string) int {
	return len(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '\'')
	}))
}

// sentenceLengthCV is the coefficient of variation of sentence lengths in
// words. Flat, uniform sentences read as robotic.
func sentenceLengthCV(s string) float64 {
	var lengths []float64
	for _, sent := range sentenceRe.FindAllString(s, -1) {
		if n := countWords(sent); n > 0 {
			lengths = append(lengths, float64(n))
		}
	}
	if len(lengths) < 2 {
		return 0
	}
	var sum float64
	for _, l := range lengths {
		sum += l
	}
	mean := sum / float64(len(lengths))
	var sq float64
	for _, l := range lengths {
		sq += (l - mean) * (l - mean)
	}
	return math.Sqrt(sq/float64(len(lengths))) / mean
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

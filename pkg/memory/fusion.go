package memory

import (
	"math"
	"sort"
	"time"
)

// FusionConfig holds the rank fusion parameters.
type FusionConfig struct {
	// RRFK is the reciprocal rank constant.
	RRFK float64

	// RelevanceWeight, ImportanceWeight and RecencyWeight weight the final
	// score terms.
	RelevanceWeight  float64
	ImportanceWeight float64
	RecencyWeight    float64

	// DecayRate is the per-day exponential recency decay.
	DecayRate float64

	// DedupThreshold is the Jaccard similarity at or above which a lower
	// ranked result is dropped. Zero disables deduplication.
	DedupThreshold float64
}

// DefaultFusionConfig returns the default fusion parameters.
func DefaultFusionConfig() FusionConfig {
	return FusionConfig{
		RRFK:             60,
		RelevanceWeight:  0.5,
		ImportanceWeight: 0.25,
		RecencyWeight:    0.25,
		DecayRate:        0.01,
		DedupThreshold:   0.85,
	}
}

// RankedList is the ordered output of one retrieval path, best first.
type RankedList struct {
	Path string
	IDs  []int64
}

// ScoreBreakdown explains a fused score.
type ScoreBreakdown struct {
	RawRRF        float64  `json:"raw_rrf"`
	NormalizedRRF float64  `json:"normalized_rrf"`
	Importance    float64  `json:"importance"`
	Recency       float64  `json:"recency"`
	DaysOld       float64  `json:"days_old"`
	Final         float64  `json:"final"`
	Paths         []string `json:"paths"`
}

// Result is one fused search result.
type Result struct {
	Record *Record        `json:"record"`
	Score  ScoreBreakdown `json:"score"`
}

// Fuser combines ranked lists into one scored, deduplicated list. It holds
// no mutable state and is safe for concurrent use.
type Fuser struct {
	cfg FusionConfig
	tok *Tokenizer
}

// NewFuser creates a fuser. A nil tokenizer uses the default one.
func NewFuser(cfg FusionConfig, tok *Tokenizer) *Fuser {
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if tok == nil {
		tok = NewTokenizer()
	}
	return &Fuser{cfg: cfg, tok: tok}
}

// Config returns the fusion parameters.
func (f *Fuser) Config() FusionConfig { return f.cfg }

// WithConfig returns a fuser sharing the tokenizer with new parameters.
func (f *Fuser) WithConfig(cfg FusionConfig) *Fuser {
	return NewFuser(cfg, f.tok)
}

// Fuse scores the ids of lists against records and returns at most k
// results. Ids missing from records are skipped; their ranks still count
// positions in their list. The output depends only on the inputs and now.
func (f *Fuser) Fuse(lists []RankedList, records map[int64]*Record, now time.Time, k int) []Result {
	if k <= 0 {
		return nil
	}

	type acc struct {
		rrf   float64
		paths []string
	}
	scores := make(map[int64]*acc)
	for _, list := range lists {
		for i, id := range list.IDs {
			if _, ok := records[id]; !ok {
				continue
			}
			a := scores[id]
			if a == nil {
				a = &acc{}
				scores[id] = a
			}
			a.rrf += 1 / (f.cfg.RRFK + float64(i+1))
			a.paths = append(a.paths, list.Path)
		}
	}
	if len(scores) == 0 {
		return nil
	}

	maxRRF := 0.0
	for _, a := range scores {
		maxRRF = math.Max(maxRRF, a.rrf)
	}

	results := make([]Result, 0, len(scores))
	for id, a := range scores {
		rec := records[id]
		days := math.Max(0, now.Sub(rec.ReferenceTime()).Hours()/24)
		b := ScoreBreakdown{
			RawRRF:     a.rrf,
			Importance: rec.Metadata.Importance,
			Recency:    math.Exp(-f.cfg.DecayRate * days),
			DaysOld:    days,
			Paths:      a.paths,
		}
		if maxRRF > 0 {
			b.NormalizedRRF = a.rrf / maxRRF
		}
		b.Final = f.cfg.RelevanceWeight*b.NormalizedRRF +
			f.cfg.ImportanceWeight*b.Importance +
			f.cfg.RecencyWeight*b.Recency
		results = append(results, Result{Record: rec, Score: b})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score.Final != results[j].Score.Final {
			return results[i].Score.Final > results[j].Score.Final
		}
		return results[i].Record.ID < results[j].Record.ID
	})

	results = f.dedup(results, k)
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// dedup walks results in order and keeps an item only when it is below
// the similarity threshold against every item already kept.
func (f *Fuser) dedup(results []Result, k int) []Result {
	if f.cfg.DedupThreshold <= 0 {
		return results
	}
	kept := make([]Result, 0, min(k, len(results)))
	keptTerms := make([]map[string]struct{}, 0, cap(kept))

	for _, r := range results {
		terms := f.tok.TermSet(r.Record.CanonicalSummary)
		duplicate := false
		for i, other := range keptTerms {
			if jaccard(terms, other, r.Record.CanonicalSummary, kept[i].Record.CanonicalSummary) >= f.cfg.DedupThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, r)
		keptTerms = append(keptTerms, terms)
		if len(kept) == k {
			break
		}
	}
	return kept
}

// jaccard returns |a∩b| / |a∪b|. Two texts without terms are compared
// verbatim.
func jaccard(a, b map[string]struct{}, rawA, rawB string) float64 {
	if len(a) == 0 && len(b) == 0 {
		if trimmed(rawA) == trimmed(rawB) {
			return 1
		}
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

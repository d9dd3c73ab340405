// Package analyzer classifies document changes into a change type and an
// update strategy. It is stateless: each call reads the fingerprint store
// and previously indexed content, then produces an ephemeral analysis.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/lodestone-search/lodestone/internal/fingerprint"
	"github.com/lodestone-search/lodestone/internal/store"
)

// ChangeType classifies how much a document changed since last indexing.
type ChangeType string

const (
	NoChange        ChangeType = "NO_CHANGE"
	MinorUpdate     ChangeType = "MINOR_UPDATE"
	MajorUpdate     ChangeType = "MAJOR_UPDATE"
	StructureChange ChangeType = "STRUCTURE_CHANGE"
	CompleteRewrite ChangeType = "COMPLETE_REWRITE"
	NewDocument     ChangeType = "NEW_DOCUMENT"
	Deleted         ChangeType = "DELETED"
)

// severity orders change types so window refinement can upgrade but never
// downgrade a size-based classification.
func (c ChangeType) severity() int {
	switch c {
	case NoChange:
		return 0
	case MinorUpdate:
		return 1
	case MajorUpdate:
		return 2
	case StructureChange:
		return 3
	case CompleteRewrite:
		return 4
	default:
		return 0
	}
}

// UpdateStrategy decides what the ingest pipeline does with a change.
type UpdateStrategy string

const (
	StrategySkip        UpdateStrategy = "SKIP"
	StrategyIncremental UpdateStrategy = "INCREMENTAL"
	StrategyFullReindex UpdateStrategy = "FULL_REINDEX"
	StrategyRemove      UpdateStrategy = "REMOVE"
)

// Priorities; lower runs sooner.
const (
	PriorityUrgent = 0
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// ChangeAnalysis is the result of analyzing one source.
type ChangeAnalysis struct {
	Source          string
	ChangeType      ChangeType
	Strategy        UpdateStrategy
	Confidence      float64 // 0..1, 0 means conservative fallback
	AffectedChunks  []int   // Window indexes judged modified or replaced
	Priority        int
	EstimatedEffort float64 // Scheduling hint only
	SizeRatio       float64 // |new-old| / max(old, 1)
}

// Config holds the classification thresholds.
type Config struct {
	MinorThreshold       float64 // Size ratio below this is MINOR_UPDATE
	MajorThreshold       float64 // ... below this is MAJOR_UPDATE
	StructureThreshold   float64 // ... below this is STRUCTURE_CHANGE
	RewriteThreshold     float64 // Changed-window ratio at or above upgrades to rewrite
	WindowSize           int     // Characters per comparison window
	IncrementalMaxChunks int     // MINOR updates touching more windows than this go full reindex
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MinorThreshold:       0.15,
		MajorThreshold:       0.40,
		StructureThreshold:   0.70,
		RewriteThreshold:     0.90,
		WindowSize:           1000,
		IncrementalMaxChunks: 3,
	}
}

// PriorContent supplies previously indexed chunk text for a document.
// The keyword backend satisfies this; its stored fields hold the real
// content that was indexed, not an approximation of it.
type PriorContent interface {
	FetchDoc(ctx context.Context, docID string) ([]*store.Chunk, error)
}

// Analyzer classifies changes. Stateless between calls.
type Analyzer struct {
	cfg          Config
	fingerprints *fingerprint.Store
	prior        PriorContent
	log          *slog.Logger
}

// New creates an Analyzer. prior may be nil, in which case refinement is
// skipped and classification rests on the size ratio alone.
func New(cfg Config, fps *fingerprint.Store, prior PriorContent, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{cfg: cfg, fingerprints: fps, prior: prior, log: log}
}

// Analyze classifies the change represented by newContent for source.
// A nil newContent means the source no longer exists. Any internal
// failure degrades to the conservative fallback, never to SKIP.
func (a *Analyzer) Analyze(ctx context.Context, source string, newContent []byte) (analysis *ChangeAnalysis, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("analyze_panic",
				slog.String("source", source),
				slog.Any("panic", r))
			analysis = a.fallback(source)
			err = nil
		}
	}()

	stored, err := a.fingerprints.Get(ctx, source)
	if err != nil {
		a.log.Warn("analyze_fingerprint_unavailable",
			slog.String("source", source),
			slog.String("error", err.Error()))
		return a.fallback(source), nil
	}

	// Source gone: with history it is a deletion, without it a no-op.
	if newContent == nil {
		if stored == nil {
			return &ChangeAnalysis{
				Source:     source,
				ChangeType: NoChange,
				Strategy:   StrategySkip,
				Confidence: 1.0,
				Priority:   PriorityLow,
			}, nil
		}
		return &ChangeAnalysis{
			Source:          source,
			ChangeType:      Deleted,
			Strategy:        StrategyRemove,
			Confidence:      1.0,
			Priority:        PriorityHigh,
			EstimatedEffort: effort(Deleted, 0, 0),
		}, nil
	}

	if stored == nil {
		return &ChangeAnalysis{
			Source:          source,
			ChangeType:      NewDocument,
			Strategy:        StrategyFullReindex,
			Confidence:      1.0,
			Priority:        PriorityUrgent,
			EstimatedEffort: effort(NewDocument, len(newContent), 0),
		}, nil
	}

	current := fingerprint.ComputeFromBytes(source, newContent, sourceModTime(source, stored.ModTime))

	// Byte-identical content is never reprocessed, regardless of
	// metadata drift.
	if stored.MetadataHash == current.MetadataHash || stored.ContentHash == current.ContentHash {
		return &ChangeAnalysis{
			Source:     source,
			ChangeType: NoChange,
			Strategy:   StrategySkip,
			Confidence: 1.0,
			Priority:   PriorityLow,
		}, nil
	}

	sizeRatio := sizeChangeRatio(stored.Size, int64(len(newContent)))
	changeType := a.classifyBySize(sizeRatio)
	confidence := 0.6 // size-only classification

	var affected []int
	if a.prior != nil && stored.DocID != "" {
		oldContent, fetchErr := a.priorText(ctx, stored.DocID)
		if fetchErr != nil {
			a.log.Warn("analyze_prior_content_unavailable",
				slog.String("source", source),
				slog.String("doc_id", stored.DocID),
				slog.String("error", fetchErr.Error()))
		} else if oldContent != "" {
			var refined ChangeType
			refined, affected = a.refineByWindows(oldContent, string(newContent))
			if refined.severity() > changeType.severity() {
				changeType = refined
			}
			confidence = 0.9
		}
	}

	strategy := a.strategyFor(changeType, len(affected))

	return &ChangeAnalysis{
		Source:          source,
		ChangeType:      changeType,
		Strategy:        strategy,
		Confidence:      confidence,
		AffectedChunks:  affected,
		Priority:        priorityFor(changeType),
		EstimatedEffort: effort(changeType, len(newContent), len(affected)),
		SizeRatio:       sizeRatio,
	}, nil
}

// fallback is the conservative result used when analysis itself fails:
// reprocess everything rather than risk missing a change.
func (a *Analyzer) fallback(source string) *ChangeAnalysis {
	return &ChangeAnalysis{
		Source:          source,
		ChangeType:      CompleteRewrite,
		Strategy:        StrategyFullReindex,
		Confidence:      0,
		Priority:        PriorityNormal,
		EstimatedEffort: effort(CompleteRewrite, 0, 0),
	}
}

// classifyBySize maps the size-change ratio onto a change type.
func (a *Analyzer) classifyBySize(ratio float64) ChangeType {
	switch {
	case ratio < a.cfg.MinorThreshold:
		return MinorUpdate
	case ratio < a.cfg.MajorThreshold:
		return MajorUpdate
	case ratio < a.cfg.StructureThreshold:
		return StructureChange
	default:
		return CompleteRewrite
	}
}

// refineByWindows compares old and new text window by window using Jaccard
// similarity over token sets, and reclassifies from the ratio of changed
// windows. The result may be more severe than the size-based class but the
// caller never lets it be less.
func (a *Analyzer) refineByWindows(oldText, newText string) (ChangeType, []int) {
	oldWindows := splitWindows(oldText, a.cfg.WindowSize)
	newWindows := splitWindows(newText, a.cfg.WindowSize)

	total := len(oldWindows)
	if len(newWindows) > total {
		total = len(newWindows)
	}
	if total == 0 {
		return NoChange, nil
	}

	var affected []int
	replaced := 0
	for i := 0; i < total; i++ {
		var oldW, newW string
		if i < len(oldWindows) {
			oldW = oldWindows[i]
		}
		if i < len(newWindows) {
			newW = newWindows[i]
		}

		sim := jaccard(tokenSet(oldW), tokenSet(newW))
		switch {
		case sim >= 0.80:
			// unchanged
		case sim >= 0.50:
			affected = append(affected, i)
		default:
			affected = append(affected, i)
			replaced++
		}
	}

	changedRatio := float64(len(affected)) / float64(total)

	switch {
	case changedRatio >= a.cfg.RewriteThreshold:
		return CompleteRewrite, affected
	case changedRatio >= a.cfg.StructureThreshold:
		return StructureChange, affected
	case changedRatio >= a.cfg.MajorThreshold:
		return MajorUpdate, affected
	case len(affected) > 0:
		return MinorUpdate, affected
	default:
		return NoChange, affected
	}
}

// strategyFor is the fixed change-type to strategy lookup.
func (a *Analyzer) strategyFor(ct ChangeType, affectedCount int) UpdateStrategy {
	switch ct {
	case NoChange:
		return StrategySkip
	case Deleted:
		return StrategyRemove
	case MinorUpdate:
		if affectedCount > 0 && affectedCount <= a.cfg.IncrementalMaxChunks {
			return StrategyIncremental
		}
		return StrategyFullReindex
	default:
		return StrategyFullReindex
	}
}

func priorityFor(ct ChangeType) int {
	switch ct {
	case NewDocument:
		return PriorityUrgent
	case Deleted, CompleteRewrite, StructureChange:
		return PriorityHigh
	case MajorUpdate:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// effort estimates relative processing cost for scheduling.
func effort(ct ChangeType, contentLen, affectedCount int) float64 {
	base := map[ChangeType]float64{
		NoChange:        0,
		MinorUpdate:     1,
		MajorUpdate:     2,
		StructureChange: 3,
		NewDocument:     4,
		CompleteRewrite: 5,
		Deleted:         1,
	}[ct]

	lenFactor := float64(contentLen) / 10000
	if lenFactor > 3 {
		lenFactor = 3
	}
	chunkFactor := float64(affectedCount) / 10
	if chunkFactor > 2 {
		chunkFactor = 2
	}
	return base * (1 + lenFactor + chunkFactor)
}

// priorText concatenates previously indexed chunks ordered by position.
func (a *Analyzer) priorText(ctx context.Context, docID string) (string, error) {
	chunks, err := a.prior.FetchDoc(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("fetch prior chunks: %w", err)
	}

	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content)
	}
	return b.String(), nil
}

func sizeChangeRatio(oldSize, newSize int64) float64 {
	diff := newSize - oldSize
	if diff < 0 {
		diff = -diff
	}
	denom := oldSize
	if denom < 1 {
		denom = 1
	}
	return float64(diff) / float64(denom)
}

// splitWindows splits text into fixed-size character windows.
func splitWindows(text string, size int) []string {
	if size <= 0 || text == "" {
		return nil
	}
	runes := []rune(text)
	windows := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		windows = append(windows, string(runes[start:end]))
	}
	return windows
}

// tokenSet lowercases and splits on non-alphanumeric boundaries.
func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard computes intersection-over-union. Two empty sets are identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

// sourceModTime stats the source for its mtime, falling back to the stored
// value for non-filesystem sources.
func sourceModTime(source string, fallback time.Time) time.Time {
	if info, err := os.Stat(source); err == nil {
		return info.ModTime()
	}
	return fallback
}

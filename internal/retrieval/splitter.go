package retrieval

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 5000
	DefaultChunkOverlap = 150
	// MinPageChars is the shortest page worth splitting
	MinPageChars = 10
)

// DefaultSeparators are tried in order, coarsest first
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter cuts text into overlapping passages of at most ChunkSize runes,
// preferring paragraph, then line, then word boundaries.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// NewSplitter returns a splitter with the default separators
func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	return &Splitter{ChunkSize: chunkSize, ChunkOverlap: overlap, Separators: DefaultSeparators}
}

// Split returns the passages of text in reading order
func (s *Splitter) Split(text string) []string {
	seps := s.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return s.split(text, seps)
}

func (s *Splitter) split(text string, seps []string) []string {
	sep := seps[len(seps)-1]
	var rest []string
	for i, cand := range seps {
		if cand == "" {
			sep = cand
			break
		}
		if strings.Contains(text, cand) {
			sep = cand
			rest = seps[i+1:]
			break
		}
	}

	var out, small []string
	for _, piece := range splitOn(text, sep) {
		if runeLen(piece) < s.ChunkSize {
			small = append(small, piece)
			continue
		}
		if len(small) > 0 {
			out = append(out, s.merge(small, sep)...)
			small = nil
		}
		if len(rest) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, s.split(piece, rest)...)
		}
	}
	if len(small) > 0 {
		out = append(out, s.merge(small, sep)...)
	}
	return out
}

// merge packs pieces into chunks, carrying up to ChunkOverlap runes of
// trailing pieces into the next chunk.
func (s *Splitter) merge(pieces []string, sep string) []string {
	sepLen := runeLen(sep)
	var chunks, current []string
	total := 0

	for _, p := range pieces {
		n := runeLen(p)
		if total+n+joinCost(current, sepLen) > s.ChunkSize {
			if len(current) > 0 {
				if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
					chunks = append(chunks, doc)
				}
				for total > s.ChunkOverlap || (total > 0 && total+n+joinCost(current, sepLen) > s.ChunkSize) {
					total -= runeLen(current[0])
					if len(current) > 1 {
						total -= sepLen
					}
					current = current[1:]
				}
			}
		}
		current = append(current, p)
		total += n
		if len(current) > 1 {
			total += sepLen
		}
	}
	if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
		chunks = append(chunks, doc)
	}
	return chunks
}

func joinCost(current []string, sepLen int) int {
	if len(current) > 0 {
		return sepLen
	}
	return 0
}

func splitOn(text, sep string) []string {
	var parts []string
	if sep == "" {
		parts = make([]string, 0, len(text))
		for _, r := range text {
			parts = append(parts, string(r))
		}
	} else {
		parts = strings.Split(text, sep)
	}
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

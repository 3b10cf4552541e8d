package service

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

const (
	// MinOverlapScore is the minimum claim/source overlap for a citation to
	// count as verified.
	MinOverlapScore = 0.3

	// HighConfidenceThreshold separates high-confidence matches from
	// partial/paraphrased ones.
	HighConfidenceThreshold = 0.7
)

var (
	citationPattern = regexp.MustCompile(`(?i)\[Source\s*(\d+)\]`)
	quotePattern    = regexp.MustCompile(`(?i)"([^"]+)"\s*\[Source\s*(\d+)\]`)
	claimPattern    = regexp.MustCompile(`(?i)([^.!?]+[.!?])\s*\[Source\s*(\d+)(?:,\s*Source\s*(\d+))?\]`)
	sentenceSplit   = regexp.MustCompile(`(?:[.!?])\s+`)
	nonWordPattern  = regexp.MustCompile(`[^\w\s]`)
)

// claimIndicators are the factual-language patterns that mark a sentence as
// a claim needing a citation in strict mode.
var claimIndicators = []*regexp.Regexp{
	regexp.MustCompile(`(?i)according to`),
	regexp.MustCompile(`(?i)research shows`),
	regexp.MustCompile(`(?i)studies indicate`),
	regexp.MustCompile(`(?i)data suggests`),
	regexp.MustCompile(`(?i)it is known that`),
	regexp.MustCompile(`(?i)evidence shows`),
	regexp.MustCompile(`(?i)results demonstrate`),
	regexp.MustCompile(`(?i)findings reveal`),
	regexp.MustCompile(`\d+%`),
	regexp.MustCompile(`(?i)\d+ percent`),
	regexp.MustCompile(`(?i)the study found`),
	regexp.MustCompile(`(?i)experiments show`),
}

// noInfoPatterns mark a response as primarily a "no information" disclaimer.
var noInfoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)i don't have`),
	regexp.MustCompile(`(?i)i cannot find`),
	regexp.MustCompile(`(?i)not available in`),
	regexp.MustCompile(`(?i)no information`),
	regexp.MustCompile(`(?i)not in the documents`),
	regexp.MustCompile(`(?i)not covered in`),
	regexp.MustCompile(`(?i)i couldn't find`),
	regexp.MustCompile(`(?i)no relevant`),
}

// stopwords is the closed set dropped during overlap tokenization.
var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "being": {}, "have": {}, "has": {}, "had": {},
	"do": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "must": {}, "shall": {}, "to": {},
	"of": {}, "in": {}, "for": {}, "on": {}, "with": {}, "at": {}, "by": {},
	"from": {}, "as": {}, "into": {}, "through": {}, "during": {},
	"before": {}, "after": {}, "above": {}, "below": {}, "between": {},
	"under": {}, "again": {}, "further": {}, "then": {}, "once": {},
	"and": {}, "but": {}, "or": {}, "nor": {}, "so": {}, "yet": {},
	"both": {}, "either": {}, "neither": {}, "not": {}, "only": {},
	"own": {}, "same": {}, "than": {}, "too": {}, "very": {}, "just": {},
	"also": {}, "now": {}, "here": {}, "there": {}, "when": {}, "where": {},
	"why": {}, "how": {}, "all": {}, "each": {}, "every": {}, "few": {},
	"more": {}, "most": {}, "other": {}, "some": {}, "such": {}, "no": {},
	"any": {}, "this": {}, "that": {}, "these": {}, "those": {}, "it": {},
	"its": {},
}

// extractedCitation is a citation parsed from the response text.
type extractedCitation struct {
	citationID int
	claimText  string
	position   int
	isQuote    bool
}

// VerifiedCitation is a citation checked against its referenced source.
type VerifiedCitation struct {
	CitationID   int     `json:"citation_id"`
	Claim        string  `json:"claim"`
	SourceTitle  string  `json:"source"`
	SourceType   string  `json:"source_type"`
	ChunkID      string  `json:"chunk_id,omitempty"`
	ResourceID   string  `json:"resource_id,omitempty"`
	Page         *int    `json:"page,omitempty"`
	Section      *string `json:"section,omitempty"`
	Verified     bool    `json:"verified"`
	OverlapScore float64 `json:"overlap_score"`
	MatchingText string  `json:"matching_text,omitempty"`
	Notes        string  `json:"notes"`
}

// VerificationResult is the complete verification outcome for a response.
type VerificationResult struct {
	Citations            []VerifiedCitation `json:"citations"`
	UnverifiedClaims     []string           `json:"unverified_claims"`
	TotalClaims          int                `json:"total_claims"`
	VerifiedCount        int                `json:"verified_count"`
	VerificationScore    float64            `json:"verification_score"`
	HasHallucinations    bool               `json:"has_hallucinations"`
	HallucinationDetails []string           `json:"hallucination_details"`
	InvalidReferences    []int              `json:"invalid_references"`
	Warnings             []string           `json:"warnings"`
}

// VerifyService extracts citations from model output and scores
// claim-to-source overlap against the evidence packet.
type VerifyService struct{}

// NewVerifyService creates a VerifyService.
func NewVerifyService() *VerifyService {
	return &VerifyService{}
}

// Verify checks all citations in a response against the packet. In strict
// mode, uncited factual-sounding sentences and invalid source references
// are flagged as hallucination signals.
func (s *VerifyService) Verify(responseText string, packet *EvidencePacket, strict bool) *VerificationResult {
	result := &VerificationResult{
		Citations:            []VerifiedCitation{},
		UnverifiedClaims:     []string{},
		HallucinationDetails: []string{},
		InvalidReferences:    []int{},
		Warnings:             []string{},
	}

	sourceMap := buildSourceMap(packet)

	extracted := extractCitations(responseText)
	result.TotalClaims = len(extracted)

	for _, citation := range extracted {
		verified := verifyCitation(citation, sourceMap)
		result.Citations = append(result.Citations, verified)
		if verified.Verified {
			result.VerifiedCount++
		}
	}

	if strict {
		uncited := findUncitedClaims(responseText)
		result.UnverifiedClaims = uncited
		if len(uncited) > 0 {
			result.HasHallucinations = true
			for i, claim := range uncited {
				if i == 5 {
					break
				}
				if len(claim) > 100 {
					claim = claim[:100]
				}
				result.HallucinationDetails = append(result.HallucinationDetails, "Uncited claim: "+claim+"...")
			}
		}
	}

	invalid := findInvalidReferences(extracted, sourceMap)
	result.InvalidReferences = invalid
	if len(invalid) > 0 {
		if strict {
			result.HasHallucinations = true
			for _, ref := range invalid {
				result.HallucinationDetails = append(result.HallucinationDetails, fmt.Sprintf("Invalid source reference: [Source %d]", ref))
			}
		}
		result.Warnings = append(result.Warnings, fmt.Sprintf("Response references %d sources that were not provided", len(invalid)))
	}

	if result.TotalClaims > 0 {
		result.VerificationScore = float64(result.VerifiedCount) / float64(result.TotalClaims)
	} else if responseMakesClaims(responseText) {
		result.VerificationScore = 0.0
		result.HasHallucinations = true
		result.Warnings = append(result.Warnings, "Response makes claims but has no citations")
	} else {
		result.VerificationScore = 1.0
	}

	lowConf := 0
	for _, c := range result.Citations {
		if c.Verified && c.OverlapScore < HighConfidenceThreshold {
			lowConf++
		}
	}
	if lowConf > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d citations have low overlap scores (may be paraphrased)", lowConf))
	}

	slog.Info("verification complete",
		"verified", result.VerifiedCount,
		"total_claims", result.TotalClaims,
		"score", fmt.Sprintf("%.2f", result.VerificationScore),
		"hallucinations", result.HasHallucinations,
	)
	return result
}

// Summary renders the verification outcome as a human-readable block.
func (s *VerifyService) Summary(result *VerificationResult) string {
	var status string
	switch {
	case result.VerificationScore >= 0.9:
		status = "Highly Verified"
	case result.VerificationScore >= 0.7:
		status = "Mostly Verified"
	case result.VerificationScore >= 0.5:
		status = "Partially Verified"
	default:
		status = "Low Verification"
	}

	lines := []string{
		"**Verification Status:** " + status,
		fmt.Sprintf("**Score:** %.0f%%", result.VerificationScore*100),
		fmt.Sprintf("**Citations:** %d/%d verified", result.VerifiedCount, result.TotalClaims),
	}
	if result.HasHallucinations {
		lines = append(lines, "**Potential Issues Detected**")
		for i, detail := range result.HallucinationDetails {
			if i == 3 {
				break
			}
			lines = append(lines, "  - "+detail)
		}
	}
	if len(result.Warnings) > 0 {
		lines = append(lines, "**Notes:**")
		for _, w := range result.Warnings {
			lines = append(lines, "  - "+w)
		}
	}
	return strings.Join(lines, "\n")
}

// buildSourceMap reconstructs the 1-based index → source mapping exactly as
// the prompt builder emitted it.
func buildSourceMap(packet *EvidencePacket) map[int]*PacketChunk {
	sourceMap := make(map[int]*PacketChunk)
	for _, c := range packet.Sources() {
		sourceMap[c.SourceIndex] = &c
	}
	return sourceMap
}

// extractCitations finds quote and claim citations, deduplicated by start
// position, sorted by position. Quote citations take precedence at a shared
// position.
func extractCitations(responseText string) []extractedCitation {
	var citations []extractedCitation
	seen := make(map[int]struct{})

	for _, m := range quotePattern.FindAllStringSubmatchIndex(responseText, -1) {
		position := m[0]
		if _, dup := seen[position]; dup {
			continue
		}
		seen[position] = struct{}{}
		citations = append(citations, extractedCitation{
			citationID: atoiSafe(responseText[m[4]:m[5]]),
			claimText:  responseText[m[2]:m[3]],
			position:   position,
			isQuote:    true,
		})
	}

	for _, m := range claimPattern.FindAllStringSubmatchIndex(responseText, -1) {
		position := m[0]
		if _, dup := seen[position]; dup {
			continue
		}
		seen[position] = struct{}{}
		claim := strings.TrimSpace(responseText[m[2]:m[3]])
		citations = append(citations, extractedCitation{
			citationID: atoiSafe(responseText[m[4]:m[5]]),
			claimText:  claim,
			position:   position,
		})
		// A second index in the same citation ([Source 1, Source 2])
		// becomes a separate citation on the same claim.
		if m[6] >= 0 {
			citations = append(citations, extractedCitation{
				citationID: atoiSafe(responseText[m[6]:m[7]]),
				claimText:  claim,
				position:   position,
			})
		}
	}

	sort.SliceStable(citations, func(i, j int) bool { return citations[i].position < citations[j].position })
	return citations
}

// verifyCitation scores one citation against its referenced source.
func verifyCitation(citation extractedCitation, sourceMap map[int]*PacketChunk) VerifiedCitation {
	source, ok := sourceMap[citation.citationID]
	if !ok {
		return VerifiedCitation{
			CitationID:  citation.citationID,
			Claim:       citation.claimText,
			SourceTitle: "Unknown",
			SourceType:  "unknown",
			Notes:       "Referenced source was not provided in context",
		}
	}

	overlap := calculateOverlap(citation.claimText, source.Content, citation.isQuote)
	matching := findMatchingText(citation.claimText, source.Content)
	verified := overlap >= MinOverlapScore

	var notes string
	switch {
	case verified && overlap >= HighConfidenceThreshold:
		notes = "High confidence match"
	case verified:
		notes = "Partial match - may be paraphrased"
	default:
		notes = "Could not verify claim against source content"
	}

	if len(matching) > 200 {
		matching = matching[:200]
	}

	return VerifiedCitation{
		CitationID:   citation.citationID,
		Claim:        citation.claimText,
		SourceTitle:  source.Title,
		SourceType:   source.Type,
		ChunkID:      source.ChunkID,
		ResourceID:   source.ResourceID,
		Page:         source.Page,
		Section:      source.Section,
		Verified:     verified,
		OverlapScore: overlap,
		MatchingText: matching,
		Notes:        notes,
	}
}

// calculateOverlap scores claim/source overlap. Quotes check for substring
// (1.0) or a longest matching block covering ≥80% of the claim (0.9);
// paraphrases blend token coverage (0.6) with bigram/trigram phrase
// matching (0.4).
func calculateOverlap(claim, sourceContent string, isQuote bool) float64 {
	claimNorm := strings.ToLower(strings.TrimSpace(claim))
	sourceNorm := strings.ToLower(sourceContent)

	if isQuote {
		if strings.Contains(sourceNorm, claimNorm) {
			return 1.0
		}
		if longestCommonSubstring(claimNorm, sourceNorm)*5 >= len(claimNorm)*4 {
			return 0.9
		}
	}

	claimWords := tokenizeForOverlap(claimNorm)
	if len(claimWords) == 0 {
		return 0.0
	}
	sourceWords := tokenizeForOverlap(sourceNorm)

	sourceSet := make(map[string]struct{}, len(sourceWords))
	for _, w := range sourceWords {
		sourceSet[w] = struct{}{}
	}

	claimSet := make(map[string]struct{}, len(claimWords))
	matched := 0
	for _, w := range claimWords {
		if _, dup := claimSet[w]; dup {
			continue
		}
		claimSet[w] = struct{}{}
		if _, ok := sourceSet[w]; ok {
			matched++
		}
	}
	claimCoverage := float64(matched) / float64(len(claimSet))

	phrases := keyPhrases(claimWords)
	phraseScore := 0.0
	if len(phrases) > 0 {
		phraseMatches := 0
		for _, p := range phrases {
			if strings.Contains(sourceNorm, p) {
				phraseMatches++
			}
		}
		phraseScore = float64(phraseMatches) / float64(len(phrases))
	}

	return claimCoverage*0.6 + phraseScore*0.4
}

// findMatchingText locates the best matching window in the source for the
// claim; nil result is an empty string.
func findMatchingText(claim, sourceContent string) string {
	claimNorm := strings.ToLower(strings.TrimSpace(claim))
	sourceNorm := strings.ToLower(sourceContent)

	if idx := strings.Index(sourceNorm, claimNorm); idx >= 0 {
		return sourceContent[idx : idx+len(claimNorm)]
	}

	claimWords := tokenizeForOverlap(claimNorm)
	if len(claimWords) == 0 {
		return ""
	}
	claimSet := make(map[string]struct{}, len(claimWords))
	for _, w := range claimWords {
		claimSet[w] = struct{}{}
	}

	sourceWords := strings.Fields(sourceContent)
	windowSize := len(claimWords) * 2
	if windowSize > len(sourceWords) {
		windowSize = len(sourceWords)
	}
	if windowSize == 0 {
		return ""
	}

	bestMatch := ""
	bestScore := 0.0
	for i := 0; i+windowSize <= len(sourceWords); i++ {
		window := strings.Join(sourceWords[i:i+windowSize], " ")
		windowSet := make(map[string]struct{})
		for _, w := range tokenizeForOverlap(strings.ToLower(window)) {
			windowSet[w] = struct{}{}
		}
		matched := 0
		for w := range claimSet {
			if _, ok := windowSet[w]; ok {
				matched++
			}
		}
		score := float64(matched) / float64(len(claimSet))
		if score > bestScore {
			bestScore = score
			bestMatch = window
		}
	}

	if bestScore > 0.3 {
		return bestMatch
	}
	return ""
}

// tokenizeForOverlap strips punctuation, splits on whitespace, and drops
// stopwords and tokens of length ≤ 2.
func tokenizeForOverlap(text string) []string {
	cleaned := nonWordPattern.ReplaceAllString(text, " ")
	var out []string
	for _, w := range strings.Fields(cleaned) {
		if len(w) <= 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

// keyPhrases returns the bigrams and trigrams of the token list.
func keyPhrases(words []string) []string {
	var phrases []string
	for i := 0; i+1 < len(words); i++ {
		phrases = append(phrases, words[i]+" "+words[i+1])
	}
	for i := 0; i+2 < len(words); i++ {
		phrases = append(phrases, words[i]+" "+words[i+1]+" "+words[i+2])
	}
	return phrases
}

// longestCommonSubstring returns the length of the longest common substring
// using a rolling single-row table (claims are short; sources can be long).
func longestCommonSubstring(a, b string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > best {
					best = curr[j]
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return best
}

// findUncitedClaims splits the response into sentences and flags those that
// match a factual-language indicator but carry no citation.
func findUncitedClaims(responseText string) []string {
	var uncited []string
	for _, sentence := range splitSentences(responseText) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		if citationPattern.MatchString(sentence) {
			continue
		}
		for _, indicator := range claimIndicators {
			if indicator.MatchString(sentence) {
				uncited = append(uncited, sentence)
				break
			}
		}
	}
	return uncited
}

// splitSentences splits on sentence-ending punctuation followed by
// whitespace, keeping the punctuation with the preceding sentence.
func splitSentences(text string) []string {
	locs := sentenceSplit.FindAllStringIndex(text, -1)
	var out []string
	start := 0
	for _, loc := range locs {
		out = append(out, text[start:loc[0]+1])
		start = loc[1]
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// findInvalidReferences returns citation indices that have no entry in the
// source map, deduplicated in first-seen order.
func findInvalidReferences(citations []extractedCitation, sourceMap map[int]*PacketChunk) []int {
	var invalid []int
	seen := make(map[int]struct{})
	for _, c := range citations {
		if _, ok := sourceMap[c.citationID]; ok {
			continue
		}
		if _, dup := seen[c.citationID]; dup {
			continue
		}
		seen[c.citationID] = struct{}{}
		invalid = append(invalid, c.citationID)
	}
	return invalid
}

// responseMakesClaims reports whether an uncited response asserts facts, as
// opposed to a short "no information" disclaimer.
func responseMakesClaims(responseText string) bool {
	lower := strings.ToLower(responseText)
	for _, p := range noInfoPatterns {
		if p.MatchString(lower) && len(responseText) < 500 {
			return false
		}
	}
	return len(responseText) > 100
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

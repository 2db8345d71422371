package sanitize

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Rule is one pattern -> replacement rewrite. Rules are applied in order,
// so they live in slices rather than maps.
type Rule struct {
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
}

// Config carries the model-specific heuristics. The pattern lists and the
// similarity threshold are tuned against observed model output, so they are
// configuration rather than constants.
type Config struct {
	AgentName           string   `yaml:"agent_name"`
	PrefixPatterns      []string `yaml:"prefix_patterns"`
	SuspiciousPatterns  []string `yaml:"suspicious_patterns"`
	MergeRepairs        []Rule   `yaml:"merge_repairs"`
	Corrections         []Rule   `yaml:"corrections"`
	SimilarityThreshold float64  `yaml:"similarity_threshold"`
}

// DefaultConfig returns the rule set tuned for the French Phi-style model
// the assistant ships with.
func DefaultConfig() Config {
	return Config{
		AgentName: "QAIA",
		PrefixPatterns: []string{
			`\(\d{1,2}:\d{2}\)\s*QAIA\s*:?`,
			`\bQAIA\s*:`,
			`<\|end\|>`,
			`<\|endoftext\|>`,
		},
		SuspiciousPatterns: []string{
			`<\|(?:system|user|assistant)\|>`,
			`---\s*#{1,3}\s*Instruction`,
			`###\s*Instruction`,
			`Contraintes\s+supplémentaires`,
			`conseiller\s+numérique`,
			`personnage\s+de\s+fiction`,
		},
		MergeRepairs: []Rule{
			{Pattern: `\bQ\s+A\s+I\s+A\b`, Replace: "QAIA"},
			{Pattern: `\bQ\s+A\s+IA\b`, Replace: "QAIA"},
			{Pattern: `\bQ\s+AIA\b`, Replace: "QAIA"},
			{Pattern: `\bO\s+ui\b`, Replace: "Oui"},
			{Pattern: `\bo\s+ui\b`, Replace: "oui"},
			{Pattern: `\bfran\s+çais\b`, Replace: "français"},
			{Pattern: `\bFran\s+çais\b`, Replace: "Français"},
			{Pattern: `\beffic\s+ac\s+ement\b`, Replace: "efficacement"},
			{Pattern: `\bcon\s+ç\s+ue\b`, Replace: "conçue"},
			{Pattern: `\bang\s+lais\b`, Replace: "anglais"},
			{Pattern: `\bcommun\s+ic\s+ation\b`, Replace: "communication"},
		},
		Corrections: []Rule{
			{Pattern: `\bcest\b`, Replace: "c'est"},
			{Pattern: `\bnest\b`, Replace: "n'est"},
			{Pattern: `\bquil\b`, Replace: "qu'il"},
			{Pattern: `\bquun\b`, Replace: "qu'un"},
			{Pattern: `\bquune\b`, Replace: "qu'une"},
			{Pattern: `\bquon\b`, Replace: "qu'on"},
			{Pattern: `\bjusquà\b`, Replace: "jusqu'à"},
			{Pattern: `\baujourdhui\b`, Replace: "aujourd'hui"},
			{Pattern: `\bquest-ce\b`, Replace: "qu'est-ce"},
		},
		SimilarityThreshold: 0.65,
	}
}

// Sanitizer owns the shared rule set behind both entry points, so the
// displayed and the spoken text always derive from the same transformation.
type Sanitizer struct {
	prefixes     []*regexp.Regexp // unanchored, for Finalize
	tokenPrefix  []*regexp.Regexp // anchored, for FilterToken
	fragments    []*regexp.Regexp // partial prefix fragments a token stream can split into
	suspicious   []*regexp.Regexp
	repairs      []rewrite
	corrections  []rewrite
	simThreshold float64
}

type rewrite struct {
	re      *regexp.Regexp
	replace string
}

func New(cfg Config) (*Sanitizer, error) {
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = DefaultConfig().SimilarityThreshold
	}
	name := cfg.AgentName
	if name == "" {
		name = DefaultConfig().AgentName
	}

	s := &Sanitizer{simThreshold: cfg.SimilarityThreshold}

	for _, p := range cfg.PrefixPatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("prefix pattern %q: %w", p, err)
		}
		s.prefixes = append(s.prefixes, re)

		anchored, err := regexp.Compile(`(?i)^\s*(?:` + p + `)\s*`)
		if err != nil {
			return nil, fmt.Errorf("prefix pattern %q: %w", p, err)
		}
		s.tokenPrefix = append(s.tokenPrefix, anchored)
	}

	// A prefix split across tokens arrives as fragments like "(", "16:15)"
	// or the bare agent name. These depend only on the agent name.
	for _, p := range []string{
		`^\($`,
		`^\(\d{1,2}:?$`,
		`^\(\d{1,2}:\d{2}\)$`,
		`^\d{1,2}:\d{2}\)$`,
		`^\d{1,2}:$`,
		`^\d{2}\)$`,
		`^` + regexp.QuoteMeta(name) + `\s*:?$`,
	} {
		s.fragments = append(s.fragments, regexp.MustCompile(`(?i)`+p))
	}

	for _, p := range cfg.SuspiciousPatterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("suspicious pattern %q: %w", p, err)
		}
		s.suspicious = append(s.suspicious, re)
	}

	var err error
	if s.repairs, err = compileRules(cfg.MergeRepairs); err != nil {
		return nil, err
	}
	if s.corrections, err = compileRules(cfg.Corrections); err != nil {
		return nil, err
	}
	return s, nil
}

func compileRules(rules []Rule) ([]rewrite, error) {
	out := make([]rewrite, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(`(?i)` + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Pattern, err)
		}
		out = append(out, rewrite{re: re, replace: r.Replace})
	}
	return out, nil
}

// FilterToken cleans one streamed token. buffer is the text emitted so far
// for the current reply; it drives the subword-join spacing heuristic.
// The second return is false when the token must be suppressed entirely.
func (s *Sanitizer) FilterToken(token, buffer string) (string, bool) {
	core := strings.TrimSpace(token)
	if core == "" {
		return "", false
	}

	for _, re := range s.tokenPrefix {
		core = strings.TrimSpace(re.ReplaceAllString(core, ""))
	}
	if core == "" {
		return "", false
	}
	for _, re := range s.fragments {
		if re.MatchString(core) {
			return "", false
		}
	}

	if needsJoinSpace(buffer, token, core) {
		return " " + core, true
	}
	return core, true
}

// needsJoinSpace decides whether the token starts a new word. Tokens from a
// BPE decoder may continue the previous word ("par" + "le" = "parle"), in
// which case no space is inserted.
func needsJoinSpace(buffer, raw, core string) bool {
	if buffer == "" {
		return false
	}
	last, _ := lastRune(buffer)
	if unicode.IsSpace(last) {
		return false
	}
	if strings.HasPrefix(raw, " ") || strings.HasPrefix(raw, "\n") {
		return true
	}

	first := firstRune(core)
	if strings.ContainsRune(`.,!?;:)'-`, first) {
		return false
	}
	if strings.ContainsRune(".,!?;:", last) {
		return true
	}
	// Letter followed by a lowercase letter reads as a subword continuation.
	if unicode.IsLetter(last) && unicode.IsLower(first) {
		return false
	}
	return true
}

func lastRune(s string) (rune, bool) {
	var r rune
	ok := false
	for _, c := range s {
		r, ok = c, true
	}
	return r, ok
}

func firstRune(s string) rune {
	for _, c := range s {
		return c
	}
	return 0
}

// Finalize runs the one-shot cleanup on a completed reply. The pass order
// is fixed and the function is idempotent: Finalize(Finalize(x)) equals
// Finalize(x), which allows defensive re-runs in recovery paths.
func (s *Sanitizer) Finalize(text string) string {
	out := s.stripPrefixes(text)
	for _, r := range s.repairs {
		out = r.re.ReplaceAllString(out, r.replace)
	}
	out = s.dropDuplicateSentences(out)
	out = s.applyCorrections(out)
	return normalizeSpaces(out)
}

func (s *Sanitizer) applyCorrections(text string) string {
	for _, r := range s.corrections {
		text = r.re.ReplaceAllString(text, r.replace)
	}
	return text
}

// stripPrefixes removes forbidden leading patterns anywhere in the text,
// repeating until a fixed point so stacked occurrences all disappear.
func (s *Sanitizer) stripPrefixes(text string) string {
	out := text
	for {
		prev := out
		for _, re := range s.prefixes {
			out = re.ReplaceAllString(out, " ")
		}
		if out == prev {
			return out
		}
	}
}

// ScrubTurn cleans one history turn before it is replayed as generation
// context. A turn carrying role-delimiter or instruction leakage is dropped
// outright (second return false); a turn with a leading forbidden prefix is
// kept with the prefix removed.
func (s *Sanitizer) ScrubTurn(text string) (string, bool) {
	for _, re := range s.suspicious {
		if re.MatchString(text) {
			return "", false
		}
	}
	out := normalizeSpaces(s.stripPrefixes(text))
	if out == "" {
		return "", false
	}
	return out, true
}

// NormalizeUtterance repairs common transcription artifacts in recognized
// speech before classification.
func (s *Sanitizer) NormalizeUtterance(text string) string {
	return normalizeSpaces(s.applyCorrections(text))
}

var (
	spaceRunRe   = regexp.MustCompile(`\s+`)
	spacePunctRe = regexp.MustCompile(`\s+([.,!?;:])`)
)

func normalizeSpaces(text string) string {
	out := spaceRunRe.ReplaceAllString(text, " ")
	out = spacePunctRe.ReplaceAllString(out, "$1")
	return strings.TrimSpace(out)
}

const minDedupLen = 10

// dropDuplicateSentences removes the second of two consecutive sentences
// whose word sets overlap above the similarity threshold. The model repeats
// itself with slight BPE variations; keeping the first occurrence preserves
// sentence order. Comparison runs on correction-applied copies so the
// decision does not change once the spelling corrections have run.
func (s *Sanitizer) dropDuplicateSentences(text string) string {
	sentences := splitSentences(text)
	if len(sentences) < 2 {
		return text
	}

	kept := sentences[:1]
	prevCmp := s.applyCorrections(kept[0])
	for _, cur := range sentences[1:] {
		curCmp := s.applyCorrections(cur)
		if len(curCmp) >= minDedupLen && jaccard(wordSet(prevCmp), wordSet(curCmp)) >= s.simThreshold {
			continue
		}
		kept = append(kept, cur)
		prevCmp = curCmp
	}
	return strings.Join(kept, " ")
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

var wordRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

func wordSet(sentence string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(sentence), -1) {
		set[w] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

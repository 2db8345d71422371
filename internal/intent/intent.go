// Package intent classifies user utterances with deterministic ordered
// rules. There is no learned model: every rule carries a fixed confidence,
// and the first matching rule wins.
package intent

import (
	"regexp"
	"strings"
)

type Category string

const (
	Question     Category = "question"
	Greeting     Category = "greeting"
	Confirmation Category = "confirmation"
	Farewell     Category = "farewell"
	Command      Category = "command"
	Other        Category = "other"
)

// Result is produced once per utterance and read-only downstream.
// Verb and Target are set exactly when Category is Command.
type Result struct {
	Category   Category
	Confidence float64
	Verb       string
	Target     string
}

type rule struct {
	category   Category
	confidence float64
	patterns   []*regexp.Regexp
}

type Classifier struct {
	rules       []rule
	verbRules   []vocabRule
	targetRules []vocabRule
}

// vocabRule maps synonym spellings to one canonical form, so that
// "arrête", "arrete" and "stop" all evaluate as the same verb.
type vocabRule struct {
	re        *regexp.Regexp
	canonical string
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

func NewClassifier() *Classifier {
	c := &Classifier{}

	// Order matters: confirmations are anchored whole-utterance forms,
	// commands are tried before farewells so that "arrête l'enregistrement"
	// is a command while "au revoir" stays a farewell.
	c.rules = []rule{
		{Confirmation, 0.85, compileAll(
			`^\s*(oui|ouais|ok|d'accord|entendu|compris|confirme|valide)\s*[.!]?\s*$`,
			`^\s*(non|pas du tout|annule|annuler|non merci)\s*[.!]?\s*$`,
		)},
		// \b is ASCII-only in Go regexps, so accent-initial words like
		// "éteins" or "à bientôt" are matched without boundaries.
		{Command, 0.80, compileAll(
			`\b(lance|démarre|demarre|arrête|arrete|stop|ferme|ouvre|fais)\b`,
			`\b(active|désactive|desactive|configure|redémarre|redemarre|coupe|allume|eteins)\b`,
			`éteins`,
		)},
		{Farewell, 0.90, compileAll(
			`\b(au revoir|bye|adieu|a bientot|a plus)\b`,
			`à bientôt|à plus`,
			`\bbonne nuit\b`,
			`c'est tout[, ]*merci`,
		)},
		{Greeting, 0.90, compileAll(
			`\b(bonjour|salut|hello|hey|coucou)\b`,
			`\bbonne (matinée|matinee|journée|journee|soirée|soiree)`,
		)},
		{Question, 0.75, compileAll(
			`\b(qui|quoi|quand|comment|pourquoi|combien)\b`,
			`où`,
			`\?\s*$`,
			`\b(peux-tu|pouvez-vous|est-ce que|qu'est-ce|quelle|quel)\b`,
		)},
	}

	c.verbRules = []vocabRule{
		{regexp.MustCompile(`(?i)\b(redémarre|redemarre)\b`), "redemarre"},
		{regexp.MustCompile(`(?i)\b(arrête|arrete|stop)\b`), "arrete"},
		{regexp.MustCompile(`(?i)\b(ferme|fermer)\b`), "ferme"},
		{regexp.MustCompile(`(?i)\b(ouvre|ouvrir)\b`), "ouvre"},
		{regexp.MustCompile(`(?i)\b(lance|démarre|demarre)\b`), "lance"},
		{regexp.MustCompile(`(?i)\bactive\b`), "active"},
		{regexp.MustCompile(`(?i)\b(désactive|desactive)\b`), "desactive"},
		{regexp.MustCompile(`(?i)\bconfigure\b`), "configure"},
		{regexp.MustCompile(`(?i)\b(coupe|eteins)\b|éteins`), "coupe"},
		{regexp.MustCompile(`(?i)\ballume\b`), "allume"},
		{regexp.MustCompile(`(?i)\bfais\b`), "fais"},
	}

	c.targetRules = []vocabRule{
		{regexp.MustCompile(`(?i)\b(enregistrement|enregistrer|record)\b`), "enregistrement"},
		{regexp.MustCompile(`(?i)\b(micro|microphone)\b`), "micro"},
		{regexp.MustCompile(`(?i)\b(assistant|qaia)\b`), "assistant"},
		{regexp.MustCompile(`(?i)\b(interface|ecran)\b|écran`), "interface"},
		{regexp.MustCompile(`(?i)\b(navigateur|chrome|firefox)\b`), "navigateur"},
		{regexp.MustCompile(`(?i)\b(lecture|tts|voix|synthèse|synthese)\b`), "lecture"},
		{regexp.MustCompile(`(?i)\b(application|app)\b`), "application"},
		{regexp.MustCompile(`(?i)\b(lumière|lumiere|lampe)\b`), "lumiere"},
		{regexp.MustCompile(`(?i)\b(paiement|payement|virement)\b`), "paiement"},
	}

	return c
}

// Classify tests the ordered rules against the utterance. An utterance
// matching the command rule but with no parseable verb/target pair falls
// back to Other, since the gate and executor key on canonical pairs only.
func (c *Classifier) Classify(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Category: Other, Confidence: 0}
	}

	for _, r := range c.rules {
		if !matchesAny(r.patterns, trimmed) {
			continue
		}
		if r.category != Command {
			return Result{Category: r.category, Confidence: r.confidence}
		}
		verb, target, ok := c.ParseCommand(trimmed)
		if !ok {
			continue
		}
		return Result{Category: Command, Confidence: r.confidence, Verb: verb, Target: target}
	}
	return Result{Category: Other, Confidence: 0.2}
}

// ParseCommand extracts the canonical action verb and target from a command
// utterance. Both must resolve through the fixed vocabularies.
func (c *Classifier) ParseCommand(text string) (verb, target string, ok bool) {
	for _, v := range c.verbRules {
		if v.re.MatchString(text) {
			verb = v.canonical
			break
		}
	}
	for _, t := range c.targetRules {
		if t.re.MatchString(text) {
			target = t.canonical
			break
		}
	}
	return verb, target, verb != "" && target != ""
}

// IsAffirmative reports whether the utterance accepts a pending
// confirmation prompt.
func IsAffirmative(text string) bool {
	switch strings.ToLower(strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), ".!"))) {
	case "oui", "ouais", "ok", "d'accord", "oui c'est bon", "confirme", "valide":
		return true
	}
	return false
}

// IsNegative reports whether the utterance declines a pending confirmation.
func IsNegative(text string) bool {
	switch strings.ToLower(strings.TrimSpace(strings.TrimRight(strings.TrimSpace(text), ".!"))) {
	case "non", "non merci", "annule", "annuler", "pas du tout":
		return true
	}
	return false
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

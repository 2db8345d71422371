// Package guard authorizes system commands. The gate is a pure function of
// two static allow-lists and the (verb, target) pair; confirmation tracking
// belongs to the session, not here.
package guard

import (
	log "log/slog"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Verdict is produced once per evaluation and never mutated afterwards.
type Verdict struct {
	Allowed              bool
	RequiresConfirmation bool
	Risk                 RiskLevel
	Reason               string
}

type pair struct {
	verb, target string
}

// Pairs runnable without confirmation: side effects limited to the
// assistant's own session.
var allowNoConfirm = map[pair]struct{}{
	{"arrete", "enregistrement"}: {},
	{"arrete", "micro"}:          {},
	{"arrete", "lecture"}:        {},
	{"lance", "lecture"}:         {},
	{"desactive", "micro"}:       {},
	{"active", "micro"}:          {},
}

// Pairs that touch the host and need an explicit user confirmation first.
var allowWithConfirm = map[pair]struct{}{
	{"ferme", "application"}:   {},
	{"lance", "navigateur"}:    {},
	{"ouvre", "navigateur"}:    {},
	{"ferme", "interface"}:     {},
	{"redemarre", "assistant"}: {},
}

// Gate evaluates (verb, target) pairs against the static tables and writes
// one audit record per evaluation, whatever the outcome.
type Gate struct {
	audit *AuditLog
}

func NewGate(audit *AuditLog) *Gate {
	return &Gate{audit: audit}
}

// Evaluate returns the verdict for a canonical (verb, target) pair.
// Repeated calls with the same pair return identical verdicts.
func (g *Gate) Evaluate(verb, target string) Verdict {
	v := g.decide(verb, target)
	if g.audit != nil {
		if err := g.audit.Append(verb, target, v); err != nil {
			log.Error("Failed to append audit record", "err", err)
		}
	}
	log.Info("Command verdict",
		"verb", verb,
		"target", target,
		"allowed", v.Allowed,
		"requires_confirmation", v.RequiresConfirmation,
		"risk", v.Risk,
	)
	return v
}

func (g *Gate) decide(verb, target string) Verdict {
	if verb == "" {
		return Verdict{Risk: RiskHigh, Reason: "Verbe de commande manquant."}
	}
	if target == "" {
		return Verdict{Risk: RiskMedium, Reason: "Cible de commande manquante."}
	}

	key := pair{verb, target}
	if _, ok := allowNoConfirm[key]; ok {
		return Verdict{
			Allowed: true,
			Risk:    RiskLow,
			Reason:  "Commande autorisée (liste blanche).",
		}
	}
	if _, ok := allowWithConfirm[key]; ok {
		return Verdict{
			Allowed:              true,
			RequiresConfirmation: true,
			Risk:                 RiskMedium,
			Reason:               "Commande autorisée après confirmation.",
		}
	}
	return Verdict{
		Risk:   RiskHigh,
		Reason: "Cette commande n'est pas autorisée.",
	}
}

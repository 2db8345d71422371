package guard

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T) (*Gate, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := OpenAuditLog(path)
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })
	return NewGate(audit), path
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func TestEvaluateWhitelists(t *testing.T) {
	g, _ := newTestGate(t)

	v := g.Evaluate("arrete", "enregistrement")
	assert.True(t, v.Allowed)
	assert.False(t, v.RequiresConfirmation)
	assert.Equal(t, RiskLow, v.Risk)

	v = g.Evaluate("ferme", "application")
	assert.True(t, v.Allowed)
	assert.True(t, v.RequiresConfirmation)
	assert.Equal(t, RiskMedium, v.Risk)

	v = g.Evaluate("fais", "paiement")
	assert.False(t, v.Allowed)
	assert.False(t, v.RequiresConfirmation)
	assert.Equal(t, RiskHigh, v.Risk)
	assert.NotEmpty(t, v.Reason)
}

func TestEvaluateMissingParts(t *testing.T) {
	g, _ := newTestGate(t)

	v := g.Evaluate("", "micro")
	assert.False(t, v.Allowed)
	assert.Equal(t, RiskHigh, v.Risk)

	v = g.Evaluate("arrete", "")
	assert.False(t, v.Allowed)
	assert.Equal(t, RiskMedium, v.Risk)
}

func TestEvaluateDeterministicAndAudited(t *testing.T) {
	g, path := newTestGate(t)

	first := g.Evaluate("ouvre", "navigateur")
	for i := 0; i < 4; i++ {
		assert.Equal(t, first, g.Evaluate("ouvre", "navigateur"))
	}

	recs := readRecords(t, path)
	require.Len(t, recs, 5)
	for _, rec := range recs {
		assert.Equal(t, "ouvre", rec.Verb)
		assert.Equal(t, "navigateur", rec.Target)
		assert.True(t, rec.Allowed)
		assert.True(t, rec.RequiresConfirmation)
		assert.Equal(t, RiskMedium, rec.Risk)
		assert.NotEmpty(t, rec.ID)
		assert.False(t, rec.Timestamp.IsZero())
	}
}

func TestGateWithoutAuditStillDecides(t *testing.T) {
	g := NewGate(nil)
	v := g.Evaluate("active", "micro")
	assert.True(t, v.Allowed)
}

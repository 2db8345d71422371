package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFarewell(t *testing.T) {
	c := NewClassifier()

	res := c.Classify("Au revoir")
	assert.Equal(t, Farewell, res.Category)
	assert.GreaterOrEqual(t, res.Confidence, 0.7)
	assert.Empty(t, res.Verb)
	assert.Empty(t, res.Target)
}

func TestClassifyGreeting(t *testing.T) {
	c := NewClassifier()

	for _, in := range []string{"Bonjour", "salut", "Coucou QAIA"} {
		res := c.Classify(in)
		assert.Equal(t, Greeting, res.Category, "input %q", in)
		assert.GreaterOrEqual(t, res.Confidence, 0.7)
	}
}

func TestClassifyConfirmation(t *testing.T) {
	c := NewClassifier()

	for _, in := range []string{"oui", "Oui.", "d'accord", "non", "annule"} {
		res := c.Classify(in)
		assert.Equal(t, Confirmation, res.Category, "input %q", in)
	}
}

func TestClassifyCommandExtraction(t *testing.T) {
	c := NewClassifier()

	res := c.Classify("arrête l'enregistrement")
	require.Equal(t, Command, res.Category)
	assert.Equal(t, "arrete", res.Verb)
	assert.Equal(t, "enregistrement", res.Target)

	res = c.Classify("ferme l'application")
	require.Equal(t, Command, res.Category)
	assert.Equal(t, "ferme", res.Verb)
	assert.Equal(t, "application", res.Target)

	res = c.Classify("fais un paiement")
	require.Equal(t, Command, res.Category)
	assert.Equal(t, "fais", res.Verb)
	assert.Equal(t, "paiement", res.Target)

	res = c.Classify("Ouvre le navigateur s'il te plaît")
	require.Equal(t, Command, res.Category)
	assert.Equal(t, "ouvre", res.Verb)
	assert.Equal(t, "navigateur", res.Target)
}

func TestClassifySynonymsNormalize(t *testing.T) {
	c := NewClassifier()

	res := c.Classify("coupe le microphone")
	require.Equal(t, Command, res.Category)
	assert.Equal(t, "coupe", res.Verb)
	assert.Equal(t, "micro", res.Target)

	res = c.Classify("stop l'enregistrement")
	require.Equal(t, Command, res.Category)
	assert.Equal(t, "arrete", res.Verb)
}

func TestUnparseableCommandFallsBackToOther(t *testing.T) {
	c := NewClassifier()

	// Command verb with no recognizable target.
	res := c.Classify("lance la fusée vers Mars")
	assert.Equal(t, Other, res.Category)
	assert.Empty(t, res.Verb)
	assert.Empty(t, res.Target)
}

func TestClassifyQuestion(t *testing.T) {
	c := NewClassifier()

	for _, in := range []string{
		"Quelle heure est-il",
		"comment vas-tu",
		"Est-ce que tu m'entends",
		"Tu fonctionnes bien ?",
	} {
		res := c.Classify(in)
		assert.Equal(t, Question, res.Category, "input %q", in)
	}
}

func TestClassifyEmptyAndUnknown(t *testing.T) {
	c := NewClassifier()

	res := c.Classify("   ")
	assert.Equal(t, Other, res.Category)
	assert.Equal(t, 0.0, res.Confidence)

	res = c.Classify("les chaussettes sont dans le tiroir")
	assert.Equal(t, Other, res.Category)
	assert.Less(t, res.Confidence, 0.7)
}

func TestVerbAndTargetOnlyOnCommand(t *testing.T) {
	c := NewClassifier()

	for _, in := range []string{"Bonjour", "Au revoir", "oui", "Quelle heure est-il ?"} {
		res := c.Classify(in)
		assert.Empty(t, res.Verb, "input %q", in)
		assert.Empty(t, res.Target, "input %q", in)
	}
}

func TestAffirmativeNegative(t *testing.T) {
	assert.True(t, IsAffirmative("oui"))
	assert.True(t, IsAffirmative("Oui."))
	assert.True(t, IsAffirmative("d'accord"))
	assert.False(t, IsAffirmative("peut-être"))

	assert.True(t, IsNegative("non"))
	assert.True(t, IsNegative("annule"))
	assert.False(t, IsNegative("oui"))
}

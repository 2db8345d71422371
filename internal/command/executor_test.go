package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRegisteredAction(t *testing.T) {
	e := NewExecutor(time.Second)
	called := false
	e.Register("arrete", "enregistrement", func(context.Context) (string, error) {
		called = true
		return "J'ai arrêté l'enregistrement.", nil
	})

	res := e.Execute(context.Background(), "arrete", "enregistrement")
	require.True(t, called)
	assert.True(t, res.Succeeded)
	assert.Equal(t, "J'ai arrêté l'enregistrement.", res.Message)
}

func TestExecuteUnregisteredPair(t *testing.T) {
	e := NewExecutor(time.Second)
	res := e.Execute(context.Background(), "lance", "navigateur")
	assert.False(t, res.Succeeded)
	assert.Equal(t, msgNotImplemented, res.Message)
}

func TestExecuteConvertsErrorToGenericMessage(t *testing.T) {
	e := NewExecutor(time.Second)
	e.Register("ferme", "application", func(context.Context) (string, error) {
		return "", errors.New("window manager exploded")
	})

	res := e.Execute(context.Background(), "ferme", "application")
	assert.False(t, res.Succeeded)
	assert.Equal(t, msgFailed, res.Message)
	assert.NotContains(t, res.Message, "exploded")
}

func TestExecuteRecoversPanic(t *testing.T) {
	e := NewExecutor(time.Second)
	e.Register("redemarre", "assistant", func(context.Context) (string, error) {
		panic("boom")
	})

	res := e.Execute(context.Background(), "redemarre", "assistant")
	assert.False(t, res.Succeeded)
	assert.Equal(t, msgFailed, res.Message)
}

func TestExecuteTimesOut(t *testing.T) {
	e := NewExecutor(50 * time.Millisecond)
	e.Register("ouvre", "navigateur", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return "trop tard", nil
	})

	start := time.Now()
	res := e.Execute(context.Background(), "ouvre", "navigateur")
	assert.False(t, res.Succeeded)
	assert.Equal(t, msgFailed, res.Message)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegisterMessage(t *testing.T) {
	e := NewExecutor(time.Second)
	e.RegisterMessage("active", "micro", "Micro activé.")

	res := e.Execute(context.Background(), "active", "micro")
	assert.True(t, res.Succeeded)
	assert.Equal(t, "Micro activé.", res.Message)
}

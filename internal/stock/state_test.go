package stock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockprobe/pkg/model"
)

func TestTransition(t *testing.T) {
	valid := []struct {
		from model.StockState
		ev   Event
		to   model.StockState
	}{
		{model.StateNew, EventSessionFresh, model.StateCartAction},
		{model.StateNew, EventBootstrap, model.StateBootstrapping},
		{model.StateBootstrapping, EventBootstrapped, model.StateCartAction},
		{model.StateCartAction, EventCartDone, model.StateResolved},
		{model.StateNew, EventFailed, model.StateResolved},
		{model.StateBootstrapping, EventFailed, model.StateResolved},
		{model.StateCartAction, EventFailed, model.StateResolved},
	}
	for _, c := range valid {
		got, err := Transition(c.from, c.ev)
		require.NoError(t, err, "%s on %s", c.from, c.ev)
		assert.Equal(t, c.to, got)
	}

	invalid := []struct {
		from model.StockState
		ev   Event
	}{
		{model.StateNew, EventCartDone},
		{model.StateNew, EventBootstrapped},
		{model.StateBootstrapping, EventSessionFresh},
		{model.StateCartAction, EventBootstrap},
		{model.StateResolved, EventFailed},
		{model.StateResolved, EventCartDone},
	}
	for _, c := range invalid {
		got, err := Transition(c.from, c.ev)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, c.from, got)
	}
}

func TestMachineWalksSteps(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Begin([]model.BootstrapStep{model.StepGeo, model.StepSetAddress, model.StepConfirmAddress}))
	assert.Equal(t, model.StateBootstrapping, m.State())

	var seen []model.BootstrapStep
	for {
		step, ok := m.Next()
		if !ok {
			break
		}
		assert.Equal(t, step, m.Step())
		seen = append(seen, step)
	}
	assert.Equal(t, []model.BootstrapStep{model.StepGeo, model.StepSetAddress, model.StepConfirmAddress}, seen)
	assert.Equal(t, model.StateCartAction, m.State())
	assert.Equal(t, model.StepNone, m.Step())

	require.NoError(t, m.Fire(EventCartDone))
	assert.Equal(t, model.StateResolved, m.State())
	require.ErrorIs(t, m.Fire(EventFailed), ErrInvalidTransition)
}

func TestMachineFreshSkipsBootstrap(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Begin(nil))
	assert.Equal(t, model.StateCartAction, m.State())
	_, ok := m.Next()
	assert.False(t, ok)
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGraphIsolatesEventDefinitions(t *testing.T) {
	wait := &TaskSpec{ID: "wait", Kind: KindCatchEvent, Outputs: []string{"end"}, Event: &EventDefinition{
		Type:        EventMultiple,
		Correlation: []CorrelationProperty{{Key: "order_id", Retrieval: "order_id"}},
		Definitions: []EventDefinition{
			{Type: EventMessage, Name: "paid", Correlation: []CorrelationProperty{{Key: "invoice", Retrieval: "invoice"}}},
			{Type: EventTimer, Timer: &TimerDefinition{Type: TimerDuration, Expression: "PT1H"}},
		},
	}}
	g, err := NewGraph("orders", "", []*TaskSpec{
		{ID: "start", Kind: KindStart, Outputs: []string{"wait"}},
		wait,
		{ID: "end", Kind: KindEnd},
	})
	require.NoError(t, err)
	hash := g.Hash()

	wait.Event.Correlation[0].Key = "changed"
	wait.Event.Definitions[0].Name = "refunded"
	wait.Event.Definitions[0].Correlation[0].Retrieval = "changed"
	wait.Event.Definitions[1].Timer.Expression = "PT5M"

	spec, err := g.GetSpec("wait")
	require.NoError(t, err)
	assert.Equal(t, "order_id", spec.Event.Correlation[0].Key)
	assert.Equal(t, "paid", spec.Event.Definitions[0].Name)
	assert.Equal(t, "invoice", spec.Event.Definitions[0].Correlation[0].Retrieval)
	assert.Equal(t, "PT1H", spec.Event.Definitions[1].Timer.Expression)
	assert.Equal(t, hash, g.Hash())
}

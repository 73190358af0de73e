package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

func TestDecideOnError_NoPolicyFailsRun(t *testing.T) {
	appender := &recordingAppender{}
	d := DecideOnError(context.Background(), appender, "exec-1", "step-a", nil, errors.New("boom"))
	assert.True(t, d.FailRun)
	assert.Empty(t, d.FallbackStep)
	assert.Empty(t, appender.types(), "no policy means no policy event")
}

func TestDecideOnError_FailStrategy(t *testing.T) {
	appender := &recordingAppender{}
	d := DecideOnError(context.Background(), appender, "exec-1", "step-a",
		&schema.ErrorPolicy{Strategy: schema.ErrorStrategyFail}, errors.New("boom"))
	assert.True(t, d.FailRun)
	assert.Empty(t, appender.types())
}

func TestDecideOnError_ContinueIgnoresFailure(t *testing.T) {
	appender := &recordingAppender{}
	d := DecideOnError(context.Background(), appender, "exec-1", "step-a",
		&schema.ErrorPolicy{Strategy: schema.ErrorStrategyContinue}, errors.New("boom"))
	assert.False(t, d.FailRun)
	assert.Empty(t, d.FallbackStep)

	require.Equal(t, []string{schema.EventStepIgnored}, appender.types())
	ev := appender.last()
	assert.Equal(t, "step-a", ev.StepID)
	assert.Equal(t, "continue", ev.Payload["strategy"])
	assert.Equal(t, "boom", ev.Payload["error"])
}

func TestDecideOnError_FallbackNamesReserve(t *testing.T) {
	appender := &recordingAppender{}
	d := DecideOnError(context.Background(), appender, "exec-1", "step-a",
		&schema.ErrorPolicy{Strategy: schema.ErrorStrategyFallback, FallbackStep: "reserve"},
		errors.New("boom"))
	assert.False(t, d.FailRun)
	assert.Equal(t, "reserve", d.FallbackStep)

	require.Equal(t, []string{schema.EventStepFallback}, appender.types())
	ev := appender.last()
	assert.Equal(t, "reserve", ev.Payload["fallback_step"])
	assert.Equal(t, "boom", ev.Payload["error"])
}

func TestDecideOnError_FallbackWithoutTargetFailsRun(t *testing.T) {
	appender := &recordingAppender{}
	d := DecideOnError(context.Background(), appender, "exec-1", "step-a",
		&schema.ErrorPolicy{Strategy: schema.ErrorStrategyFallback}, errors.New("boom"))
	assert.True(t, d.FailRun)
	assert.Empty(t, appender.types())
}

func TestDecideOnError_UnknownStrategyFailsRun(t *testing.T) {
	appender := &recordingAppender{}
	d := DecideOnError(context.Background(), appender, "exec-1", "step-a",
		&schema.ErrorPolicy{Strategy: "shrug"}, errors.New("boom"))
	assert.True(t, d.FailRun)
}

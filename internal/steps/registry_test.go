package steps

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/schema"
)

// stubExecutor is a minimal Executor for registry tests.
type stubExecutor struct {
	stepType string
	desc     string
}

func (s *stubExecutor) Type() string { return s.stepType }
func (s *stubExecutor) Describe() Descriptor {
	return Descriptor{Type: s.stepType, Description: s.desc}
}
func (s *stubExecutor) Execute(_ context.Context, req Request) (*schema.StepResult, error) {
	return schema.CompletedResult(req.Step.ID, map[string]any{"ok": true}), nil
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubExecutor{stepType: "noop", desc: "does nothing"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("noop"))
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubExecutor{stepType: "dup"}))

	err := reg.Register(&stubExecutor{stepType: "dup"})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeConflict, flowErr.Code)
}

func TestRegistry_Register_Nil(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(nil)
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestRegistry_Register_EmptyType(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(&stubExecutor{stepType: ""})
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeValidation, flowErr.Code)
}

func TestRegistry_Get_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubExecutor{stepType: "fetch"}))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Type())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("missing")
	require.Error(t, err)

	var flowErr *schema.FlowError
	require.True(t, errors.As(err, &flowErr))
	assert.Equal(t, schema.ErrCodeUnknownStepType, flowErr.Code)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubExecutor{stepType: "z_step", desc: "last"}))
	require.NoError(t, reg.Register(&stubExecutor{stepType: "a_step", desc: "first"}))
	require.NoError(t, reg.Register(&stubExecutor{stepType: "m_step", desc: "middle"}))

	descs := reg.List()
	require.Len(t, descs, 3)
	assert.Equal(t, "a_step", descs[0].Type)
	assert.Equal(t, "first", descs[0].Description)
	assert.Equal(t, "m_step", descs[1].Type)
	assert.Equal(t, "z_step", descs[2].Type)
}

func TestRegistry_List_Empty(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.List())
}

func TestRegistry_Concurrent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubExecutor{stepType: "shared"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Get("shared")
			assert.NoError(t, err)
			assert.True(t, reg.Has("shared"))
			_ = reg.List()
		}()
	}
	wg.Wait()
}

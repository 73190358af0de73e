package steps

import "github.com/stepflow-io/stepflow/internal/validation"

// RegisterBuiltins registers all built-in step executors in the given
// registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator, httpCfg HTTPConfig, fileCfg FileConfig) error {
	all := make([]Executor, 0, 16)

	// Trigger, echo, data_input, delay.
	all = append(all, BasicExecutors()...)

	// Expression-backed processing.
	all = append(all, NewDataProcessingExecutor())

	// Fan-in and interactive steps.
	all = append(all,
		NewMergeExecutor(),
		NewApprovalExecutor(),
	)

	// External I/O.
	all = append(all,
		NewHTTPRequestExecutor(httpCfg),
		NewFileReadExecutor(fileCfg),
	)

	// Assertions.
	all = append(all, NewAssertExecutor(validator))

	for _, ex := range all {
		if err := reg.Register(ex); err != nil {
			return err
		}
	}
	return nil
}

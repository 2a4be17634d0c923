package harness

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaDef  cue.Value
	schemaErr  error
)

// scenarioSchema compiles the embedded schema once and returns the
// #Scenario definition along with the context it belongs to. Values from
// different contexts cannot be unified, so scenario files are compiled in
// the same context.
func scenarioSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		v := schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = fmt.Errorf("compile scenario schema: %w", err)
			return
		}
		schemaDef = v.LookupPath(cue.ParsePath("#Scenario"))
		if !schemaDef.Exists() {
			schemaErr = fmt.Errorf("scenario schema has no #Scenario definition")
		}
	})
	return schemaCtx, schemaDef, schemaErr
}

// cueMu serializes use of the shared cue.Context, which is not safe for
// concurrent use.
var cueMu sync.Mutex

func parseCUE(path string, data []byte) (*Scenario, error) {
	cueMu.Lock()
	defer cueMu.Unlock()

	ctx, def, err := scenarioSchema()
	if err != nil {
		return nil, err
	}

	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, cueError(err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueError(err)
	}

	var s Scenario
	if err := unified.Decode(&s); err != nil {
		return nil, cueError(err)
	}
	return &s, nil
}

// cueError flattens CUE's error list into one error that keeps file
// positions.
func cueError(err error) error {
	return errors.New(strings.TrimSpace(cueerrors.Details(err, nil)))
}

package policy

import (
	_ "embed"
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

// loadSchema compiles the embedded schema once per process.
func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		compiled := schemaCtx.CompileString(schemaSource, cue.Filename("policy.cue"))
		if err := compiled.Err(); err != nil {
			schemaErr = err
			return
		}
		schemaDef = compiled.LookupPath(cue.ParsePath("#Policy"))
		schemaErr = schemaDef.Err()
	})
	return schemaCtx, schemaDef, schemaErr
}

// validateSchema unifies the generic decoded document with the #Policy
// definition. The schema is closed, so it also catches stray fields in
// nested objects.
func validateSchema(raw any) error {
	ctx, def, err := loadSchema()
	if err != nil {
		return malformed("", "policy schema unavailable: %v", err)
	}

	// cue.Context is not safe for concurrent use.
	schemaMu.Lock()
	defer schemaMu.Unlock()

	value := def.Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(err)
	}
	return nil
}

var schemaMu sync.Mutex

// formatCUEError reports the first schema violation with its path.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return malformed("", "%v", err)
	}
	first := errs[0]
	format, args := first.Msg()
	return &Error{
		Field:   strings.Join(first.Path(), "."),
		Message: fmt.Sprintf(format, args...),
	}
}

package cel

import (
	"encoding/json"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// NewGuardEnvironment creates the CEL environment argument guards compile
// against. Guards see exactly two variables:
//   - tool: the catalog tool name (string)
//   - args: the call arguments (map<string, dyn>)
//
// plus the strings and sets extension libraries and a glob(pattern, value)
// function for shell-style matching.
func NewGuardEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		// JSON-decoded arguments surface numbers as doubles; guards like
		// `args.limit <= 100` need cross-type comparison to stay writable.
		cel.CrossTypeNumericComparisons(true),

		cel.Variable("tool", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),

		// glob: shell-style pattern matching, e.g. glob("repo_*", tool).
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p, ok := pattern.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					v, ok := value.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// buildGuardActivation creates the variable bindings for one evaluation.
// Args are never nil so `args.foo` lookups fail cleanly instead of erroring
// on a null map.
func buildGuardActivation(toolName string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"tool": toolName,
		"args": args,
	}
}

// guardCacheKey hashes the guard set, tool name, and arguments into a result
// cache key. Including the expressions means a changed guard set naturally
// misses instead of serving a stale verdict. Arguments are serialized as
// JSON, which sorts map keys, so equal argument maps hash equally.
func guardCacheKey(exprs []string, toolName string, args map[string]any) uint64 {
	h := xxhash.New()

	sorted := make([]string, len(exprs))
	copy(sorted, exprs)
	sort.Strings(sorted)
	for _, expr := range sorted {
		_, _ = h.WriteString(expr)
		_, _ = h.Write([]byte{0})
	}

	_, _ = h.WriteString(toolName)
	_, _ = h.Write([]byte{0})

	if len(args) > 0 {
		argsJSON, _ := json.Marshal(args)
		_, _ = h.Write(argsJSON)
	}
	return h.Sum64()
}

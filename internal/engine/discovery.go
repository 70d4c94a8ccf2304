package engine

import (
	"context"
	"maps"
	"regexp"

	log "github.com/sirupsen/logrus"

	"github.com/solatis/scankeeper/internal/rules"
	"github.com/solatis/scankeeper/internal/types"
)

/*
 * Discovery Runner.
 *
 * Runs a RuleSet's discovery definitions in declaration order. Each
 * definition moves through PENDING -> CALLING -> EXTRACTING -> EMITTING ->
 * DONE; there are no retries at this level.
 *
 * Independent definitions run their calls once. Dependent definitions
 * (for_each) run their calls once per Item already emitted by the named
 * discovery, in that discovery's order, with {item: parent} (plus the
 * optional alias) in the context.
 *
 * save_as is template-resolved per item. "name[key]" stores into a nested
 * map so per-resource responses accumulate, e.g. user_details[alice]. Saved
 * values are scoped to their definition.
 *
 * Call failures: on_error continue skips the current parent (or the whole
 * independent definition); raise aborts the RuleSet's discovery pass with a
 * DiscoveryUnavailableError.
 */

type discoveryState string

const (
	statePending    discoveryState = "PENDING"
	stateCalling    discoveryState = "CALLING"
	stateExtracting discoveryState = "EXTRACTING"
	stateEmitting   discoveryState = "EMITTING"
	stateDone       discoveryState = "DONE"
)

var indexedName = regexp.MustCompile(`^([^\[\]]+)\[(.+)\]$`)

// DiscoveryRunner executes discovery definitions through an Executor.
type DiscoveryRunner struct {
	exec *Executor
	log  *log.Entry
}

// NewDiscoveryRunner creates a runner bound to one Target's executor.
func NewDiscoveryRunner(exec *Executor, entry *log.Entry) *DiscoveryRunner {
	if entry == nil {
		entry = logger
	}
	return &DiscoveryRunner{exec: exec, log: entry}
}

// Run executes every discovery of rs and returns the emitted Items. The error
// is non-nil only for a raise failure, as *types.DiscoveryUnavailableError;
// the partial result is returned alongside it.
func (r *DiscoveryRunner) Run(ctx context.Context, rs *types.RuleSet) (types.DiscoveryResult, error) {
	result := make(types.DiscoveryResult, len(rs.Discovery))
	for i := range rs.Discovery {
		def := &rs.Discovery[i]
		items, err := r.runDefinition(ctx, rs, i, def, result)
		if err != nil {
			return result, &types.DiscoveryUnavailableError{Service: rs.Service, DiscoveryID: def.ID, Err: err}
		}
		result[def.ID] = append(result[def.ID], items...)
	}
	return result, nil
}

// frame is the context snapshot for one parent (or the single independent
// pass) after its calls completed.
type frame struct {
	ctx map[string]any
}

func (r *DiscoveryRunner) runDefinition(ctx context.Context, rs *types.RuleSet, pos int, def *types.DiscoveryDef, result types.DiscoveryResult) ([]types.Item, error) {
	entry := r.log.WithFields(log.Fields{"discovery_id": def.ID})
	entry.WithFields(log.Fields{"state": statePending}).Debug("discovery state")

	saved := map[string]any{}
	var frames []frame

	if def.ForEach == "" {
		entry.WithFields(log.Fields{"state": stateCalling}).Debug("discovery state")
		local := map[string]any{}
		ok, err := r.runCalls(ctx, def, local, saved, entry)
		if err != nil {
			return nil, err
		}
		if ok {
			frames = append(frames, frame{ctx: local})
		}
	} else {
		parents := r.parents(rs, pos, def, result, entry)
		entry.WithFields(log.Fields{"state": stateCalling, "parents": len(parents)}).Debug("discovery state")
		for _, parent := range parents {
			local := map[string]any{types.ItemVar: parent}
			if def.As != "" {
				local[def.As] = parent
			}
			ok, err := r.runCalls(ctx, def, local, saved, entry)
			if err != nil {
				return nil, err
			}
			if ok {
				frames = append(frames, frame{ctx: local})
			}
		}
	}

	entry.WithFields(log.Fields{"state": stateEmitting, "frames": len(frames)}).Debug("discovery state")
	var items []types.Item
	if def.Emit != nil {
		for _, f := range frames {
			emitCtx := maps.Clone(saved)
			maps.Copy(emitCtx, f.ctx)
			items = append(items, emitItems(def.Emit, emitCtx)...)
		}
	}

	entry.WithFields(log.Fields{"state": stateDone, "items": len(items)}).Debug("discovery state")
	return items, nil
}

// parents returns the Items a dependent definition iterates. A for_each that
// names an unknown or later discovery yields nothing.
func (r *DiscoveryRunner) parents(rs *types.RuleSet, pos int, def *types.DiscoveryDef, result types.DiscoveryResult, entry *log.Entry) []types.Item {
	idx := rs.DiscoveryIndex(def.ForEach)
	if idx < 0 || idx >= pos {
		entry.WithFields(log.Fields{"for_each": def.ForEach}).Warn("for_each does not name an earlier discovery, no resources to iterate")
		return nil
	}
	return result.Items(def.ForEach)
}

// runCalls executes def's calls against local (the per-parent context) and
// saved (the definition-wide save_as map). ok is false when a continue
// failure skipped this parent.
func (r *DiscoveryRunner) runCalls(ctx context.Context, def *types.DiscoveryDef, local, saved map[string]any, entry *log.Entry) (bool, error) {
	for i := range def.Calls {
		call := &def.Calls[i]

		callCtx := maps.Clone(saved)
		maps.Copy(callCtx, local)
		params := rules.ResolveParams(call.Params, callCtx)

		out := r.exec.Execute(ctx, call.Action, params)
		if !out.OK() {
			if call.OnError == types.OnErrorRaise {
				entry.WithFields(log.Fields{"action": call.Action}).WithError(out.Err).Error("discovery call failed, rule set unavailable")
				return false, out.Err
			}
			entry.WithFields(log.Fields{"action": call.Action, "attempts": out.Attempts}).WithError(out.Err).Warn("discovery call failed, skipping")
			return false, nil
		}

		entry.WithFields(log.Fields{"state": stateExtracting, "action": call.Action, "cached": out.Cached}).Debug("discovery state")
		value := project(out.Response, call.Fields)
		local[types.ResponseVar] = out.Response

		if call.SaveAs == "" {
			if proj, ok := value.(map[string]any); ok && len(call.Fields) > 0 {
				maps.Copy(local, proj)
			}
			continue
		}
		name := rules.Stringify(rules.Resolve(call.SaveAs, callCtx))
		root := storeSaved(saved, name, value)
		local[root] = saved[root]
	}
	return true, nil
}

// project applies discovery FieldSpecs to a response. Without fields the
// response is kept whole.
func project(response any, fields []types.FieldSpec) any {
	if len(fields) == 0 {
		return response
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v := rules.Extract(response, f.Path)
		if f.Map != nil {
			if mapped, ok := f.Map[rules.Stringify(v)]; ok {
				v = mapped
			}
		}
		out[f.Name] = v
	}
	return out
}

// storeSaved stores value under name, or under name[key] in a nested map,
// and returns the top-level key it wrote.
func storeSaved(dst map[string]any, name string, value any) string {
	m := indexedName.FindStringSubmatch(name)
	if m == nil {
		dst[name] = value
		return name
	}
	nested, ok := dst[m[1]].(map[string]any)
	if !ok {
		nested = map[string]any{}
		dst[m[1]] = nested
	}
	nested[m[2]] = value
	return m[1]
}

// emitItems builds Items from an EmitSpec. Every Item carries exactly the
// keys of spec.Item.
func emitItems(spec *types.EmitSpec, ctx map[string]any) []types.Item {
	if spec.ItemsFor == "" {
		return []types.Item{buildItem(spec.Item, ctx)}
	}

	source := rules.ResolveValue(spec.ItemsFor, ctx)
	var elems []any
	switch v := source.(type) {
	case nil:
	case string:
		if v != "" {
			elems = []any{v}
		}
	case []any:
		elems = v
	default:
		if list, ok := rules.Extract(v, types.SelfPath).([]any); ok {
			elems = list
		} else {
			elems = []any{v}
		}
	}

	as := spec.As
	if as == "" {
		as = types.ItemVar
	}
	items := make([]types.Item, 0, len(elems))
	for _, elem := range elems {
		elemCtx := maps.Clone(ctx)
		elemCtx[as] = elem
		items = append(items, buildItem(spec.Item, elemCtx))
	}
	return items
}

func buildItem(fields map[string]any, ctx map[string]any) types.Item {
	item := make(types.Item, len(fields))
	for name, tmpl := range fields {
		item[name] = rules.ResolveValue(tmpl, ctx)
	}
	return item
}

package thunk

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/vito/thunk/pkg/store"
)

// DefaultMaxCallDepth bounds nested function calls when Options leaves it
// unset.
const DefaultMaxCallDepth = 10000

// Store is the content-addressed artifact store the evaluator copies
// sources into and realizes contexts through.
type Store interface {
	StoreDir() string
	AddToStore(ctx context.Context, name, srcPath string, filter store.Filter) (string, error)
	AddTextToStore(ctx context.Context, name, text string, refs []string) (string, error)
	Realize(ctx context.Context, paths []string) error
}

// Options configure an evaluation session.
type Options struct {
	Mode Mode

	// Store receives sources coerced into the store. Evaluations that never
	// copy anything may leave it nil.
	Store Store

	// SearchPath entries in "prefix=path" or "path" form, in lookup order.
	SearchPath []string

	// Builtins are registered after the default catalog and replace any
	// default with the same name.
	Builtins []BuiltinDef

	// Recording is the table replayed in Playback and RecordAndPlayback
	// modes.
	Recording *RecordingArtifact

	// Restricted forbids access to sources outside the search path.
	Restricted bool

	MaxCallDepth int

	// CountCalls enables per-builtin and per-function call counters.
	CountCalls bool

	// System is the value of currentSystem. Defaults to the host.
	System string
}

// EvalState owns all mutable state of one evaluation session: the heap,
// the base frame, the caches and the recording table. It must only be used
// from one goroutine at a time.
type EvalState struct {
	mode       Mode
	store      Store
	restricted bool
	system     string

	heap  *Heap
	stats Stats

	baseEnv       *Env
	staticBaseEnv *StaticEnv
	builtins      *Value
	primOps       map[string]*PrimOp

	searchPath SearchPath

	srcToStore            map[string]string
	srcToStoreForPlayback map[string]string

	fileEvalCache  map[string]*Value
	fileParseCache map[string]Expr

	recording *Recording

	callDepth    int
	maxCallDepth int
	countCalls   bool
}

func NewEvalState(ctx context.Context, opts Options) (*EvalState, error) {
	st := &EvalState{
		mode:                  opts.Mode,
		store:                 opts.Store,
		restricted:            opts.Restricted,
		system:                opts.System,
		primOps:               map[string]*PrimOp{},
		srcToStore:            map[string]string{},
		srcToStoreForPlayback: map[string]string{},
		fileEvalCache:         map[string]*Value{},
		fileParseCache:        map[string]Expr{},
		recording:             NewRecording(),
		maxCallDepth:          opts.MaxCallDepth,
		countCalls:            opts.CountCalls,
	}
	st.heap = newHeap(&st.stats)

	if st.maxCallDepth <= 0 {
		st.maxCallDepth = DefaultMaxCallDepth
	}
	if st.system == "" {
		st.system = runtime.GOARCH + "-" + runtime.GOOS
	}
	if st.countCalls {
		st.stats.PrimOpCalls = map[string]uint64{}
		st.stats.FunctionCalls = map[string]uint64{}
	}

	for _, entry := range opts.SearchPath {
		if err := st.AddToSearchPath(entry); err != nil {
			return nil, err
		}
	}

	slog.Debug("creating evaluator", "mode", st.mode, "searchPath", len(st.searchPath))

	if err := st.createBaseEnv(opts.Builtins); err != nil {
		return nil, err
	}

	if opts.Recording != nil {
		if !st.mode.playsBack() {
			return nil, fmt.Errorf("a recording can only be replayed in playback modes, not %s", st.mode)
		}
		if err := st.LoadRecording(opts.Recording); err != nil {
			return nil, err
		}
	}

	return st, nil
}

func (st *EvalState) Mode() Mode { return st.mode }

// BaseEnv is the frame holding builtins and constants.
func (st *EvalState) BaseEnv() *Env { return st.baseEnv }

func (st *EvalState) StaticBaseEnv() *StaticEnv { return st.staticBaseEnv }

// Eval evaluates a bound expression in the base frame to weak head normal
// form.
func (st *EvalState) Eval(ctx context.Context, e Expr) (*Value, error) {
	v := st.allocValue()
	if err := e.Eval(ctx, st, st.baseEnv, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ForceValue reduces v to weak head normal form, overwriting it in place.
// A thunk is blackholed while its expression is evaluated; reaching it
// again before it is overwritten is an infinite recursion. A thunk whose
// evaluation failed stays blackholed and yields the same error every time
// it is forced.
func (st *EvalState) ForceValue(ctx context.Context, v *Value, pos *SourceLocation) error {
	switch v.kind {
	case KindThunk:
		env, expr := v.env, v.expr
		*v = Value{kind: KindBlackhole}
		if err := expr.Eval(ctx, st, env, v); err != nil {
			*v = Value{kind: KindBlackhole, err: err}
			return err
		}
	case KindApp:
		fun, arg := v.left, v.right
		*v = Value{kind: KindBlackhole}
		if err := st.CallFunction(ctx, fun, []*Value{arg}, v, pos); err != nil {
			*v = Value{kind: KindBlackhole, err: err}
			return err
		}
	case KindBlackhole:
		if v.err != nil {
			return v.err
		}
		return newError(ErrInfiniteRecursion, pos, "infinite recursion encountered")
	case KindUninit:
		return newError(ErrType, pos, "forcing an uninitialized value")
	}
	return nil
}

// ForceValueDeep forces v and, recursively, every list element and
// attribute reachable from it. Shared and cyclic structure is visited once.
func (st *EvalState) ForceValueDeep(ctx context.Context, v *Value) error {
	seen := map[*Value]struct{}{}
	var recurse func(v *Value, pos *SourceLocation) error
	recurse = func(v *Value, pos *SourceLocation) error {
		if _, ok := seen[v]; ok {
			return nil
		}
		seen[v] = struct{}{}

		if err := st.ForceValue(ctx, v, pos); err != nil {
			return err
		}

		switch v.kind {
		case KindAttrs:
			for _, a := range v.attrs.All() {
				if err := recurse(a.Value, a.Pos); err != nil {
					return err
				}
			}
		case KindList:
			for _, elem := range v.list {
				if err := recurse(elem, pos); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return recurse(v, nil)
}

func (st *EvalState) ForceInt(ctx context.Context, v *Value, pos *SourceLocation) (int64, error) {
	if err := st.ForceValue(ctx, v, pos); err != nil {
		return 0, err
	}
	if v.kind != KindInt {
		return 0, typeError(pos, "value is %s while an integer was expected", ShowType(v))
	}
	return v.i, nil
}

// ForceFloat accepts integers as well.
func (st *EvalState) ForceFloat(ctx context.Context, v *Value, pos *SourceLocation) (float64, error) {
	if err := st.ForceValue(ctx, v, pos); err != nil {
		return 0, err
	}
	switch v.kind {
	case KindInt:
		return float64(v.i), nil
	case KindFloat:
		return v.f, nil
	}
	return 0, typeError(pos, "value is %s while a float was expected", ShowType(v))
}

func (st *EvalState) ForceBool(ctx context.Context, v *Value, pos *SourceLocation) (bool, error) {
	if err := st.ForceValue(ctx, v, pos); err != nil {
		return false, err
	}
	if v.kind != KindBool {
		return false, typeError(pos, "value is %s while a Boolean was expected", ShowType(v))
	}
	return v.b, nil
}

func (st *EvalState) ForceAttrs(ctx context.Context, v *Value, pos *SourceLocation) error {
	if err := st.ForceValue(ctx, v, pos); err != nil {
		return err
	}
	if v.kind != KindAttrs {
		return typeError(pos, "value is %s while a set was expected", ShowType(v))
	}
	return nil
}

func (st *EvalState) ForceList(ctx context.Context, v *Value, pos *SourceLocation) error {
	if err := st.ForceValue(ctx, v, pos); err != nil {
		return err
	}
	if v.kind != KindList {
		return typeError(pos, "value is %s while a list was expected", ShowType(v))
	}
	return nil
}

func (st *EvalState) ForceFunction(ctx context.Context, v *Value, pos *SourceLocation) error {
	if err := st.ForceValue(ctx, v, pos); err != nil {
		return err
	}
	switch v.kind {
	case KindLambda, KindPrimOp, KindPrimOpApp:
		return nil
	}
	if st.IsFunctor(ctx, v) {
		return nil
	}
	return typeError(pos, "value is %s while a function was expected", ShowType(v))
}

// ForceString returns the text of a string value, merging its context into
// pathCtx when pathCtx is non-nil.
func (st *EvalState) ForceString(ctx context.Context, v *Value, pathCtx PathSet, pos *SourceLocation) (string, error) {
	if err := st.ForceValue(ctx, v, pos); err != nil {
		return "", err
	}
	if v.kind != KindString {
		return "", typeError(pos, "value is %s while a string was expected", ShowType(v))
	}
	if pathCtx != nil {
		pathCtx.Merge(v.ctx)
	}
	return v.s, nil
}

// ForceStringNoContext rejects strings that refer to store paths.
func (st *EvalState) ForceStringNoContext(ctx context.Context, v *Value, pos *SourceLocation) (string, error) {
	s, err := st.ForceString(ctx, v, nil, pos)
	if err != nil {
		return "", err
	}
	if len(v.ctx) > 0 {
		return "", typeError(pos, "the string '%s' is not allowed to refer to a store path (such as '%s')", s, v.ctx.Sorted()[0])
	}
	return s, nil
}

// EvalBool evaluates e and requires a Boolean.
func (st *EvalState) EvalBool(ctx context.Context, env *Env, e Expr) (bool, error) {
	v, err := st.evalTo(ctx, env, e)
	if err != nil {
		return false, err
	}
	return st.ForceBool(ctx, v, e.GetSourceLocation())
}

// IsFunctor reports whether v is a set callable through __functor.
func (st *EvalState) IsFunctor(ctx context.Context, v *Value) bool {
	if v.kind != KindAttrs {
		return false
	}
	_, ok := v.attrs.Get("__functor")
	return ok
}

// IsDerivation reports whether v is a set marked with type = "derivation".
func (st *EvalState) IsDerivation(ctx context.Context, v *Value) (bool, error) {
	if v.kind != KindAttrs {
		return false, nil
	}
	a, ok := v.attrs.Get("type")
	if !ok {
		return false, nil
	}
	if err := st.ForceValue(ctx, a.Value, a.Pos); err != nil {
		return false, err
	}
	return a.Value.kind == KindString && a.Value.s == "derivation", nil
}

// GetBuiltin returns the value bound to name in the builtins set.
func (st *EvalState) GetBuiltin(name string) (*Value, error) {
	a, ok := st.builtins.attrs.Get(name)
	if !ok {
		return nil, newError(ErrUndefinedVar, nil, "builtin '%s' not found", name)
	}
	return a.Value, nil
}

// CallFunction applies fun to args and writes the result into v. Supplying
// fewer arguments than a builtin takes yields a partial application.
func (st *EvalState) CallFunction(ctx context.Context, fun *Value, args []*Value, v *Value, pos *SourceLocation) error {
	st.callDepth++
	defer func() { st.callDepth-- }()
	if st.callDepth > st.maxCallDepth {
		return newError(ErrStackOverflow, pos, "stack overflow (possible infinite recursion)")
	}

	if err := st.ForceValue(ctx, fun, pos); err != nil {
		return err
	}
	cur := *fun

	for len(args) > 0 {
		var next Value

		switch cur.kind {
		case KindLambda:
			if err := st.callLambda(ctx, &cur, args[0], &next, pos); err != nil {
				return err
			}
			args = args[1:]

		case KindPrimOp:
			op := cur.primOp
			if len(args) < op.Arity {
				*v = st.partialPrimOpApp(&cur, args)
				return nil
			}
			if err := st.callPrimOp(ctx, op, args[:op.Arity], &next, pos); err != nil {
				return err
			}
			args = args[op.Arity:]

		case KindPrimOpApp:
			op, done := primOpAppArgs(&cur)
			missing := op.Arity - len(done)
			if len(args) < missing {
				*v = st.partialPrimOpApp(&cur, args)
				return nil
			}
			full := append(done, args[:missing]...)
			if err := st.callPrimOp(ctx, op, full, &next, pos); err != nil {
				return err
			}
			args = args[missing:]

		case KindAttrs:
			functor, ok := cur.attrs.Get("__functor")
			if !ok {
				return typeError(pos, "attempt to call something which is not a function but %s", ShowType(&cur))
			}
			self := st.allocValue()
			*self = cur
			if err := st.CallFunction(ctx, functor.Value, []*Value{self, args[0]}, &next, pos); err != nil {
				return err
			}
			args = args[1:]

		default:
			return typeError(pos, "attempt to call something which is not a function but %s", ShowType(&cur))
		}

		cur = next
	}

	*v = cur
	return nil
}

func (st *EvalState) callLambda(ctx context.Context, fun *Value, arg *Value, v *Value, pos *SourceLocation) error {
	lambda := fun.lambda

	env2 := st.AllocEnv(lambda.Size)
	env2.Up = fun.env

	displ := 0
	if lambda.Formals == nil {
		env2.Values[displ] = arg
	} else {
		if err := st.ForceAttrs(ctx, arg, pos); err != nil {
			return err
		}
		if lambda.Arg != "" {
			env2.Values[displ] = arg
			displ++
		}

		used := 0
		for _, formal := range lambda.Formals.Formals {
			if a, ok := arg.attrs.Get(formal.Name); ok {
				env2.Values[displ] = a.Value
				used++
			} else if formal.Def != nil {
				env2.Values[displ] = st.maybeThunk(env2, formal.Def)
			} else {
				return newError(ErrArity, pos, "%s called without required argument '%s'", lambda.ShowName(), formal.Name)
			}
			displ++
		}

		if !lambda.Formals.Ellipsis && used < arg.attrs.Len() {
			for _, a := range arg.attrs.All() {
				if !lambda.Formals.Has(a.Name) {
					return newError(ErrArity, pos, "%s called with unexpected argument '%s'", lambda.ShowName(), a.Name)
				}
			}
		}
	}

	st.stats.NrFunctionCalls++
	if st.countCalls {
		st.stats.FunctionCalls[lambda.Loc.String()]++
	}

	return lambda.Body.Eval(ctx, st, env2, v)
}

func (st *EvalState) callPrimOp(ctx context.Context, op *PrimOp, args []*Value, v *Value, pos *SourceLocation) error {
	st.stats.NrPrimOpCalls++
	if st.countCalls {
		st.stats.PrimOpCalls[op.Name]++
	}
	return op.Fun(ctx, st, pos, args, v)
}

// partialPrimOpApp extends the application chain of fun with args.
func (st *EvalState) partialPrimOpApp(fun *Value, args []*Value) Value {
	left := st.allocValue()
	*left = *fun
	var app Value
	for i, arg := range args {
		app = Value{}
		app.mkPrimOpApp(left, arg)
		if i < len(args)-1 {
			next := st.allocValue()
			*next = app
			left = next
		}
	}
	return app
}

// primOpAppArgs walks a partial application back to its builtin and
// returns the arguments applied so far, in order.
func primOpAppArgs(app *Value) (*PrimOp, []*Value) {
	var rev []*Value
	cur := app
	for cur.kind == KindPrimOpApp {
		rev = append(rev, cur.right)
		cur = cur.left
	}
	args := make([]*Value, len(rev), len(rev)+cur.primOp.Arity)
	for i, arg := range rev {
		args[len(rev)-1-i] = arg
	}
	return cur.primOp, args
}

// AutoCallFunction calls fun with the arguments in args that its formals
// accept. Values that are not functions taking a set are returned as is.
func (st *EvalState) AutoCallFunction(ctx context.Context, args *Bindings, fun *Value, res *Value) error {
	if err := st.ForceValue(ctx, fun, nil); err != nil {
		return err
	}

	if st.IsFunctor(ctx, fun) {
		functor, _ := fun.attrs.Get("__functor")
		called := st.allocValue()
		if err := st.CallFunction(ctx, functor.Value, []*Value{fun}, called, nil); err != nil {
			return err
		}
		return st.AutoCallFunction(ctx, args, called, res)
	}

	if fun.kind != KindLambda || fun.lambda.Formals == nil {
		*res = *fun
		return nil
	}

	formals := fun.lambda.Formals
	actual := st.allocValue()
	st.MkAttrs(actual, args.Len())
	if formals.Ellipsis {
		for _, a := range args.All() {
			actual.attrs.Push(a)
		}
	} else {
		for _, formal := range formals.Formals {
			if a, ok := args.Get(formal.Name); ok {
				actual.attrs.Push(*a)
			} else if formal.Def == nil {
				return newError(ErrArity, fun.lambda.Loc,
					"cannot auto-call a function that has an argument without a default value ('%s')", formal.Name)
			}
		}
	}
	actual.attrs.Sort()

	return st.CallFunction(ctx, fun, []*Value{actual}, res, fun.lambda.Loc)
}

// EqValues compares two values structurally, forcing them as needed.
// Functions never compare equal.
func (st *EvalState) EqValues(ctx context.Context, v1, v2 *Value, pos *SourceLocation) (bool, error) {
	if err := st.ForceValue(ctx, v1, pos); err != nil {
		return false, err
	}
	if err := st.ForceValue(ctx, v2, pos); err != nil {
		return false, err
	}

	if v1 == v2 && v1.kind != KindLambda && v1.kind != KindPrimOp && v1.kind != KindPrimOpApp {
		return true, nil
	}

	// Integers and floats compare numerically.
	if v1.kind == KindInt && v2.kind == KindFloat {
		return float64(v1.i) == v2.f, nil
	}
	if v1.kind == KindFloat && v2.kind == KindInt {
		return v1.f == float64(v2.i), nil
	}

	if v1.kind != v2.kind {
		return false, nil
	}

	switch v1.kind {
	case KindInt:
		return v1.i == v2.i, nil
	case KindFloat:
		return v1.f == v2.f, nil
	case KindBool:
		return v1.b == v2.b, nil
	case KindNull:
		return true, nil
	case KindString, KindPath:
		return v1.s == v2.s, nil

	case KindList:
		if len(v1.list) != len(v2.list) {
			return false, nil
		}
		for i := range v1.list {
			eq, err := st.EqValues(ctx, v1.list[i], v2.list[i], pos)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil

	case KindAttrs:
		// Derivations compare by output path.
		drv1, err := st.IsDerivation(ctx, v1)
		if err != nil {
			return false, err
		}
		drv2, err := st.IsDerivation(ctx, v2)
		if err != nil {
			return false, err
		}
		if drv1 && drv2 {
			out1, ok1 := v1.attrs.Get("outPath")
			out2, ok2 := v2.attrs.Get("outPath")
			if ok1 && ok2 {
				return st.EqValues(ctx, out1.Value, out2.Value, pos)
			}
		}

		if v1.attrs.Len() != v2.attrs.Len() {
			return false, nil
		}
		as1, as2 := v1.attrs.All(), v2.attrs.All()
		for i := range as1 {
			if as1[i].Name != as2[i].Name {
				return false, nil
			}
			eq, err := st.EqValues(ctx, as1[i].Value, as2[i].Value, pos)
			if err != nil || !eq {
				return false, err
			}
		}
		return true, nil
	}

	return false, nil
}

// ConcatLists writes the concatenation of lists into v.
func (st *EvalState) ConcatLists(ctx context.Context, v *Value, lists []*Value, pos *SourceLocation) error {
	st.stats.NrListConcats++

	total := 0
	var nonEmpty *Value
	for _, l := range lists {
		if err := st.ForceList(ctx, l, pos); err != nil {
			return err
		}
		if len(l.list) > 0 {
			total += len(l.list)
			nonEmpty = l
		}
	}

	if nonEmpty != nil && total == len(nonEmpty.list) {
		*v = *nonEmpty
		return nil
	}

	var res Value
	st.MkList(&res, total)
	n := 0
	for _, l := range lists {
		n += copy(res.list[n:], l.list)
	}
	*v = res
	return nil
}

// UpdateAttrs implements l // r: the attributes of both sets, with r
// winning on conflicts.
func (st *EvalState) UpdateAttrs(ctx context.Context, l, r *Value, v *Value, pos *SourceLocation) error {
	if err := st.ForceAttrs(ctx, l, pos); err != nil {
		return err
	}
	if err := st.ForceAttrs(ctx, r, pos); err != nil {
		return err
	}

	st.stats.NrOpUpdates++

	if l.attrs.Len() == 0 {
		*v = *r
		return nil
	}
	if r.attrs.Len() == 0 {
		*v = *l
		return nil
	}

	var res Value
	st.MkAttrs(&res, l.attrs.Len()+r.attrs.Len())

	as1, as2 := l.attrs.All(), r.attrs.All()
	i, j := 0, 0
	for i < len(as1) && j < len(as2) {
		switch {
		case as1[i].Name == as2[j].Name:
			res.attrs.Push(as2[j])
			i++
			j++
		case as1[i].Name < as2[j].Name:
			res.attrs.Push(as1[i])
			i++
		default:
			res.attrs.Push(as2[j])
			j++
		}
	}
	for ; i < len(as1); i++ {
		res.attrs.Push(as1[i])
	}
	for ; j < len(as2); j++ {
		res.attrs.Push(as2[j])
	}

	st.stats.NrOpUpdateValuesCopied += uint64(res.attrs.Len())
	*v = res
	return nil
}

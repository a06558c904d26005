package thunk

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/vito/thunk/pkg/ioctx"
)

// defaultBuiltins is the builtin catalog every EvalState starts with.
func defaultBuiltins() []BuiltinDef {
	return []BuiltinDef{
		// arithmetic and comparison; the parser desugars operators to these
		Builtin("add").Arity(2).Doc("adds two numbers").Impl(primArith("add")),
		Builtin("sub").Arity(2).Doc("subtracts two numbers").Impl(primArith("sub")),
		Builtin("mul").Arity(2).Doc("multiplies two numbers").Impl(primArith("mul")),
		Builtin("div").Arity(2).Doc("divides two numbers").Impl(primArith("div")),
		Builtin("lessThan").Arity(2).Doc("compares two numbers or strings").Impl(primLessThan),

		Builtin("toString").Arity(1).Global().Doc("converts a value to a string").Impl(primToString),
		Builtin("typeOf").Arity(1).Doc("returns the type name of a value").Impl(primTypeOf),
		Builtin("isAttrs").Arity(1).Impl(primIsKind(KindAttrs)),
		Builtin("isList").Arity(1).Impl(primIsKind(KindList)),
		Builtin("isString").Arity(1).Impl(primIsKind(KindString)),
		Builtin("isInt").Arity(1).Impl(primIsKind(KindInt)),
		Builtin("isFloat").Arity(1).Impl(primIsKind(KindFloat)),
		Builtin("isBool").Arity(1).Impl(primIsKind(KindBool)),
		Builtin("isNull").Arity(1).Global().Impl(primIsKind(KindNull)),
		Builtin("isPath").Arity(1).Impl(primIsKind(KindPath)),
		Builtin("isFunction").Arity(1).Impl(primIsKind(KindLambda, KindPrimOp, KindPrimOpApp)),

		// lists
		Builtin("length").Arity(1).Impl(primLength),
		Builtin("elemAt").Arity(2).Impl(primElemAt),
		Builtin("head").Arity(1).Impl(primHead),
		Builtin("tail").Arity(1).Impl(primTail),
		Builtin("map").Arity(2).Global().Doc("applies a function to every element of a list").Impl(primMap),
		Builtin("filter").Arity(2).Impl(primFilter),
		Builtin("foldl'").Arity(3).Doc("strict left fold").Impl(primFoldlStrict),

		// attribute sets
		Builtin("attrNames").Arity(1).Impl(primAttrNames),
		Builtin("attrValues").Arity(1).Impl(primAttrValues),
		Builtin("hasAttr").Arity(2).Impl(primHasAttr),
		Builtin("getAttr").Arity(2).Impl(primGetAttr),
		Builtin("removeAttrs").Arity(2).Global().Impl(primRemoveAttrs),
		Builtin("listToAttrs").Arity(1).Impl(primListToAttrs),

		// control
		Builtin("seq").Arity(2).Impl(primSeq),
		Builtin("deepSeq").Arity(2).Impl(primDeepSeq),
		Builtin("throw").Arity(1).Global().Impl(primThrow),
		Builtin("abort").Arity(1).Global().Impl(primAbort),
		Builtin("trace").Arity(2).Doc("prints its first argument to stderr and returns the second").Impl(primTrace),

		// strings and paths
		Builtin("baseNameOf").Arity(1).Global().Impl(primBaseNameOf),
		Builtin("dirOf").Arity(1).Global().Impl(primDirOf),
		Builtin("concatStringsSep").Arity(2).Impl(primConcatStringsSep),
		Builtin("stringLength").Arity(1).Impl(primStringLength),
		Builtin("substring").Arity(3).Impl(primSubstring),
		Builtin("toPath").Arity(1).Impl(primToPath),
		Builtin("import").Arity(1).Global().Doc("evaluates a file").Impl(primImport),

		// effects; recorded and replayed
		Builtin("readFile").Arity(1).Impure(AllArgs).Doc("reads a file into a string").Impl(primReadFile),
		Builtin("pathExists").Arity(1).Impure(AllArgs).Impl(primPathExists),
		Builtin("readDir").Arity(1).Impure(AllArgs).Impl(primReadDir),
		Builtin("getEnv").Arity(1).Impure(AllArgs).Impl(primGetEnv),
		Builtin("hashFile").Arity(2).Impure(AllArgs).Impl(primHashFile),
		Builtin("filterSource").Arity(2).Impure(OnlyArg(1)).
			Doc("copies a path to the store, keeping the entries a predicate accepts").
			Impl(primFilterSource),
		Builtin("__findFile").Arity(2).Impure(OnlyArg(1)).Impl(primFindFile),
		Builtin("__readSource").Arity(1).Impure(AllArgs).Impl(primReadSource),
		Builtin("__resolveExprPath").Arity(1).Impure(AllArgs).Impl(primResolveExprPath),

		Builtin("exec").Arity(1).Unsupported().
			Doc("runs a command and evaluates its output").
			Impl(primExec),
	}
}

func primArith(op string) PrimOpFunc {
	return func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
		for _, arg := range args {
			if err := st.ForceValue(ctx, arg, pos); err != nil {
				return err
			}
		}
		a, b := args[0], args[1]

		if a.kind == KindFloat || b.kind == KindFloat {
			x, err := st.ForceFloat(ctx, a, pos)
			if err != nil {
				return err
			}
			y, err := st.ForceFloat(ctx, b, pos)
			if err != nil {
				return err
			}
			switch op {
			case "add":
				v.MkFloat(x + y)
			case "sub":
				v.MkFloat(x - y)
			case "mul":
				v.MkFloat(x * y)
			case "div":
				if y == 0 {
					return typeError(pos, "division by zero")
				}
				v.MkFloat(x / y)
			}
			return nil
		}

		x, err := st.ForceInt(ctx, a, pos)
		if err != nil {
			return err
		}
		y, err := st.ForceInt(ctx, b, pos)
		if err != nil {
			return err
		}
		switch op {
		case "add":
			v.MkInt(x + y)
		case "sub":
			v.MkInt(x - y)
		case "mul":
			v.MkInt(x * y)
		case "div":
			if y == 0 {
				return typeError(pos, "division by zero")
			}
			v.MkInt(x / y)
		}
		return nil
	}
}

func primLessThan(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	a, b := args[0], args[1]
	if err := st.ForceValue(ctx, a, pos); err != nil {
		return err
	}
	if err := st.ForceValue(ctx, b, pos); err != nil {
		return err
	}

	switch {
	case a.kind == KindInt && b.kind == KindInt:
		v.MkBool(a.i < b.i)
	case (a.kind == KindInt || a.kind == KindFloat) && (b.kind == KindInt || b.kind == KindFloat):
		x, _ := st.ForceFloat(ctx, a, pos)
		y, _ := st.ForceFloat(ctx, b, pos)
		v.MkBool(x < y)
	case a.kind == KindString && b.kind == KindString,
		a.kind == KindPath && b.kind == KindPath:
		v.MkBool(a.s < b.s)
	default:
		return typeError(pos, "cannot compare %s with %s", ShowType(a), ShowType(b))
	}
	return nil
}

func primToString(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	pathCtx := PathSet{}
	s, err := st.CoerceToString(ctx, pos, args[0], pathCtx, true, false)
	if err != nil {
		return err
	}
	v.MkString(s, pathCtx)
	return nil
}

func primTypeOf(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	if err := st.ForceValue(ctx, args[0], pos); err != nil {
		return err
	}
	v.MkString(TypeOf(args[0]), nil)
	return nil
}

func primIsKind(kinds ...Kind) PrimOpFunc {
	return func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
		if err := st.ForceValue(ctx, args[0], pos); err != nil {
			return err
		}
		for _, k := range kinds {
			if args[0].kind == k {
				v.MkBool(true)
				return nil
			}
		}
		v.MkBool(false)
		return nil
	}
}

func primLength(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	if err := st.ForceList(ctx, args[0], pos); err != nil {
		return err
	}
	v.MkInt(int64(len(args[0].list)))
	return nil
}

func elemAt(ctx context.Context, st *EvalState, pos *SourceLocation, list *Value, n int64, v *Value) error {
	if err := st.ForceList(ctx, list, pos); err != nil {
		return err
	}
	if n < 0 || n >= int64(len(list.list)) {
		return newError(ErrType, pos, "list index %d is out of bounds", n)
	}
	elem := list.list[n]
	if err := st.ForceValue(ctx, elem, pos); err != nil {
		return err
	}
	*v = *elem
	return nil
}

func primElemAt(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	n, err := st.ForceInt(ctx, args[1], pos)
	if err != nil {
		return err
	}
	return elemAt(ctx, st, pos, args[0], n, v)
}

func primHead(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	return elemAt(ctx, st, pos, args[0], 0, v)
}

func primTail(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	list := args[0]
	if err := st.ForceList(ctx, list, pos); err != nil {
		return err
	}
	if len(list.list) == 0 {
		return newError(ErrType, pos, "'tail' called on an empty list")
	}
	var res Value
	st.MkList(&res, len(list.list)-1)
	copy(res.list, list.list[1:])
	*v = res
	return nil
}

func primMap(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	fun, list := args[0], args[1]
	if err := st.ForceList(ctx, list, pos); err != nil {
		return err
	}
	var res Value
	st.MkList(&res, len(list.list))
	for i, elem := range list.list {
		app := st.allocValue()
		app.mkApp(fun, elem)
		res.list[i] = app
	}
	*v = res
	return nil
}

func primFilter(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	fun, list := args[0], args[1]
	if err := st.ForceFunction(ctx, fun, pos); err != nil {
		return err
	}
	if err := st.ForceList(ctx, list, pos); err != nil {
		return err
	}
	var kept []*Value
	for _, elem := range list.list {
		res := st.allocValue()
		if err := st.CallFunction(ctx, fun, []*Value{elem}, res, pos); err != nil {
			return err
		}
		ok, err := st.ForceBool(ctx, res, pos)
		if err != nil {
			return err
		}
		if ok {
			kept = append(kept, elem)
		}
	}
	var out Value
	st.MkList(&out, len(kept))
	copy(out.list, kept)
	*v = out
	return nil
}

func primFoldlStrict(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	op, acc, list := args[0], args[1], args[2]
	if err := st.ForceFunction(ctx, op, pos); err != nil {
		return err
	}
	if err := st.ForceList(ctx, list, pos); err != nil {
		return err
	}
	for _, elem := range list.list {
		next := st.allocValue()
		if err := st.CallFunction(ctx, op, []*Value{acc, elem}, next, pos); err != nil {
			return err
		}
		acc = next
	}
	if err := st.ForceValue(ctx, acc, pos); err != nil {
		return err
	}
	*v = *acc
	return nil
}

func primAttrNames(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	if err := st.ForceAttrs(ctx, args[0], pos); err != nil {
		return err
	}
	names := args[0].attrs.Names()
	var res Value
	st.MkList(&res, len(names))
	for i, name := range names {
		elem := st.allocValue()
		elem.MkString(name, nil)
		res.list[i] = elem
	}
	*v = res
	return nil
}

func primAttrValues(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	if err := st.ForceAttrs(ctx, args[0], pos); err != nil {
		return err
	}
	attrs := args[0].attrs.All()
	var res Value
	st.MkList(&res, len(attrs))
	for i, a := range attrs {
		res.list[i] = a.Value
	}
	*v = res
	return nil
}

func primHasAttr(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	name, err := st.ForceStringNoContext(ctx, args[0], pos)
	if err != nil {
		return err
	}
	if err := st.ForceAttrs(ctx, args[1], pos); err != nil {
		return err
	}
	_, ok := args[1].attrs.Get(name)
	v.MkBool(ok)
	return nil
}

func primGetAttr(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	name, err := st.ForceStringNoContext(ctx, args[0], pos)
	if err != nil {
		return err
	}
	if err := st.ForceAttrs(ctx, args[1], pos); err != nil {
		return err
	}
	a, ok := args[1].attrs.Get(name)
	if !ok {
		return newError(ErrMissingAttr, pos, "attribute '%s' missing", name)
	}
	if err := st.ForceValue(ctx, a.Value, pos); err != nil {
		return err
	}
	*v = *a.Value
	return nil
}

func primRemoveAttrs(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	set, names := args[0], args[1]
	if err := st.ForceAttrs(ctx, set, pos); err != nil {
		return err
	}
	if err := st.ForceList(ctx, names, pos); err != nil {
		return err
	}
	remove := map[string]bool{}
	for _, elem := range names.list {
		name, err := st.ForceStringNoContext(ctx, elem, pos)
		if err != nil {
			return err
		}
		remove[name] = true
	}
	var res Value
	st.MkAttrs(&res, set.attrs.Len())
	for _, a := range set.attrs.All() {
		if !remove[a.Name] {
			res.attrs.Push(a)
		}
	}
	*v = res
	return nil
}

// primListToAttrs builds a set from { name, value } pairs. The first pair
// with a given name wins.
func primListToAttrs(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	list := args[0]
	if err := st.ForceList(ctx, list, pos); err != nil {
		return err
	}
	var res Value
	st.MkAttrs(&res, len(list.list))
	seen := map[string]bool{}
	for _, elem := range list.list {
		if err := st.ForceAttrs(ctx, elem, pos); err != nil {
			return err
		}
		nameAttr, ok := elem.attrs.Get("name")
		if !ok {
			return newError(ErrMissingAttr, pos, "'name' attribute missing in a call to 'listToAttrs'")
		}
		name, err := st.ForceStringNoContext(ctx, nameAttr.Value, pos)
		if err != nil {
			return err
		}
		if seen[name] {
			continue
		}
		valueAttr, ok := elem.attrs.Get("value")
		if !ok {
			return newError(ErrMissingAttr, pos, "'value' attribute missing in a call to 'listToAttrs'")
		}
		seen[name] = true
		res.attrs.Push(Attr{Name: name, Value: valueAttr.Value, Pos: valueAttr.Pos})
	}
	res.attrs.Sort()
	*v = res
	return nil
}

func primSeq(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	if err := st.ForceValue(ctx, args[0], pos); err != nil {
		return err
	}
	if err := st.ForceValue(ctx, args[1], pos); err != nil {
		return err
	}
	*v = *args[1]
	return nil
}

func primDeepSeq(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	if err := st.ForceValueDeep(ctx, args[0]); err != nil {
		return err
	}
	if err := st.ForceValue(ctx, args[1], pos); err != nil {
		return err
	}
	*v = *args[1]
	return nil
}

func primThrow(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	msg, err := st.CoerceToString(ctx, pos, args[0], PathSet{}, false, true)
	if err != nil {
		return err
	}
	return newError(ErrThrown, nil, "%s", msg)
}

func primAbort(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	msg, err := st.CoerceToString(ctx, pos, args[0], PathSet{}, false, true)
	if err != nil {
		return err
	}
	return newError(ErrAbort, nil, "evaluation aborted with the following error message: '%s'", msg)
}

func primTrace(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	msg := args[0]
	if err := st.ForceValue(ctx, msg, pos); err != nil {
		return err
	}
	var text string
	if msg.kind == KindString {
		text = msg.s
	} else {
		rendered, err := st.ParameterValue(ctx, msg, pos)
		if err != nil {
			return err
		}
		text = rendered
	}
	fmt.Fprintf(ioctx.StderrFromContext(ctx), "trace: %s\n", text)

	if err := st.ForceValue(ctx, args[1], pos); err != nil {
		return err
	}
	*v = *args[1]
	return nil
}

func primBaseNameOf(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	pathCtx := PathSet{}
	s, err := st.CoerceToString(ctx, pos, args[0], pathCtx, false, false)
	if err != nil {
		return err
	}
	v.MkString(baseNameOf(s), pathCtx)
	return nil
}

func primDirOf(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	pathCtx := PathSet{}
	s, err := st.CoerceToString(ctx, pos, args[0], pathCtx, false, false)
	if err != nil {
		return err
	}
	dir := dirOf(s)
	if args[0].kind == KindPath {
		v.MkPath(dir)
	} else {
		v.MkString(dir, pathCtx)
	}
	return nil
}

func primConcatStringsSep(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	pathCtx := PathSet{}
	sep, err := st.ForceString(ctx, args[0], pathCtx, pos)
	if err != nil {
		return err
	}
	if err := st.ForceList(ctx, args[1], pos); err != nil {
		return err
	}
	parts := make([]string, len(args[1].list))
	for i, elem := range args[1].list {
		s, err := st.CoerceToString(ctx, pos, elem, pathCtx, false, true)
		if err != nil {
			return err
		}
		parts[i] = s
	}
	v.MkString(strings.Join(parts, sep), pathCtx)
	return nil
}

func primStringLength(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	s, err := st.CoerceToString(ctx, pos, args[0], PathSet{}, false, true)
	if err != nil {
		return err
	}
	v.MkInt(int64(len(s)))
	return nil
}

func primSubstring(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	start, err := st.ForceInt(ctx, args[0], pos)
	if err != nil {
		return err
	}
	length, err := st.ForceInt(ctx, args[1], pos)
	if err != nil {
		return err
	}
	pathCtx := PathSet{}
	s, err := st.CoerceToString(ctx, pos, args[2], pathCtx, false, true)
	if err != nil {
		return err
	}
	if start < 0 {
		return typeError(pos, "negative start position in 'substring'")
	}
	if start >= int64(len(s)) {
		v.MkString("", pathCtx)
		return nil
	}
	end := int64(len(s))
	if length >= 0 && length < end-start {
		end = start + length
	}
	v.MkString(s[start:end], pathCtx)
	return nil
}

func primToPath(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	pathCtx := PathSet{}
	path, err := st.CoerceToPath(ctx, pos, args[0], pathCtx)
	if err != nil {
		return err
	}
	v.MkString(canonPath(path), pathCtx)
	return nil
}

// realisePath coerces v to a path whose context has been realised, ready
// to be read from.
func (st *EvalState) realisePath(ctx context.Context, v *Value, pos *SourceLocation) (string, error) {
	pathCtx := PathSet{}
	path, err := st.CoerceToPath(ctx, pos, v, pathCtx)
	if err != nil {
		return "", err
	}
	if err := st.RealiseContext(ctx, pathCtx, pos); err != nil {
		return "", err
	}
	return st.CheckSourcePath(path, pos)
}

func primImport(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	pathCtx := PathSet{}
	path, err := st.CoerceToPath(ctx, pos, args[0], pathCtx)
	if err != nil {
		return err
	}
	if !st.mode.playsBack() {
		if err := st.RealiseContext(ctx, pathCtx, pos); err != nil {
			return err
		}
	}
	res, err := st.EvalFile(ctx, path, pos)
	if err != nil {
		return err
	}
	*v = *res
	return nil
}

func primReadFile(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	path, err := st.realisePath(ctx, args[0], pos)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return newError(ErrNotFound, pos, "opening file '%s': %s", path, err)
	}
	v.MkString(string(content), nil)
	return nil
}

func primPathExists(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	path, err := st.realisePath(ctx, args[0], pos)
	if err != nil {
		return err
	}
	_, err = os.Lstat(path)
	v.MkBool(err == nil)
	return nil
}

func fileType(mode fs.FileMode) string {
	switch {
	case mode.IsRegular():
		return "regular"
	case mode.IsDir():
		return "directory"
	case mode&fs.ModeSymlink != 0:
		return "symlink"
	}
	return "unknown"
}

func primReadDir(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	path, err := st.realisePath(ctx, args[0], pos)
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return newError(ErrNotFound, pos, "reading directory '%s': %s", path, err)
	}
	var res Value
	st.MkAttrs(&res, len(entries))
	for _, entry := range entries {
		st.AllocAttr(&res, entry.Name()).MkString(fileType(entry.Type()), nil)
	}
	res.attrs.Sort()
	*v = res
	return nil
}

func primGetEnv(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	name, err := st.ForceStringNoContext(ctx, args[0], pos)
	if err != nil {
		return err
	}
	if st.restricted {
		v.MkString("", nil)
		return nil
	}
	v.MkString(ioctx.GetenvFromContext(ctx)(name), nil)
	return nil
}

func primHashFile(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	algo, err := st.ForceStringNoContext(ctx, args[0], pos)
	if err != nil {
		return err
	}
	alg := digest.Algorithm(algo)
	if !alg.Available() {
		return typeError(pos, "unknown hash type '%s'", algo)
	}
	path, err := st.realisePath(ctx, args[1], pos)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return newError(ErrNotFound, pos, "opening file '%s': %s", path, err)
	}
	defer f.Close()
	dgst, err := alg.FromReader(f)
	if err != nil {
		return newError(ErrNotFound, pos, "hashing '%s': %s", path, err)
	}
	v.MkString(dgst.Encoded(), nil)
	return nil
}

func primFilterSource(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	pred := args[0]
	path, err := st.realisePath(ctx, args[1], pos)
	if err != nil {
		return err
	}
	if err := st.ForceFunction(ctx, pred, pos); err != nil {
		return err
	}
	if st.store == nil {
		return newError(ErrStore, pos, "cannot copy '%s' to the store: no store configured", path)
	}

	filter := func(p string, info fs.FileInfo) (bool, error) {
		pathArg := st.allocValue()
		pathArg.MkString(p, nil)
		typeArg := st.allocValue()
		typeArg.MkString(fileType(info.Mode()), nil)
		res := st.allocValue()
		if err := st.CallFunction(ctx, pred, []*Value{pathArg, typeArg}, res, pos); err != nil {
			return false, err
		}
		return st.ForceBool(ctx, res, pos)
	}

	dst, err := st.store.AddToStore(ctx, baseNameOf(path), path, filter)
	if err != nil {
		return newError(ErrStore, pos, "copying '%s' to the store: %s", path, err)
	}
	st.stats.NrStoreCopies++
	v.MkString(dst, NewPathSet(dst))
	return nil
}

func primFindFile(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	if err := st.ForceList(ctx, args[0], pos); err != nil {
		return err
	}
	var sp SearchPath
	for _, elem := range args[0].list {
		if err := st.ForceAttrs(ctx, elem, pos); err != nil {
			return err
		}
		var entry SearchPathElem
		if a, ok := elem.attrs.Get("prefix"); ok {
			prefix, err := st.ForceStringNoContext(ctx, a.Value, pos)
			if err != nil {
				return err
			}
			entry.Prefix = prefix
		}
		a, ok := elem.attrs.Get("path")
		if !ok {
			return newError(ErrMissingAttr, pos, "attribute 'path' missing")
		}
		p, err := st.CoerceToString(ctx, pos, a.Value, PathSet{}, false, false)
		if err != nil {
			return err
		}
		entry.Path = p
		sp = append(sp, entry)
	}

	name, err := st.ForceStringNoContext(ctx, args[1], pos)
	if err != nil {
		return err
	}

	found, err := FindFile(sp, name, pos)
	if err != nil {
		return err
	}
	v.MkPath(found)
	return nil
}

func primReadSource(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	path, err := st.CoerceToPath(ctx, pos, args[0], PathSet{})
	if err != nil {
		return err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return newError(ErrNotFound, pos, "reading '%s': %s", path, err)
	}
	v.MkString(string(src), nil)
	return nil
}

func primResolveExprPath(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	path, err := st.CoerceToPath(ctx, pos, args[0], PathSet{})
	if err != nil {
		return err
	}
	resolved, err := resolveExprPath(path)
	if err != nil {
		return err
	}
	v.MkPath(resolved)
	return nil
}

// primExec runs argv and evaluates its standard output as an expression.
func primExec(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	if err := st.ForceList(ctx, args[0], pos); err != nil {
		return err
	}
	if len(args[0].list) == 0 {
		return typeError(pos, "at least one argument to 'exec' required")
	}
	pathCtx := PathSet{}
	argv := make([]string, len(args[0].list))
	for i, elem := range args[0].list {
		s, err := st.CoerceToString(ctx, pos, elem, pathCtx, false, false)
		if err != nil {
			return err
		}
		argv[i] = s
	}
	if err := st.RealiseContext(ctx, pathCtx, pos); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = ioctx.StderrFromContext(ctx)
	out, err := cmd.Output()
	if err != nil {
		return newError(ErrThrown, pos, "program '%s' failed: %s", argv[0], err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	e, err := st.ParseExprFromString(string(out), cwd)
	if err != nil {
		return fmt.Errorf("parsing output of '%s': %w", strings.Join(argv, " "), err)
	}
	return e.Eval(ctx, st, st.baseEnv, v)
}

func primCurrentTime(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	v.MkInt(ioctx.NowFromContext(ctx).Unix())
	return nil
}

func primCurrentSystem(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
	v.MkString(st.system, nil)
	return nil
}

// BuiltinNames lists the builtins of st in name order, for diagnostics.
func (st *EvalState) BuiltinNames() []string {
	names := make([]string, 0, len(st.primOps))
	for name := range st.primOps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}


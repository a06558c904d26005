package thunk

import (
	"context"
	"fmt"
	"log/slog"
	"math/bits"
	"sort"
	"strconv"
	"strings"
)

// Mode selects how impure builtins are dispatched for the lifetime of an
// EvalState.
type Mode int

const (
	// ModeNormal calls impure builtins directly.
	ModeNormal Mode = iota
	// ModeRecord calls them and records every result.
	ModeRecord
	// ModePlayback answers them from a recording and never calls them.
	ModePlayback
	// ModeRecordAndPlayback answers from the recording when it can and
	// records a real call otherwise.
	ModeRecordAndPlayback
)

var modeNames = map[Mode]string{
	ModeNormal:            "normal",
	ModeRecord:            "record",
	ModePlayback:          "playback",
	ModeRecordAndPlayback: "record-and-playback",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses the names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return ModeNormal, fmt.Errorf("unknown evaluation mode %q (expected normal, record, playback or record-and-playback)", s)
}

func (m Mode) records() bool {
	return m == ModeRecord || m == ModeRecordAndPlayback
}

func (m Mode) playsBack() bool {
	return m == ModePlayback || m == ModeRecordAndPlayback
}

// ArgMask selects the argument positions that identify an impure call.
// Arguments outside the mask, such as callbacks, are left out of the
// recording key and are not forced to build it.
type ArgMask uint64

const AllArgs ArgMask = ^ArgMask(0)

// OnlyArg masks a single argument position.
func OnlyArg(i int) ArgMask {
	return 1 << i
}

func (m ArgMask) Has(i int) bool {
	return m&(1<<i) != 0
}

func (m ArgMask) String() string {
	if m == AllArgs {
		return "all"
	}
	var positions []string
	for rest := uint64(m); rest != 0; rest &= rest - 1 {
		positions = append(positions, strconv.Itoa(bits.TrailingZeros64(rest)))
	}
	return strings.Join(positions, ",")
}

type Purity int

const (
	Pure Purity = iota
	Impure
	// Unsupported builtins are impure builtins that cannot be made
	// deterministic; they only run in ModeNormal.
	Unsupported
)

// BuiltinDef describes a builtin before registration.
type BuiltinDef struct {
	Name   string
	Arity  int
	Doc    string
	Purity Purity
	Mask   ArgMask

	// Global builtins are bound as top-level names. The others are bound as
	// __name and reachable as builtins.name.
	Global bool

	// Constant builtins (Arity 0) are computed lazily, once.
	Impl PrimOpFunc
}

// BuiltinBuilder provides a fluent API for defining builtins.
type BuiltinBuilder struct {
	def BuiltinDef
}

// Builtin starts the definition of a pure builtin.
func Builtin(name string) *BuiltinBuilder {
	return &BuiltinBuilder{
		def: BuiltinDef{
			Name: name,
			Mask: AllArgs,
		},
	}
}

func (b *BuiltinBuilder) Arity(n int) *BuiltinBuilder {
	b.def.Arity = n
	return b
}

func (b *BuiltinBuilder) Doc(doc string) *BuiltinBuilder {
	b.def.Doc = doc
	return b
}

// Impure marks the builtin as observable to Record/Playback, keyed by the
// arguments in mask.
func (b *BuiltinBuilder) Impure(mask ArgMask) *BuiltinBuilder {
	b.def.Purity = Impure
	b.def.Mask = mask
	return b
}

// Unsupported marks the builtin as impossible to record.
func (b *BuiltinBuilder) Unsupported() *BuiltinBuilder {
	b.def.Purity = Unsupported
	return b
}

func (b *BuiltinBuilder) Global() *BuiltinBuilder {
	b.def.Global = true
	return b
}

// Impl sets the implementation and returns the finished definition.
func (b *BuiltinBuilder) Impl(fn PrimOpFunc) BuiltinDef {
	b.def.Impl = fn
	return b.def
}

func (def BuiltinDef) bindName() string {
	if def.Global || strings.HasPrefix(def.Name, "__") {
		return def.Name
	}
	return "__" + def.Name
}

func (def BuiltinDef) attrName() string {
	return strings.TrimPrefix(def.Name, "__")
}

// createBaseEnv registers every builtin and constant in a fixed-size base
// frame, plus the builtins set that exposes them by their plain names.
func (st *EvalState) createBaseEnv(extra []BuiltinDef) error {
	defs := map[string]BuiltinDef{}
	var order []string
	for _, def := range append(defaultBuiltins(), extra...) {
		if _, ok := defs[def.Name]; !ok {
			order = append(order, def.Name)
		}
		defs[def.Name] = def
	}

	constants := st.defaultConstants()

	// names bound in the base frame, slot order
	var names []string
	for _, c := range constants {
		names = append(names, c.name)
	}
	for _, name := range order {
		names = append(names, defs[name].bindName())
	}
	names = append(names, "builtins")

	st.baseEnv = st.AllocEnv(len(names))
	st.staticBaseEnv = NewStaticEnv(false, nil)
	st.builtins = st.allocValue()
	st.MkAttrs(st.builtins, len(names))

	displ := 0
	attrNames := map[string]bool{}
	bind := func(name, attrName string, v *Value) error {
		if _, dup := st.staticBaseEnv.Vars[name]; dup {
			return fmt.Errorf("builtin '%s' is already bound", name)
		}
		if attrName != "" && attrNames[attrName] {
			return fmt.Errorf("builtins.%s is already bound", attrName)
		}
		st.staticBaseEnv.Vars[name] = displ
		st.baseEnv.Values[displ] = v
		displ++
		if attrName != "" {
			attrNames[attrName] = true
			st.builtins.attrs.Push(Attr{Name: attrName, Value: v})
		}
		return nil
	}

	for _, c := range constants {
		if err := bind(c.name, strings.TrimPrefix(c.name, "__"), c.v); err != nil {
			return err
		}
	}

	for _, name := range order {
		def := defs[name]
		v, err := st.registerBuiltin(def)
		if err != nil {
			return err
		}
		if err := bind(def.bindName(), def.attrName(), v); err != nil {
			return err
		}
	}

	if err := bind("builtins", "builtins", st.builtins); err != nil {
		return err
	}
	st.builtins.attrs.Sort()

	st.baseEnv.Values = st.baseEnv.Values[:displ]
	return nil
}

type constant struct {
	name string
	v    *Value
}

func (st *EvalState) defaultConstants() []constant {
	mk := func(name string, init func(v *Value)) constant {
		v := st.allocValue()
		init(v)
		return constant{name, v}
	}

	searchPath := func(v *Value) {
		st.MkList(v, len(st.searchPath))
		for i, elem := range st.searchPath {
			entry := st.allocValue()
			st.MkAttrs(entry, 2)
			st.AllocAttr(entry, "path").MkString(elem.Path, nil)
			st.AllocAttr(entry, "prefix").MkString(elem.Prefix, nil)
			entry.attrs.Sort()
			v.list[i] = entry
		}
	}

	return []constant{
		mk("true", func(v *Value) { v.MkBool(true) }),
		mk("false", func(v *Value) { v.MkBool(false) }),
		mk("null", func(v *Value) { v.MkNull() }),
		mk("__searchPath", searchPath),
		st.addImpureConstant("__currentTime", primCurrentTime),
		st.addImpureConstant("__currentSystem", primCurrentSystem),
	}
}

// addImpureConstant registers a zero-argument impure builtin and binds
// name to a thunk that dispatches it when first forced.
func (st *EvalState) addImpureConstant(name string, fn PrimOpFunc) constant {
	op := st.wrapImpure(BuiltinDef{Name: name, Purity: Impure, Mask: AllArgs, Impl: fn})
	st.primOps[name] = op
	return constant{name, st.mkThunk(nil, &exprConstOp{op: op})}
}

func (st *EvalState) registerBuiltin(def BuiltinDef) (*Value, error) {
	if def.Arity == 0 {
		if def.Purity == Pure {
			if def.Impl == nil {
				return nil, fmt.Errorf("builtin constant %q has no implementation", def.Name)
			}
			op := &PrimOp{Name: def.Name, Fun: def.Impl}
			st.primOps[def.Name] = op
			return st.mkThunk(nil, &exprConstOp{op: op}), nil
		}
		c := st.addImpureConstant(def.Name, def.Impl)
		return c.v, nil
	}

	var op *PrimOp
	switch def.Purity {
	case Pure:
		op = st.addPrimOp(def)
	case Impure:
		op = st.addImpurePrimOp(def)
	case Unsupported:
		op = st.addUnsupportedImpurePrimOp(def)
	}

	v := st.allocValue()
	v.mkPrimOp(op)
	return v, nil
}

func (st *EvalState) addPrimOp(def BuiltinDef) *PrimOp {
	slog.Debug("adding builtin function", "function", def.Name, "arity", def.Arity)
	op := &PrimOp{Name: def.Name, Arity: def.Arity, Fun: implOrMissing(def)}
	st.primOps[def.Name] = op
	return op
}

func (st *EvalState) addImpurePrimOp(def BuiltinDef) *PrimOp {
	slog.Debug("adding impure builtin function", "function", def.Name, "arity", def.Arity, "mask", def.Mask, "mode", st.mode)
	op := st.wrapImpure(def)
	st.primOps[def.Name] = op
	return op
}

func (st *EvalState) addUnsupportedImpurePrimOp(def BuiltinDef) *PrimOp {
	slog.Debug("adding unsupported builtin function", "function", def.Name, "arity", def.Arity, "mode", st.mode)
	fn := implOrMissing(def)
	if st.mode != ModeNormal {
		fn = unsupportedPrimOp(def.Name)
	}
	op := &PrimOp{Name: def.Name, Arity: def.Arity, Fun: fn}
	st.primOps[def.Name] = op
	return op
}

// wrapImpure decorates an impure implementation for the active mode.
func (st *EvalState) wrapImpure(def BuiltinDef) *PrimOp {
	fn := implOrMissing(def)
	switch st.mode {
	case ModeRecord:
		fn = recordPrimOp(def.Name, def.Mask, fn)
	case ModePlayback:
		fn = playbackPrimOp(def.Name, def.Mask)
	case ModeRecordAndPlayback:
		fn = recordAndPlaybackPrimOp(def.Name, def.Mask, fn)
	}
	return &PrimOp{Name: def.Name, Arity: def.Arity, Fun: fn}
}

func implOrMissing(def BuiltinDef) PrimOpFunc {
	if def.Impl != nil {
		return def.Impl
	}
	name := def.Name
	return func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
		return newError(ErrUnsupported, pos, "builtin '%s' has no implementation", name)
	}
}

// recordKey forces the masked arguments and renders the key of a call.
func (st *EvalState) recordKey(ctx context.Context, name string, mask ArgMask, args []*Value, pos *SourceLocation) (RecordKey, error) {
	key := RecordKey{Op: name, Args: []string{}}
	for i, arg := range args {
		if !mask.Has(i) {
			continue
		}
		s, err := st.ParameterValue(ctx, arg, pos)
		if err != nil {
			return RecordKey{}, err
		}
		key.Args = append(key.Args, s)
	}
	return key, nil
}

func recordPrimOp(name string, mask ArgMask, fn PrimOpFunc) PrimOpFunc {
	return func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
		key, err := st.recordKey(ctx, name, mask, args, pos)
		if err != nil {
			return err
		}
		return st.recordCall(ctx, key, fn, pos, args, v)
	}
}

// recordCall runs the real implementation and stores its fully forced
// result under key, replacing any earlier result for the same key.
func (st *EvalState) recordCall(ctx context.Context, key RecordKey, fn PrimOpFunc, pos *SourceLocation, args []*Value, v *Value) error {
	if err := fn(ctx, st, pos, args, v); err != nil {
		return err
	}
	if err := st.ForceValueDeep(ctx, v); err != nil {
		return err
	}
	st.recording.Set(key, v)
	st.stats.NrRecorded++
	slog.Debug("recorded call", "call", key.String())
	return nil
}

func playbackPrimOp(name string, mask ArgMask) PrimOpFunc {
	return func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
		key, err := st.recordKey(ctx, name, mask, args, pos)
		if err != nil {
			return err
		}
		if st.playback(key, v) {
			return nil
		}
		return newError(ErrPlaybackMiss, pos, "wanted to call %s", key)
	}
}

func recordAndPlaybackPrimOp(name string, mask ArgMask, fn PrimOpFunc) PrimOpFunc {
	return func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
		key, err := st.recordKey(ctx, name, mask, args, pos)
		if err != nil {
			return err
		}
		if st.playback(key, v) {
			return nil
		}
		return st.recordCall(ctx, key, fn, pos, args, v)
	}
}

func (st *EvalState) playback(key RecordKey, v *Value) bool {
	stored, ok := st.recording.Lookup(key)
	if !ok {
		return false
	}
	*v = *stored
	st.stats.NrPlayedBack++
	slog.Debug("played back call", "call", key.String())
	return true
}

func unsupportedPrimOp(name string) PrimOpFunc {
	return func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
		return newError(ErrUnsupported, nil, "primop '%s' is not (yet) supported in Record/Playback mode (used at '%s')", name, pos)
	}
}

// callBuiltin dispatches a registered builtin by name from Go, going
// through the same mode wrapping as a call from the language.
func (st *EvalState) callBuiltin(ctx context.Context, name string, pos *SourceLocation, args ...*Value) (*Value, error) {
	op, ok := st.primOps[name]
	if !ok {
		return nil, newError(ErrUndefinedVar, pos, "builtin '%s' not found", name)
	}
	if len(args) != op.Arity {
		return nil, newError(ErrArity, pos, "builtin '%s' takes %d arguments, got %d", name, op.Arity, len(args))
	}
	v := st.allocValue()
	if err := st.callPrimOp(ctx, op, args, v, pos); err != nil {
		return nil, err
	}
	return v, nil
}

// ParameterValue deep-forces v and renders it canonically. The rendering
// is the identity of an argument in a recording key, so it must be stable
// across processes: attribute sets are printed in name order and strings
// are quoted.
func (st *EvalState) ParameterValue(ctx context.Context, v *Value, pos *SourceLocation) (string, error) {
	if err := st.ForceValueDeep(ctx, v); err != nil {
		return "", err
	}
	var sb strings.Builder
	renderValue(&sb, v, map[*Value]bool{})
	return sb.String(), nil
}

func renderValue(sb *strings.Builder, v *Value, active map[*Value]bool) {
	if active[v] {
		sb.WriteString("«repeated»")
		return
	}
	switch v.kind {
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindNull:
		sb.WriteString("null")
	case KindString:
		sb.WriteString(strconv.Quote(v.s))
	case KindPath:
		sb.WriteString(v.s)
	case KindList:
		active[v] = true
		sb.WriteString("[ ")
		for _, elem := range v.list {
			renderValue(sb, elem, active)
			sb.WriteString(" ")
		}
		sb.WriteString("]")
		delete(active, v)
	case KindAttrs:
		active[v] = true
		attrs := append([]Attr(nil), v.attrs.All()...)
		sort.SliceStable(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })
		sb.WriteString("{ ")
		for _, a := range attrs {
			sb.WriteString(a.Name)
			sb.WriteString(" = ")
			renderValue(sb, a.Value, active)
			sb.WriteString("; ")
		}
		sb.WriteString("}")
		delete(active, v)
	case KindLambda:
		sb.WriteString("<LAMBDA>")
	case KindPrimOp:
		sb.WriteString("<PRIMOP>")
	case KindPrimOpApp:
		sb.WriteString("<PRIMOP-APP>")
	default:
		sb.WriteString("<CODE>")
	}
}

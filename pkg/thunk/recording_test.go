package thunk

import (
	"bytes"
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/dagger/testctx"
	"github.com/dagger/testctx/oteltest"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/golden"

	"github.com/vito/thunk/pkg/ioctx"
	"github.com/vito/thunk/pkg/store"
)

type RecordingSuite struct{}

func TestRecording(tT *testing.T) {
	testctx.New(tT,
		oteltest.WithTracing[*testing.T](),
		oteltest.WithLogging[*testing.T](),
	).RunTests(RecordingSuite{})
}

// impureOp is an impure builtin that counts its calls. Ints are multiplied
// by 42 and strings upper-cased.
func impureOp(calls *int) BuiltinDef {
	return Builtin("impureOp").Arity(1).Global().Impure(AllArgs).Impl(
		func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
			*calls++
			if err := st.ForceValue(ctx, args[0], pos); err != nil {
				return err
			}
			switch args[0].Kind() {
			case KindInt:
				v.MkInt(args[0].Int() * 42)
			case KindString:
				v.MkString(strings.ToUpper(args[0].Str()), nil)
			default:
				return typeError(pos, "impureOp: unexpected %s", ShowType(args[0]))
			}
			return nil
		})
}

// impureOpStub has no implementation; it can only be played back.
func impureOpStub() BuiltinDef {
	return Builtin("impureOp").Arity(1).Global().Impure(AllArgs).Impl(nil)
}

func record(ctx context.Context, t *testctx.T, src string, defs ...BuiltinDef) (*EvalState, *RecordingArtifact) {
	st := newTestState(ctx, t, Options{Mode: ModeRecord, Builtins: defs})
	v, err := evalSrc(ctx, st, src)
	require.NoError(t, err)
	a, err := st.FinalizeRecording(ctx, v)
	require.NoError(t, err)

	// round trip through the wire format
	data, err := a.Marshal()
	require.NoError(t, err)
	a, err = UnmarshalRecording(data)
	require.NoError(t, err)
	return st, a
}

func (RecordingSuite) TestRecordThenPlayback(ctx context.Context, t *testctx.T) {
	calls := 0
	src := "let x = impureOp 1; in [ x x ]"

	st, a := record(ctx, t, src, impureOp(&calls))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, st.Recording().Len())
	require.Len(t, a.Entries, 1)
	require.Equal(t, "impureOp", a.Entries[0].Op)
	require.Equal(t, []string{"1"}, a.Entries[0].Args)
	require.Equal(t, "[ 42 42 ]", a.Result.String())

	playback := newTestState(ctx, t, Options{
		Mode:      ModePlayback,
		Builtins:  []BuiltinDef{impureOpStub()},
		Recording: a,
	})
	v, err := evalSrc(ctx, playback, src)
	require.NoError(t, err)
	require.Equal(t, "[ 42 42 ]", render(ctx, t, playback, v))
	require.EqualValues(t, 1, playback.Stats().NrPlayedBack)
}

func (RecordingSuite) TestPlaybackHasNoSideEffects(ctx context.Context, t *testctx.T) {
	calls := 0
	_, a := record(ctx, t, `[ (impureOp 1) (impureOp "a") ]`, impureOp(&calls))
	require.Equal(t, 2, calls)

	playback := newTestState(ctx, t, Options{
		Mode:      ModePlayback,
		Builtins:  []BuiltinDef{impureOp(&calls)},
		Recording: a,
	})
	v, err := evalSrc(ctx, playback, `[ (impureOp "a") (impureOp 1) ]`)
	require.NoError(t, err)
	require.Equal(t, `[ "A" 42 ]`, render(ctx, t, playback, v))
	require.Equal(t, 2, calls)
}

func (RecordingSuite) TestPlaybackMiss(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{
		Mode:     ModePlayback,
		Builtins: []BuiltinDef{impureOpStub()},
	})
	_, err := evalSrc(ctx, st, `impureOp 2`)
	require.ErrorIs(t, err, ErrPlaybackMiss)
	require.ErrorContains(t, err, "wanted to call impureOp(2, )")

	_, err = evalSrc(ctx, st, `impureOp { b = "x"; a = [ 1 null ]; }`)
	require.ErrorContains(t, err, `wanted to call impureOp({ a = [ 1 null ]; b = "x"; }, )`)
}

func (RecordingSuite) TestNegativeZeroSurvivesRoundTrip(ctx context.Context, t *testctx.T) {
	negZero := func(impl PrimOpFunc) BuiltinDef {
		return Builtin("negZero").Arity(1).Global().Impure(AllArgs).Impl(impl)
	}
	_, a := record(ctx, t, "negZero 1", negZero(
		func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
			v.MkFloat(math.Copysign(0, -1))
			return nil
		}))

	playback := newTestState(ctx, t, Options{
		Mode:      ModePlayback,
		Builtins:  []BuiltinDef{negZero(nil)},
		Recording: a,
	})
	v, err := evalSrc(ctx, playback, "negZero 1")
	require.NoError(t, err)
	require.Equal(t, KindFloat, v.Kind())
	require.True(t, math.Signbit(v.Float()))

	s, err := evalSrc(ctx, playback, "toString (negZero 1)")
	require.NoError(t, err)
	require.Equal(t, "-0.000000", s.Str())
}

func (RecordingSuite) TestRecordLastWriteWins(ctx context.Context, t *testctx.T) {
	calls := 0
	tick := Builtin("tick").Arity(1).Global().Impure(AllArgs).Impl(
		func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
			calls++
			v.MkInt(int64(calls))
			return nil
		})

	st := newTestState(ctx, t, Options{Mode: ModeRecord, Builtins: []BuiltinDef{tick}})
	v, err := evalSrc(ctx, st, "[ (tick 1) (tick 1) ]")
	require.NoError(t, err)
	require.Equal(t, "[ 1 2 ]", render(ctx, t, st, v))

	require.Equal(t, 1, st.Recording().Len())
	recorded, ok := st.Recording().Lookup(RecordKey{Op: "tick", Args: []string{"1"}})
	require.True(t, ok)
	require.Equal(t, int64(2), recorded.Int())
}

func (RecordingSuite) TestRecordAndPlayback(ctx context.Context, t *testctx.T) {
	calls := 0
	_, a := record(ctx, t, "impureOp 1", impureOp(&calls))
	require.Equal(t, 1, calls)

	calls = 0
	st := newTestState(ctx, t, Options{
		Mode:      ModeRecordAndPlayback,
		Builtins:  []BuiltinDef{impureOp(&calls)},
		Recording: a,
	})
	v, err := evalSrc(ctx, st, "[ (impureOp 1) (impureOp 2) ]")
	require.NoError(t, err)
	require.Equal(t, "[ 42 84 ]", render(ctx, t, st, v))
	require.Equal(t, 1, calls)
	require.Equal(t, 2, st.Recording().Len())
}

func (RecordingSuite) TestMaskedArguments(ctx context.Context, t *testctx.T) {
	apply := Builtin("applyTo").Arity(2).Global().Impure(OnlyArg(1)).Impl(
		func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
			return st.CallFunction(ctx, args[0], []*Value{args[1]}, v, pos)
		})

	st := newTestState(ctx, t, Options{Mode: ModeRecord, Builtins: []BuiltinDef{apply}})
	v, err := evalSrc(ctx, st, `applyTo (s: s + "!") "x"`)
	require.NoError(t, err)
	require.Equal(t, `"x!"`, render(ctx, t, st, v))
	require.Equal(t, []RecordKey{{Op: "applyTo", Args: []string{`"x"`}}}, st.Recording().Keys())
}

func (RecordingSuite) TestUnsupportedBuiltin(ctx context.Context, t *testctx.T) {
	for _, mode := range []Mode{ModeRecord, ModePlayback, ModeRecordAndPlayback} {
		t.Run(mode.String(), func(ctx context.Context, t *testctx.T) {
			st := newTestState(ctx, t, Options{Mode: mode})
			_, err := evalSrc(ctx, st, `builtins.exec [ "true" ]`)
			require.ErrorIs(t, err, ErrUnsupported)
			require.ErrorContains(t, err, "primop 'exec' is not (yet) supported in Record/Playback mode (used at '")
		})
	}
}

func (RecordingSuite) TestImpureConstant(ctx context.Context, t *testctx.T) {
	recordCtx := ioctx.ClockToContext(ctx, func() time.Time { return time.Unix(1700000000, 0) })
	st := newTestState(recordCtx, t, Options{Mode: ModeRecord})
	v, err := evalSrc(recordCtx, st, "[ builtins.currentTime __currentTime ]")
	require.NoError(t, err)
	require.Equal(t, "[ 1700000000 1700000000 ]", render(recordCtx, t, st, v))

	a, err := st.FinalizeRecording(ctx, nil)
	require.NoError(t, err)
	require.Len(t, a.Entries, 1)
	require.Equal(t, "__currentTime", a.Entries[0].Op)

	playback := newTestState(ctx, t, Options{Mode: ModePlayback, Recording: a})
	v, err = evalSrc(ctx, playback, "builtins.currentTime")
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), v.Int())
}

func (RecordingSuite) TestRecordingRequiresPlaybackMode(ctx context.Context, t *testctx.T) {
	_, err := NewEvalState(ctx, Options{
		Mode:      ModeNormal,
		Recording: &RecordingArtifact{Version: RecordingVersion},
	})
	require.ErrorContains(t, err, "a recording can only be replayed in playback modes, not normal")
}

func (RecordingSuite) TestVersionMismatch(ctx context.Context, t *testctx.T) {
	data, err := (&RecordingArtifact{Version: RecordingVersion + 1}).Marshal()
	require.NoError(t, err)
	_, err = UnmarshalRecording(data)
	require.Error(t, err)
}

func (RecordingSuite) TestCanonicalEncoding(ctx context.Context, t *testctx.T) {
	calls := 0
	src := `{ b = impureOp "b"; a = impureOp 1; }`
	_, one := record(ctx, t, src, impureOp(&calls))
	_, two := record(ctx, t, src, impureOp(&calls))

	d1, err := one.Marshal()
	require.NoError(t, err)
	d2, err := two.Marshal()
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func (RecordingSuite) TestParameterValue(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{})
	v, err := evalSrc(ctx, st, `{ b = [ 1 "x\n" 1.5 true ]; a = null; f = x: x; p = /tmp; }`)
	require.NoError(t, err)
	require.Equal(t, `{ a = null; b = [ 1 "x\n" 1.5 true ]; f = <LAMBDA>; p = /tmp; }`, render(ctx, t, st, v))
}

func (RecordingSuite) TestWriteRecordingIntoStore(ctx context.Context, t *testctx.T) {
	s, err := store.Open(ctx, store.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()

	calls := 0
	st := newTestState(ctx, t, Options{Mode: ModeRecord, Store: s, Builtins: []BuiltinDef{impureOp(&calls)}})
	v, err := evalSrc(ctx, st, "impureOp 3")
	require.NoError(t, err)

	path, err := st.WriteRecordingIntoStore(ctx, v, true)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, "-recording.cbor"))

	a, err := ReadRecording(path)
	require.NoError(t, err)
	require.Len(t, a.Entries, 1)
	require.Equal(t, "126", a.Result.String())
}

func TestRecordingDump(t *testing.T) {
	ctx := context.Background()
	calls := 0
	st, err := NewEvalState(ctx, Options{Mode: ModeRecord, Builtins: []BuiltinDef{impureOp(&calls)}})
	require.NoError(t, err)

	v, err := evalSrc(ctx, st, `[ (impureOp 1) (impureOp "a") { x = impureOp 2; } ]`)
	require.NoError(t, err)

	a, err := st.FinalizeRecording(ctx, v)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.Dump(&buf))
	golden.Assert(t, buf.String(), "recording.golden")
}

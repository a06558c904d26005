package thunk

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// RecordKey identifies an impure call: the builtin's name and the rendered
// values of its masked arguments, in position order.
type RecordKey struct {
	Op   string
	Args []string
}

// String renders the key as a call, e.g. readFile("/etc/hosts", ).
func (k RecordKey) String() string {
	var sb strings.Builder
	sb.WriteString(k.Op)
	sb.WriteString("(")
	for _, arg := range k.Args {
		sb.WriteString(arg)
		sb.WriteString(", ")
	}
	sb.WriteString(")")
	return sb.String()
}

// id is an unambiguous map key: every component is length-prefixed.
func (k RecordKey) id() string {
	var sb strings.Builder
	writeLenPrefixed(&sb, k.Op)
	sb.WriteString(strconv.Itoa(len(k.Args)))
	sb.WriteByte('#')
	for _, arg := range k.Args {
		writeLenPrefixed(&sb, arg)
	}
	return sb.String()
}

func writeLenPrefixed(sb *strings.Builder, s string) {
	sb.WriteString(strconv.Itoa(len(s)))
	sb.WriteByte(':')
	sb.WriteString(s)
}

func compareKeys(a, b RecordKey) int {
	if c := strings.Compare(a.Op, b.Op); c != 0 {
		return c
	}
	return slices.Compare(a.Args, b.Args)
}

// Recording maps impure calls to their results. Writes always replace the
// previous result for a key.
type Recording struct {
	entries map[string]recordEntry
}

type recordEntry struct {
	key   RecordKey
	value *Value
}

func NewRecording() *Recording {
	return &Recording{entries: map[string]recordEntry{}}
}

// Set stores a copy of v under key.
func (r *Recording) Set(key RecordKey, v *Value) {
	stored := *v
	r.entries[key.id()] = recordEntry{
		key:   RecordKey{Op: key.Op, Args: slices.Clone(key.Args)},
		value: &stored,
	}
}

func (r *Recording) Lookup(key RecordKey) (*Value, bool) {
	e, ok := r.entries[key.id()]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func (r *Recording) Len() int { return len(r.entries) }

// Keys returns every recorded key in a deterministic order.
func (r *Recording) Keys() []RecordKey {
	keys := make([]RecordKey, 0, len(r.entries))
	for _, e := range r.entries {
		keys = append(keys, e.key)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

// Recording returns the session's recording table.
func (st *EvalState) Recording() *Recording { return st.recording }

// RecordingVersion is the version of the artifact format written by
// FinalizeRecording.
const RecordingVersion = 1

// RecordingArtifact is the self-contained, serializable form of a
// recording.
type RecordingArtifact struct {
	Version int                  `cbor:"1,keyasint"`
	Entries []ArtifactEntry      `cbor:"2,keyasint"`
	Sources []SourceSubstitution `cbor:"3,keyasint,omitempty"`
	Result  *WireValue           `cbor:"4,keyasint,omitempty"`
}

type ArtifactEntry struct {
	Op    string     `cbor:"1,keyasint"`
	Args  []string   `cbor:"2,keyasint"`
	Value *WireValue `cbor:"3,keyasint"`
}

// SourceSubstitution maps a source path to the store path it was copied
// to when the recording was made.
type SourceSubstitution struct {
	Source    string `cbor:"1,keyasint"`
	StorePath string `cbor:"2,keyasint"`
}

// WireValue is the encoded form of a fully forced value. Functions cannot
// be encoded.
type WireValue struct {
	Kind    Kind         `cbor:"1,keyasint"`
	Int     int64        `cbor:"2,keyasint"`
	Float   float64      `cbor:"3,keyasint"`
	Bool    bool         `cbor:"4,keyasint"`
	Str     string       `cbor:"5,keyasint,omitempty"`
	Context []string     `cbor:"6,keyasint,omitempty"`
	List    []*WireValue `cbor:"7,keyasint,omitempty"`
	Attrs   []WireAttr   `cbor:"8,keyasint,omitempty"`
}

type WireAttr struct {
	Name  string     `cbor:"1,keyasint"`
	Value *WireValue `cbor:"2,keyasint"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("thunk: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal encodes the artifact deterministically.
func (a *RecordingArtifact) Marshal() ([]byte, error) {
	return cborEncMode.Marshal(a)
}

func UnmarshalRecording(data []byte) (*RecordingArtifact, error) {
	var a RecordingArtifact
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("unmarshal recording: %w", err)
	}
	if a.Version != RecordingVersion {
		return nil, fmt.Errorf("unsupported recording version %d (expected %d)", a.Version, RecordingVersion)
	}
	return &a, nil
}

// ReadRecording loads an artifact from a file.
func ReadRecording(path string) (*RecordingArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	return UnmarshalRecording(data)
}

func toWire(v *Value, active map[*Value]bool) (*WireValue, error) {
	if active[v] {
		return nil, fmt.Errorf("cannot record a cyclic value")
	}

	w := &WireValue{Kind: v.kind}
	switch v.kind {
	case KindInt:
		w.Int = v.i
	case KindFloat:
		w.Float = v.f
	case KindBool:
		w.Bool = v.b
	case KindNull:
	case KindString:
		w.Str = v.s
		w.Context = v.ctx.Sorted()
	case KindPath:
		w.Str = v.s
	case KindList:
		active[v] = true
		defer delete(active, v)
		w.List = make([]*WireValue, len(v.list))
		for i, elem := range v.list {
			ew, err := toWire(elem, active)
			if err != nil {
				return nil, err
			}
			w.List[i] = ew
		}
	case KindAttrs:
		active[v] = true
		defer delete(active, v)
		for _, a := range v.attrs.All() {
			aw, err := toWire(a.Value, active)
			if err != nil {
				return nil, fmt.Errorf("attribute '%s': %w", a.Name, err)
			}
			w.Attrs = append(w.Attrs, WireAttr{Name: a.Name, Value: aw})
		}
	default:
		return nil, fmt.Errorf("cannot record %s", ShowType(v))
	}
	return w, nil
}

func (st *EvalState) fromWire(w *WireValue) (*Value, error) {
	v := st.allocValue()
	if w == nil {
		v.MkNull()
		return v, nil
	}
	switch w.Kind {
	case KindInt:
		v.MkInt(w.Int)
	case KindFloat:
		v.MkFloat(w.Float)
	case KindBool:
		v.MkBool(w.Bool)
	case KindNull:
		v.MkNull()
	case KindString:
		v.MkString(w.Str, NewPathSet(w.Context...))
	case KindPath:
		v.MkPath(w.Str)
	case KindList:
		st.MkList(v, len(w.List))
		for i, ew := range w.List {
			elem, err := st.fromWire(ew)
			if err != nil {
				return nil, err
			}
			v.list[i] = elem
		}
	case KindAttrs:
		st.MkAttrs(v, len(w.Attrs))
		for _, a := range w.Attrs {
			av, err := st.fromWire(a.Value)
			if err != nil {
				return nil, err
			}
			v.attrs.Push(Attr{Name: a.Name, Value: av})
		}
		v.attrs.Sort()
	default:
		return nil, fmt.Errorf("cannot decode recorded value of kind %d", w.Kind)
	}
	return v, nil
}

// FinalizeRecording captures the recording table, the source
// substitutions and optionally the top-level result as an artifact.
func (st *EvalState) FinalizeRecording(ctx context.Context, result *Value) (*RecordingArtifact, error) {
	a := &RecordingArtifact{Version: RecordingVersion}

	for _, key := range st.recording.Keys() {
		v, _ := st.recording.Lookup(key)
		w, err := toWire(v, map[*Value]bool{})
		if err != nil {
			return nil, fmt.Errorf("finalize %s: %w", key, err)
		}
		a.Entries = append(a.Entries, ArtifactEntry{Op: key.Op, Args: key.Args, Value: w})
	}

	sources := map[string]string{}
	for src, dst := range st.srcToStoreForPlayback {
		sources[src] = dst
	}
	for src, dst := range st.srcToStore {
		sources[src] = dst
	}
	for src, dst := range sources {
		a.Sources = append(a.Sources, SourceSubstitution{Source: src, StorePath: dst})
	}
	sort.Slice(a.Sources, func(i, j int) bool {
		return a.Sources[i].Source < a.Sources[j].Source
	})

	if result != nil {
		if err := st.ForceValueDeep(ctx, result); err != nil {
			return nil, err
		}
		w, err := toWire(result, map[*Value]bool{})
		if err != nil {
			return nil, fmt.Errorf("finalize result: %w", err)
		}
		a.Result = w
	}

	slog.Debug("finalized recording", "entries", len(a.Entries), "sources", len(a.Sources))
	return a, nil
}

// WriteRecordingIntoStore persists the finalized recording as a text object
// referencing every substituted source and returns its store path. With
// build set the object and its references are realized as well.
func (st *EvalState) WriteRecordingIntoStore(ctx context.Context, result *Value, build bool) (string, error) {
	if st.store == nil {
		return "", newError(ErrStore, nil, "cannot write recording: no store configured")
	}

	a, err := st.FinalizeRecording(ctx, result)
	if err != nil {
		return "", err
	}
	data, err := a.Marshal()
	if err != nil {
		return "", fmt.Errorf("encode recording: %w", err)
	}

	refs := make([]string, 0, len(a.Sources))
	for _, s := range a.Sources {
		refs = append(refs, s.StorePath)
	}

	path, err := st.store.AddTextToStore(ctx, "recording.cbor", string(data), refs)
	if err != nil {
		return "", newError(ErrStore, nil, "writing recording into the store: %s", err)
	}

	if build {
		if err := st.store.Realize(ctx, append([]string{path}, refs...)); err != nil {
			return "", newError(ErrStore, nil, "realizing recording: %s", err)
		}
	}

	slog.Debug("wrote recording", "path", path, "entries", len(a.Entries))
	return path, nil
}

// LoadRecording installs an artifact's entries and source substitutions
// for playback.
func (st *EvalState) LoadRecording(a *RecordingArtifact) error {
	if a.Version != RecordingVersion {
		return fmt.Errorf("unsupported recording version %d (expected %d)", a.Version, RecordingVersion)
	}
	for _, e := range a.Entries {
		v, err := st.fromWire(e.Value)
		if err != nil {
			return fmt.Errorf("load %s: %w", RecordKey{Op: e.Op, Args: e.Args}, err)
		}
		st.recording.Set(RecordKey{Op: e.Op, Args: e.Args}, v)
	}
	st.AddPlaybackSubstitutions(a)
	slog.Debug("loaded recording", "entries", len(a.Entries), "sources", len(a.Sources))
	return nil
}

// AddPlaybackSubstitutions registers the artifact's source substitutions.
func (st *EvalState) AddPlaybackSubstitutions(a *RecordingArtifact) {
	for _, s := range a.Sources {
		st.AddPlaybackSource(s.Source, s.StorePath)
	}
}

// AddPlaybackSource makes copies of from resolve to the store path to in
// playback modes, without reading from.
func (st *EvalState) AddPlaybackSource(from, to string) {
	st.srcToStoreForPlayback[canonPath(from)] = to
}

// Dump writes a human-readable listing of the artifact.
func (a *RecordingArtifact) Dump(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "version %d\n", a.Version); err != nil {
		return err
	}
	for _, e := range a.Entries {
		key := RecordKey{Op: e.Op, Args: e.Args}
		if _, err := fmt.Fprintf(w, "call %s = %s\n", key, e.Value); err != nil {
			return err
		}
	}
	for _, s := range a.Sources {
		if _, err := fmt.Fprintf(w, "source %s -> %s\n", s.Source, s.StorePath); err != nil {
			return err
		}
	}
	if a.Result != nil {
		if _, err := fmt.Fprintf(w, "result %s\n", a.Result); err != nil {
			return err
		}
	}
	return nil
}

// String renders the value the way ParameterValue renders arguments.
func (w *WireValue) String() string {
	if w == nil {
		return "null"
	}
	switch w.Kind {
	case KindInt:
		return strconv.FormatInt(w.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(w.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(w.Bool)
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(w.Str)
	case KindPath:
		return w.Str
	case KindList:
		var sb strings.Builder
		sb.WriteString("[ ")
		for _, elem := range w.List {
			sb.WriteString(elem.String())
			sb.WriteString(" ")
		}
		sb.WriteString("]")
		return sb.String()
	case KindAttrs:
		var sb strings.Builder
		sb.WriteString("{ ")
		for _, a := range w.Attrs {
			sb.WriteString(a.Name)
			sb.WriteString(" = ")
			sb.WriteString(a.Value.String())
			sb.WriteString("; ")
		}
		sb.WriteString("}")
		return sb.String()
	}
	return fmt.Sprintf("<kind %d>", w.Kind)
}

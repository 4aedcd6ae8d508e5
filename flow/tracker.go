package flow

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/gomlx/lanes/ad"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/types/handles"
)

var leafType = reflect.TypeOf((*Leaf)(nil)).Elem()

// visit walks a state value in a fixed, deterministic order, calling fn once
// per leaf. Containers already being visited (reference cycles) are not
// entered again, which bounds recursion to the structure's real depth.
func visit(path string, v reflect.Value, visited map[uintptr]bool, fn func(path string, leaf Leaf)) {
	if !v.IsValid() {
		return
	}
	if v.CanInterface() && v.Type().Implements(leafType) {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return
		}
		fn(path, v.Interface().(Leaf))
		return
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		visit(path, v.Elem(), visited, fn)
	case reflect.Ptr:
		if v.IsNil() || visited[v.Pointer()] {
			return
		}
		visited[v.Pointer()] = true
		defer delete(visited, v.Pointer())
		visit(path, v.Elem(), visited, fn)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Len() > 0 {
			p := v.Pointer()
			if visited[p] {
				return
			}
			visited[p] = true
			defer delete(visited, p)
		}
		for i := 0; i < v.Len(); i++ {
			visit(fmt.Sprintf("%s[%d]", path, i), v.Index(i), visited, fn)
		}
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String || v.IsNil() || visited[v.Pointer()] {
			return
		}
		visited[v.Pointer()] = true
		defer delete(visited, v.Pointer())
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		for _, k := range keys {
			kv := reflect.ValueOf(k).Convert(v.Type().Key())
			visit(fmt.Sprintf("%s['%s']", path, k), v.MapIndex(kv), visited, fn)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			visit(path+"."+f.Name, v.Field(i), visited, fn)
		}
	}
}

// visitState is visit with the root naming convention: slice/array roots
// name their elements arg0, arg1, ...; a bare leaf root is arg0; map roots
// are named state['key'], struct roots .Field.
func visitState(state any, fn func(path string, leaf Leaf)) {
	visited := make(map[uintptr]bool)
	v := reflect.ValueOf(state)
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() {
		return
	}
	if v.CanInterface() && v.Type().Implements(leafType) {
		visit("arg0", v, visited, fn)
		return
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			visit(fmt.Sprintf("arg%d", i), v.Index(i), visited, fn)
		}
	case reflect.Map:
		visit("state", v, visited, fn)
	default:
		visit("", v, visited, fn)
	}
}

// rebuild mirrors visit, producing a new state value with every leaf
// replaced by next's result. Cyclic references are carried over untouched.
func rebuild(path string, v reflect.Value, visited map[uintptr]bool, next func(path string, leaf Leaf) Leaf) reflect.Value {
	if !v.IsValid() {
		return v
	}
	if v.CanInterface() && v.Type().Implements(leafType) {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return v
		}
		return reflect.ValueOf(next(path, v.Interface().(Leaf)))
	}
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		return rebuild(path, v.Elem(), visited, next)
	case reflect.Ptr:
		if v.IsNil() || visited[v.Pointer()] {
			return v
		}
		visited[v.Pointer()] = true
		defer delete(visited, v.Pointer())
		np := reflect.New(v.Type().Elem())
		np.Elem().Set(rebuild(path, v.Elem(), visited, next))
		return np
	case reflect.Slice:
		if v.Len() > 0 {
			p := v.Pointer()
			if visited[p] {
				return v
			}
			visited[p] = true
			defer delete(visited, p)
		}
		ns := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			ns.Index(i).Set(rebuild(fmt.Sprintf("%s[%d]", path, i), v.Index(i), visited, next))
		}
		return ns
	case reflect.Array:
		na := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			na.Index(i).Set(rebuild(fmt.Sprintf("%s[%d]", path, i), v.Index(i), visited, next))
		}
		return na
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String || v.IsNil() || visited[v.Pointer()] {
			return v
		}
		visited[v.Pointer()] = true
		defer delete(visited, v.Pointer())
		nm := reflect.MakeMapWithSize(v.Type(), v.Len())
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		for _, k := range keys {
			kv := reflect.ValueOf(k).Convert(v.Type().Key())
			nm.SetMapIndex(kv, rebuild(fmt.Sprintf("%s['%s']", path, k), v.MapIndex(kv), visited, next))
		}
		return nm
	case reflect.Struct:
		ns := reflect.New(v.Type()).Elem()
		ns.Set(v) // carries unexported fields over
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			ns.Field(i).Set(rebuild(path+"."+f.Name, v.Field(i), visited, next))
		}
		return ns
	}
	return v
}

// rebuildState is rebuild with visitState's root naming convention.
func rebuildState(state any, next func(path string, leaf Leaf) Leaf) any {
	visited := make(map[uintptr]bool)
	v := reflect.ValueOf(state)
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() {
		return state
	}
	if v.CanInterface() && v.Type().Implements(leafType) {
		return rebuild("arg0", v, visited, next).Interface()
	}
	switch v.Kind() {
	case reflect.Slice:
		ns := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			ns.Index(i).Set(rebuild(fmt.Sprintf("arg%d", i), v.Index(i), visited, next))
		}
		return ns.Interface()
	case reflect.Array:
		na := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			na.Index(i).Set(rebuild(fmt.Sprintf("arg%d", i), v.Index(i), visited, next))
		}
		return na.Interface()
	case reflect.Map:
		return rebuild("state", v, visited, next).Interface()
	default:
		return rebuild("", v, visited, next).Interface()
	}
}

type leafInfo struct {
	path string
	typ  reflect.Type
	size int
}

// tracker maps user state to and from flat handle sequences, snapshotting a
// (path, type) schema on the first traversal and enforcing it on every later
// one: the body of a loop or branch is not allowed to change the shape of
// its own state. Lane counts may only change through broadcasts (N to M
// needs N==1 or M==1).
type tracker struct {
	construct, name string
	backend         backends.Backend
	tape            *ad.Tape

	schema     []leafInfo
	haveSchema bool
	loopSize   int
}

func newTracker(construct, name string, backend backends.Backend, tape *ad.Tape) *tracker {
	return &tracker{construct: construct, name: name, backend: backend, tape: tape}
}

// Read collects one handle per leaf (one new data reference each; the
// construct's merge operates on the data level, since blended handles carry
// no AD node of their own) and validates the schema.
func (tk *tracker) Read(state any) []handles.Handle {
	var infos []leafInfo
	var hs []handles.Handle
	visitState(state, func(path string, leaf Leaf) {
		b := leaf.LeafBackend()
		if b != tk.backend {
			coreerrors.Panicf(coreerrors.KindBackendMismatch, tk.construct, tk.name,
				"state leaf %s is bound to backend %q, the construct to %q",
				path, b.Name(), tk.backend.Name())
		}
		h := leaf.LeafHandle()
		size := 0
		if !h.IsNull() {
			size = b.Size(backends.VarId(h.Data()))
			b.IncRef(backends.VarId(h.Data()))
			if tk.tape != nil {
				// Tracked state read inside an isolation boundary is an
				// implicit dependency of the surrounding call.
				tk.tape.CheckImplicit(h)
			}
		}
		infos = append(infos, leafInfo{path: path, typ: reflect.TypeOf(leaf), size: size})
		hs = append(hs, h.Detached())
	})
	tk.validate(infos)
	return hs
}

func (tk *tracker) validate(infos []leafInfo) {
	if !tk.haveSchema {
		tk.schema = infos
		tk.haveSchema = true
		for _, info := range infos {
			tk.noteSize(info.path, info.size)
		}
		return
	}
	if len(infos) != len(tk.schema) {
		coreerrors.Panicf(coreerrors.KindShapeMismatch, tk.construct, tk.name,
			"state has %d leaves, expected %d", len(infos), len(tk.schema))
	}
	for i, info := range infos {
		want := &tk.schema[i]
		if info.path != want.path {
			coreerrors.Panicf(coreerrors.KindShapeMismatch, tk.construct, tk.name,
				"state leaf %d renamed or reordered: %s, expected %s", i, info.path, want.path)
		}
		if info.typ != want.typ {
			coreerrors.Panicf(coreerrors.KindShapeMismatch, tk.construct, tk.name,
				"state leaf %s changed type from %s to %s", info.path, want.typ, info.typ)
		}
		if info.size != want.size && info.size != 1 && want.size != 1 {
			coreerrors.Panicf(coreerrors.KindShapeMismatch, tk.construct, tk.name,
				"state leaf %s changed lane count from %d to %d (only broadcasts from or to 1 lane are allowed)",
				want.path, want.size, info.size)
		}
		if info.size > want.size {
			want.size = info.size
		}
		tk.noteSize(info.path, info.size)
	}
}

// noteSize folds a lane count into the working loop size.
func (tk *tracker) noteSize(what string, size int) {
	switch {
	case size <= 1 || tk.loopSize == size:
	case tk.loopSize <= 1:
		tk.loopSize = size
	default:
		coreerrors.Panicf(coreerrors.KindShapeMismatch, tk.construct, tk.name,
			"%s has %d lanes, incompatible with the working size %d", what, size, tk.loopSize)
	}
}

// Write rebuilds state with each leaf bound to the next handle of hs
// (stealing the references), consuming hs exactly.
func (tk *tracker) Write(state any, hs []handles.Handle) any {
	i := 0
	out := rebuildState(state, func(path string, leaf Leaf) Leaf {
		if i >= len(hs) {
			coreerrors.Panicf(coreerrors.KindShapeMismatch, tk.construct, tk.name,
				"state has more leaves than the %d handles provided (first extra: %s)", len(hs), path)
		}
		h := hs[i]
		i++
		return leaf.WithLeafHandle(h)
	})
	if i != len(hs) {
		coreerrors.Panicf(coreerrors.KindShapeMismatch, tk.construct, tk.name,
			"%d handles provided but the state consumed only %d", len(hs), i)
	}
	return out
}

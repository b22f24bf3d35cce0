package server

import (
	"context"
	"reflect"

	"github.com/juju/errors"

	"rpcore/closure"
)

// Method describes one callable method of a MethodTable.
type Method struct {
	Name         string
	RequestType  reflect.Type
	ResponseType reflect.Type

	// Impl is private to the table that created the Method.
	Impl any
}

// MethodTable resolves method names and runs calls for one service.
type MethodTable interface {
	FullName() string
	FindMethod(name string) (*Method, bool)
	// NewRequest and NewResponse return fresh values for one call, usually
	// pointers to zero values of the method's types.
	NewRequest(m *Method) any
	NewResponse(m *Method) any
	// CallMethod runs m. It must arrange for done to be run exactly once,
	// before or after it returns.
	CallMethod(ctx context.Context, m *Method, req, resp any, done *closure.Closure)
}

type methodKind int

const (
	// M(args *A, reply *R) error
	kindSync methodKind = iota
	// M(ctx context.Context, args *A, reply *R) error
	kindSyncContext
	// M(ctx context.Context, args *A, reply *R, done *closure.Closure)
	kindAsync
)

type reflectMethod struct {
	method reflect.Method
	kind   methodKind
}

// ReflectTable is a MethodTable over the exported methods of a struct
// pointer.
type ReflectTable struct {
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]*Method
}

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
	closureType = reflect.TypeFor[*closure.Closure]()
)

// NewReflectTable scans rcvr for methods of the three supported shapes.
// An empty name defaults to the receiver's type name.
func NewReflectTable(name string, rcvr any) (*ReflectTable, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, errors.NotValidf("receiver %T: not a pointer", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.NotValidf("receiver %T: not a pointer to a struct", rcvr)
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	t := &ReflectTable{
		name:    name,
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
		methods: make(map[string]*Method),
	}
	t.registerMethods()
	if len(t.methods) == 0 {
		return nil, errors.NotValidf("receiver %T: no exported methods of suitable type", rcvr)
	}
	return t, nil
}

// registerMethods keeps the exported methods whose signature is one of the
// supported shapes and skips the rest.
func (t *ReflectTable) registerMethods() {
	for i := 0; i < t.typ.NumMethod(); i++ {
		method := t.typ.Method(i)
		mtype := method.Type
		in := make([]reflect.Type, 0, mtype.NumIn()-1)
		for j := 1; j < mtype.NumIn(); j++ {
			in = append(in, mtype.In(j))
		}

		var kind methodKind
		switch {
		case len(in) == 2 && returnsError(mtype):
			kind = kindSync
		case len(in) == 3 && in[0] == contextType && returnsError(mtype):
			kind = kindSyncContext
			in = in[1:]
		case len(in) == 4 && in[0] == contextType && in[3] == closureType && mtype.NumOut() == 0:
			kind = kindAsync
			in = in[1:3]
		default:
			logger.Tracef("%s.%s: unsupported signature %v", t.name, method.Name, mtype)
			continue
		}
		if in[0].Kind() != reflect.Ptr || in[1].Kind() != reflect.Ptr {
			continue
		}
		t.methods[method.Name] = &Method{
			Name:         method.Name,
			RequestType:  in[0].Elem(),
			ResponseType: in[1].Elem(),
			Impl:         &reflectMethod{method: method, kind: kind},
		}
	}
}

func returnsError(mtype reflect.Type) bool {
	return mtype.NumOut() == 1 && mtype.Out(0) == errorType
}

func (t *ReflectTable) FullName() string {
	return t.name
}

func (t *ReflectTable) FindMethod(name string) (*Method, bool) {
	m, ok := t.methods[name]
	return m, ok
}

func (t *ReflectTable) NewRequest(m *Method) any {
	return reflect.New(m.RequestType).Interface()
}

func (t *ReflectTable) NewResponse(m *Method) any {
	return reflect.New(m.ResponseType).Interface()
}

// CallMethod calls the method through reflection. Sync methods complete the
// call with their returned error as soon as they return.
func (t *ReflectTable) CallMethod(ctx context.Context, m *Method, req, resp any, done *closure.Closure) {
	rm := m.Impl.(*reflectMethod)
	argv := reflect.ValueOf(req)
	if argv.Type() != reflect.PointerTo(m.RequestType) {
		done.Run(errors.Errorf("%s.%s: request is %T, want *%v", t.name, m.Name, req, m.RequestType))
		return
	}
	replyv := reflect.ValueOf(resp)

	switch rm.kind {
	case kindSync:
		results := rm.method.Func.Call([]reflect.Value{t.rcvr, argv, replyv})
		done.Run(errorResult(results[0]))
	case kindSyncContext:
		results := rm.method.Func.Call([]reflect.Value{t.rcvr, reflect.ValueOf(ctx), argv, replyv})
		done.Run(errorResult(results[0]))
	case kindAsync:
		rm.method.Func.Call([]reflect.Value{t.rcvr, reflect.ValueOf(ctx), argv, replyv, reflect.ValueOf(done)})
	}
}

func errorResult(v reflect.Value) error {
	if v.IsNil() {
		return nil
	}
	return v.Interface().(error)
}

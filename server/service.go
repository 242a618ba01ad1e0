package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"stream-rpc/dispatch"
)

// methodType is one exported method with an RPC signature:
//
//	func (s *T) Name(args *A, reply *R) error
//	func (s *T) Name(ctx context.Context, args *A, reply *R) error
type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// newService scans rcvr for RPC methods. The service is named after the
// struct type.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	svc := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("rpc: %s has no exported method of the form (args *A, reply *R) error", svc.name)
	}
	return svc, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		// In(0) is the receiver
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		args, reply := mt.In(first), mt.In(first+1)
		if args.Kind() != reflect.Ptr || reply.Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   args.Elem(),
			ReplyType: reply.Elem(),
		}
	}
}

func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	in := make([]reflect.Value, 0, 4)
	in = append(in, s.rcvr)
	if mType.withCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	in = append(in, argv, replyv)
	results := mType.method.Func.Call(in)
	if err := results[0].Interface(); err != nil {
		return err.(error)
	}
	return nil
}

// handler adapts one method to a unary dispatch handler with JSON payloads.
func (s *service) handler(mType *methodType) dispatch.Handler {
	return dispatch.Handler{
		Kind: dispatch.KindUnary,
		Unary: func(ctx context.Context, payload []byte) ([]byte, error) {
			argv := reflect.New(mType.ArgType)
			if len(payload) > 0 {
				if err := json.Unmarshal(payload, argv.Interface()); err != nil {
					return nil, fmt.Errorf("decode %s: %w", mType.ArgType, err)
				}
			}
			replyv := reflect.New(mType.ReplyType)
			if err := s.call(ctx, mType, argv, replyv); err != nil {
				return nil, err
			}
			return json.Marshal(replyv.Interface())
		},
	}
}

package actor

import (
	"reflect"
	"strings"
)

type msgTyper interface{ MessageType() string }

// MsgTypeFor returns the message type name for T: MessageType() if
// implemented, otherwise the short Go type name.
func MsgTypeFor[T any]() string {
	var z T
	if mt, ok := any(z).(msgTyper); ok {
		return mt.MessageType()
	}
	return shortTypeName(reflect.TypeFor[T]())
}

// MsgTypeOf returns the message type name for the dynamic type of x.
func MsgTypeOf(x any) string {
	if mt, ok := x.(msgTyper); ok {
		return mt.MessageType()
	}
	return shortTypeName(reflect.TypeOf(x))
}

func shortTypeName(t reflect.Type) string {
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	name := t.Name()
	// strip type parameters, e.g. "Counter[int]" -> "Counter"
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i]
	}
	return name
}

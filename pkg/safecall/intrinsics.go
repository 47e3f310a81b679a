package safecall

import "fmt"

// Boxed represents a boxed java.lang.Integer or java.lang.Long.
type Boxed struct {
	ClassName string
	Value     int64
}

// HashMap represents a java.util.HashMap observed or created during an
// evaluation.
type HashMap struct {
	Data map[any]any
}

// NewHashMap creates an empty HashMap.
func NewHashMap() *HashMap {
	return &HashMap{Data: make(map[any]any)}
}

func mapKey(v Value) any {
	if b, ok := v.Ref.(*Boxed); ok {
		return b.Value
	}
	if v.Type == TypeInt || v.Type == TypeLong {
		return v.Int
	}
	return v.Ref
}

type intrinsicFunc func(c *Caller, recv Value, args []Value) (Value, error)

func intrinsicKey(className, methodName, descriptor string) string {
	return className + "." + methodName + ":" + descriptor
}

// intrinsics are callees executed in Go instead of being interpreted.
// Everything here is read-only except HashMap.put, which carries the
// same taint restriction as a field write.
var intrinsics = map[string]intrinsicFunc{
	"java/lang/Integer.valueOf:(I)Ljava/lang/Integer;": func(c *Caller, _ Value, args []Value) (Value, error) {
		b := &Boxed{ClassName: "java/lang/Integer", Value: args[0].Int}
		c.markCreated(b)
		return RefValue(b), nil
	},
	"java/lang/Integer.intValue:()I": func(_ *Caller, recv Value, _ []Value) (Value, error) {
		b, ok := recv.Ref.(*Boxed)
		if !ok {
			return Value{}, fmt.Errorf("intValue: receiver is not a boxed integer")
		}
		return IntValue(int32(b.Value)), nil
	},
	"java/lang/Long.valueOf:(J)Ljava/lang/Long;": func(c *Caller, _ Value, args []Value) (Value, error) {
		b := &Boxed{ClassName: "java/lang/Long", Value: args[0].Int}
		c.markCreated(b)
		return RefValue(b), nil
	},
	"java/lang/Long.longValue:()J": func(_ *Caller, recv Value, _ []Value) (Value, error) {
		b, ok := recv.Ref.(*Boxed)
		if !ok {
			return Value{}, fmt.Errorf("longValue: receiver is not a boxed long")
		}
		return LongValue(b.Value), nil
	},

	"java/lang/Math.max:(II)I": func(_ *Caller, _ Value, args []Value) (Value, error) {
		return IntValue(int32(max(args[0].Int, args[1].Int))), nil
	},
	"java/lang/Math.min:(II)I": func(_ *Caller, _ Value, args []Value) (Value, error) {
		return IntValue(int32(min(args[0].Int, args[1].Int))), nil
	},
	"java/lang/Math.abs:(I)I": func(_ *Caller, _ Value, args []Value) (Value, error) {
		v := int32(args[0].Int)
		if v < 0 {
			v = -v
		}
		return IntValue(v), nil
	},

	"java/lang/String.length:()I": func(_ *Caller, recv Value, _ []Value) (Value, error) {
		s, err := stringRecv(recv)
		if err != nil {
			return Value{}, err
		}
		return IntValue(int32(len(s))), nil
	},
	"java/lang/String.isEmpty:()Z": func(_ *Caller, recv Value, _ []Value) (Value, error) {
		s, err := stringRecv(recv)
		if err != nil {
			return Value{}, err
		}
		return boolValue(len(s) == 0), nil
	},
	"java/lang/String.equals:(Ljava/lang/Object;)Z": func(_ *Caller, recv Value, args []Value) (Value, error) {
		s, err := stringRecv(recv)
		if err != nil {
			return Value{}, err
		}
		other, ok := args[0].Ref.(string)
		return boolValue(ok && s == other), nil
	},
	"java/lang/String.hashCode:()I": func(_ *Caller, recv Value, _ []Value) (Value, error) {
		s, err := stringRecv(recv)
		if err != nil {
			return Value{}, err
		}
		var h int32
		for _, b := range []byte(s) {
			h = 31*h + int32(b)
		}
		return IntValue(h), nil
	},

	"java/util/HashMap.<init>:()V": func(c *Caller, recv Value, _ []Value) (Value, error) {
		// allocation came through new, which already marked the object;
		// swap in a real map behind the reference
		obj, ok := recv.Ref.(*Object)
		if !ok || !c.createdHere(obj) {
			return Value{}, fmt.Errorf("%w: HashMap construction on pre-existing object", ErrSideEffect)
		}
		m := NewHashMap()
		c.markCreated(m)
		obj.Fields["__map"] = RefValue(m)
		return Value{}, nil
	},
	"java/util/HashMap.get:(Ljava/lang/Object;)Ljava/lang/Object;": func(_ *Caller, recv Value, args []Value) (Value, error) {
		m, err := hashMapRecv(recv)
		if err != nil {
			return Value{}, err
		}
		v, ok := m.Data[mapKey(args[0])]
		if !ok {
			return NullValue(), nil
		}
		return RefValue(v), nil
	},
	"java/util/HashMap.size:()I": func(_ *Caller, recv Value, _ []Value) (Value, error) {
		m, err := hashMapRecv(recv)
		if err != nil {
			return Value{}, err
		}
		return IntValue(int32(len(m.Data))), nil
	},
	"java/util/HashMap.containsKey:(Ljava/lang/Object;)Z": func(_ *Caller, recv Value, args []Value) (Value, error) {
		m, err := hashMapRecv(recv)
		if err != nil {
			return Value{}, err
		}
		_, ok := m.Data[mapKey(args[0])]
		return boolValue(ok), nil
	},
	"java/util/HashMap.put:(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;": func(c *Caller, recv Value, args []Value) (Value, error) {
		m, err := hashMapRecv(recv)
		if err != nil {
			return Value{}, err
		}
		if !c.createdHere(m) {
			return Value{}, fmt.Errorf("%w: put into pre-existing map", ErrSideEffect)
		}
		key := mapKey(args[0])
		old, had := m.Data[key]
		m.Data[key] = args[1].Ref
		if !had {
			return NullValue(), nil
		}
		return RefValue(old), nil
	},
}

func stringRecv(recv Value) (string, error) {
	s, ok := recv.Ref.(string)
	if !ok {
		return "", fmt.Errorf("safecall: receiver is not a string")
	}
	return s, nil
}

func hashMapRecv(recv Value) (*HashMap, error) {
	if m, ok := recv.Ref.(*HashMap); ok {
		return m, nil
	}
	if obj, ok := recv.Ref.(*Object); ok {
		if v, ok := obj.Fields["__map"]; ok {
			if m, ok := v.Ref.(*HashMap); ok {
				return m, nil
			}
		}
	}
	return nil, fmt.Errorf("safecall: receiver is not a map")
}

func boolValue(b bool) Value {
	if b {
		return IntValue(1)
	}
	return IntValue(0)
}

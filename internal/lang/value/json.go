package value

import "encoding/json"

// wireValue is the durable, order-preserving representation of a Value used
// in VM snapshots (workflow_execution_context.vm_state) and outbox records.
// Unlike ToJSON/FromJSON (which target arbitrary host JSON and cannot
// preserve Obj key order through a map[string]any round-trip), this format
// is Value-to-Value and is exact.
type wireValue struct {
	Kind   Kind           `json:"kind"`
	Bool   bool           `json:"bool,omitempty"`
	Num    float64        `json:"num,omitempty"`
	Str    string         `json:"str,omitempty"`
	List   []wireValue    `json:"list,omitempty"`
	Keys   []string       `json:"keys,omitempty"`
	Vals   []wireValue    `json:"vals,omitempty"`
	ErrVal *ErrorValue    `json:"err,omitempty"`
	Prom   *wireAwaitable `json:"promise,omitempty"`
	Native NativeFuncID   `json:"native,omitempty"`
}

type wireAwaitItem struct {
	Key       string        `json:"key"`
	Awaitable wireAwaitable `json:"awaitable"`
}

type wireAwaitable struct {
	Kind           AwaitableKind   `json:"kind"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	FireAtUnixNano int64           `json:"fire_at,omitempty"`
	SignalName     string          `json:"signal_name,omitempty"`
	ClaimID        string          `json:"claim_id,omitempty"`
	Items          []wireAwaitItem `json:"items,omitempty"`
	IsObject       bool            `json:"is_object,omitempty"`
}

func toWireAwaitable(a Awaitable) wireAwaitable {
	items := make([]wireAwaitItem, len(a.Items))
	for i, it := range a.Items {
		items[i] = wireAwaitItem{Key: it.Key, Awaitable: toWireAwaitable(it.Awaitable)}
	}
	return wireAwaitable{
		Kind:           a.Kind,
		ExecutionID:    a.ExecutionID,
		FireAtUnixNano: a.FireAtUnixNano,
		SignalName:     a.SignalName,
		ClaimID:        a.ClaimID,
		Items:          items,
		IsObject:       a.IsObject,
	}
}

func fromWireAwaitable(w wireAwaitable) Awaitable {
	items := make([]AwaitItem, len(w.Items))
	for i, it := range w.Items {
		items[i] = AwaitItem{Key: it.Key, Awaitable: fromWireAwaitable(it.Awaitable)}
	}
	return Awaitable{
		Kind:           w.Kind,
		ExecutionID:    w.ExecutionID,
		FireAtUnixNano: w.FireAtUnixNano,
		SignalName:     w.SignalName,
		ClaimID:        w.ClaimID,
		Items:          items,
		IsObject:       w.IsObject,
	}
}

func toWire(v Value) wireValue {
	w := wireValue{Kind: v.kind}
	switch v.kind {
	case KindBool:
		w.Bool = v.b
	case KindNum:
		w.Num = v.n
	case KindStr:
		w.Str = v.s
	case KindList:
		w.List = make([]wireValue, len(v.list))
		for i, item := range v.list {
			w.List[i] = toWire(item)
		}
	case KindObj:
		w.Keys = append([]string(nil), v.objKeys...)
		w.Vals = make([]wireValue, len(v.objVals))
		for i, val := range v.objVals {
			w.Vals[i] = toWire(val)
		}
	case KindError:
		w.ErrVal = v.errVal
	case KindPromise:
		wa := toWireAwaitable(*v.prom)
		w.Prom = &wa
	case KindNativeFunc:
		w.Native = v.native
	}
	return w
}

func fromWire(w wireValue) Value {
	switch w.Kind {
	case KindNull:
		return Null
	case KindBool:
		return Bool(w.Bool)
	case KindNum:
		return Num(w.Num)
	case KindStr:
		return Str(w.Str)
	case KindList:
		items := make([]Value, len(w.List))
		for i, item := range w.List {
			items[i] = fromWire(item)
		}
		return List(items)
	case KindObj:
		out := NewObj()
		for i, k := range w.Keys {
			out = out.Set(k, fromWire(w.Vals[i]))
		}
		return out
	case KindError:
		return Value{kind: KindError, errVal: w.ErrVal}
	case KindPromise:
		a := fromWireAwaitable(*w.Prom)
		return Prom(a)
	case KindNativeFunc:
		return Native(w.Native)
	default:
		return Null
	}
}

// MarshalJSON implements json.Marshaler, preserving Obj key order exactly.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(v))
}

// UnmarshalJSON implements json.Unmarshaler, restoring Obj key order exactly.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = fromWire(w)
	return nil
}

// MarshalJSON implements json.Marshaler for Awaitable.
func (a Awaitable) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWireAwaitable(a))
}

// UnmarshalJSON implements json.Unmarshaler for Awaitable.
func (a *Awaitable) UnmarshalJSON(data []byte) error {
	var w wireAwaitable
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*a = fromWireAwaitable(w)
	return nil
}

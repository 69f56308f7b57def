package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned by Unmarshal for frames that do not decode.
var ErrMalformed = errors.New("malformed command")

// Field numbers of the Command message.
const (
	fieldChannel = 1
	fieldRef     = 3

	fieldOpenChan     = 10
	fieldOpenChanRes  = 11
	fieldCloseChan    = 12
	fieldCloseChanRes = 13
	fieldPing         = 14
	fieldPong         = 15
	fieldError        = 16
	fieldInput        = 20
	fieldOutput       = 21
	fieldResizeTerm   = 22
	fieldState        = 23
	fieldPortOpen     = 24
	fieldRunMain      = 25
)

// Marshal encodes a command in protobuf wire format.
func Marshal(cmd Command) ([]byte, error) {
	var b []byte
	if cmd.Channel != 0 {
		b = appendInt(b, fieldChannel, int64(cmd.Channel))
	}
	if cmd.Ref != "" {
		b = appendString(b, fieldRef, cmd.Ref)
	}

	switch body := cmd.Body.(type) {
	case Input:
		b = appendOneofString(b, fieldInput, body.Data)
	case Output:
		b = appendOneofString(b, fieldOutput, body.Data)
	case ResizeTerm:
		var m []byte
		m = appendInt(m, 1, int64(body.Rows))
		m = appendInt(m, 2, int64(body.Cols))
		b = appendMessage(b, fieldResizeTerm, m)
	case State:
		b = protowire.AppendTag(b, fieldState, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(body.State)))
	case PortOpen:
		var m []byte
		if body.Forwarded {
			m = appendInt(m, 1, 1)
		}
		m = appendInt(m, 2, int64(body.Port))
		m = appendString(m, 3, body.Address)
		b = appendMessage(b, fieldPortOpen, m)
	case RunMain:
		b = appendMessage(b, fieldRunMain, nil)
	case OpenChan:
		var m []byte
		m = appendString(m, 1, body.Service)
		m = appendString(m, 2, body.Name)
		m = appendInt(m, 3, int64(body.Action))
		b = appendMessage(b, fieldOpenChan, m)
	case OpenChanRes:
		var m []byte
		m = appendInt(m, 1, int64(body.ID))
		m = appendInt(m, 2, int64(body.State))
		m = appendString(m, 3, body.Error)
		b = appendMessage(b, fieldOpenChanRes, m)
	case CloseChan:
		var m []byte
		m = appendInt(m, 1, int64(body.ID))
		m = appendInt(m, 2, int64(body.Action))
		b = appendMessage(b, fieldCloseChan, m)
	case CloseChanRes:
		var m []byte
		m = appendInt(m, 1, int64(body.ID))
		m = appendInt(m, 2, int64(body.Status))
		b = appendMessage(b, fieldCloseChanRes, m)
	case Ping:
		b = appendMessage(b, fieldPing, nil)
	case Pong:
		b = appendMessage(b, fieldPong, nil)
	case Error:
		b = appendOneofString(b, fieldError, body.Message)
	case nil:
		return nil, fmt.Errorf("marshal: command has no body")
	default:
		return nil, fmt.Errorf("marshal: unsupported body %T", body)
	}
	return b, nil
}

// Unmarshal decodes a command. Unknown fields are skipped; a frame without
// a body is malformed.
func Unmarshal(data []byte) (Command, error) {
	var cmd Command
	err := walk(data, func(num protowire.Number, typ protowire.Type, v field) error {
		var err error
		switch num {
		case fieldChannel:
			cmd.Channel, err = v.int32(typ)
		case fieldRef:
			cmd.Ref, err = v.string(typ)
		case fieldInput:
			var s string
			s, err = v.string(typ)
			cmd.Body = Input{Data: s}
		case fieldOutput:
			var s string
			s, err = v.string(typ)
			cmd.Body = Output{Data: s}
		case fieldError:
			var s string
			s, err = v.string(typ)
			cmd.Body = Error{Message: s}
		case fieldState:
			var n int32
			n, err = v.int32(typ)
			cmd.Body = State{State: RunState(n)}
		case fieldResizeTerm:
			var r ResizeTerm
			err = v.message(typ, func(num protowire.Number, typ protowire.Type, f field) error {
				switch num {
				case 1:
					return f.uint32(typ, &r.Rows)
				case 2:
					return f.uint32(typ, &r.Cols)
				}
				return nil
			})
			cmd.Body = r
		case fieldPortOpen:
			var p PortOpen
			err = v.message(typ, func(num protowire.Number, typ protowire.Type, f field) error {
				switch num {
				case 1:
					n, err := f.int32(typ)
					p.Forwarded = n != 0
					return err
				case 2:
					return f.uint32(typ, &p.Port)
				case 3:
					s, err := f.string(typ)
					p.Address = s
					return err
				}
				return nil
			})
			cmd.Body = p
		case fieldRunMain:
			err = v.message(typ, nil)
			cmd.Body = RunMain{}
		case fieldPing:
			err = v.message(typ, nil)
			cmd.Body = Ping{}
		case fieldPong:
			err = v.message(typ, nil)
			cmd.Body = Pong{}
		case fieldOpenChan:
			var o OpenChan
			err = v.message(typ, func(num protowire.Number, typ protowire.Type, f field) error {
				var err error
				switch num {
				case 1:
					o.Service, err = f.string(typ)
				case 2:
					o.Name, err = f.string(typ)
				case 3:
					var n int32
					n, err = f.int32(typ)
					o.Action = OpenAction(n)
				}
				return err
			})
			cmd.Body = o
		case fieldOpenChanRes:
			var o OpenChanRes
			err = v.message(typ, func(num protowire.Number, typ protowire.Type, f field) error {
				var err error
				switch num {
				case 1:
					o.ID, err = f.int32(typ)
				case 2:
					var n int32
					n, err = f.int32(typ)
					o.State = OpenState(n)
				case 3:
					o.Error, err = f.string(typ)
				}
				return err
			})
			cmd.Body = o
		case fieldCloseChan:
			var c CloseChan
			err = v.message(typ, func(num protowire.Number, typ protowire.Type, f field) error {
				var err error
				switch num {
				case 1:
					c.ID, err = f.int32(typ)
				case 2:
					var n int32
					n, err = f.int32(typ)
					c.Action = CloseAction(n)
				}
				return err
			})
			cmd.Body = c
		case fieldCloseChanRes:
			var c CloseChanRes
			err = v.message(typ, func(num protowire.Number, typ protowire.Type, f field) error {
				var err error
				switch num {
				case 1:
					c.ID, err = f.int32(typ)
				case 2:
					var n int32
					n, err = f.int32(typ)
					c.Status = CloseStatus(n)
				}
				return err
			})
			cmd.Body = c
		}
		return err
	})
	if err != nil {
		return Command{}, err
	}
	if cmd.Body == nil {
		return Command{}, fmt.Errorf("%w: no body", ErrMalformed)
	}
	return cmd, nil
}

// field is the raw, still-encoded value of one field.
type field []byte

func (f field) varint(typ protowire.Type) (uint64, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(f)
	if n < 0 {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, nil
}

// int32 accepts the sign-extended encoding of negative values and rejects
// anything outside the int32 range.
func (f field) int32(typ protowire.Type) (int32, error) {
	v, err := f.varint(typ)
	if err != nil {
		return 0, err
	}
	n := int64(v)
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d out of int32 range", ErrMalformed, n)
	}
	return int32(n), nil
}

func (f field) uint32(typ protowire.Type, dst *uint32) error {
	v, err := f.varint(typ)
	if err != nil {
		return err
	}
	if v > math.MaxUint32 {
		return fmt.Errorf("%w: %d out of uint32 range", ErrMalformed, v)
	}
	*dst = uint32(v)
	return nil
}

func (f field) string(typ protowire.Type) (string, error) {
	if typ != protowire.BytesType {
		return "", fmt.Errorf("%w: expected bytes, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeString(f)
	if n < 0 {
		return "", fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, nil
}

func (f field) message(typ protowire.Type, fn func(protowire.Number, protowire.Type, field) error) error {
	if typ != protowire.BytesType {
		return fmt.Errorf("%w: expected message, got wire type %d", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeBytes(f)
	if n < 0 {
		return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	if fn == nil {
		return walk(v, func(protowire.Number, protowire.Type, field) error { return nil })
	}
	return walk(v, fn)
}

// walk iterates the top-level fields of an encoded message. Each callback
// receives the field bytes starting at the value (after the tag).
func walk(b []byte, fn func(protowire.Number, protowire.Type, field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		if err := fn(num, typ, field(b[:m])); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendOneofString always writes the field so an empty string still
// selects the variant.
func appendOneofString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

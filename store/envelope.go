package store

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Envelope is the transaction data kept alongside a stored message.
type Envelope struct {
	ID       string    `msg:"id" json:"id"`
	From     string    `msg:"from" json:"from"`
	To       []string  `msg:"to" json:"to"`
	AuthID   string    `msg:"auth" json:"auth,omitempty"`
	Peer     string    `msg:"peer" json:"peer"`
	BodyType string    `msg:"body" json:"body,omitempty"`
	SMTPUTF8 bool      `msg:"utf8" json:"utf8,omitempty"`
	Size     int64     `msg:"size" json:"size"`
	Received time.Time `msg:"received" json:"received"`
}

var (
	_ msgp.Marshaler   = (*Envelope)(nil)
	_ msgp.Unmarshaler = (*Envelope)(nil)
	_ msgp.Sizer       = (*Envelope)(nil)
)

// MarshalMsg implements msgp.Marshaler
func (z *Envelope) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, 9)
	o = msgp.AppendString(o, "id")
	o = msgp.AppendString(o, z.ID)
	o = msgp.AppendString(o, "from")
	o = msgp.AppendString(o, z.From)
	o = msgp.AppendString(o, "to")
	o = msgp.AppendArrayHeader(o, uint32(len(z.To)))
	for _, to := range z.To {
		o = msgp.AppendString(o, to)
	}
	o = msgp.AppendString(o, "auth")
	o = msgp.AppendString(o, z.AuthID)
	o = msgp.AppendString(o, "peer")
	o = msgp.AppendString(o, z.Peer)
	o = msgp.AppendString(o, "body")
	o = msgp.AppendString(o, z.BodyType)
	o = msgp.AppendString(o, "utf8")
	o = msgp.AppendBool(o, z.SMTPUTF8)
	o = msgp.AppendString(o, "size")
	o = msgp.AppendInt64(o, z.Size)
	o = msgp.AppendString(o, "received")
	o = msgp.AppendTime(o, z.Received)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler
func (z *Envelope) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	var n uint32
	n, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		err = msgp.WrapError(err)
		return
	}
	for n > 0 {
		n--
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			err = msgp.WrapError(err)
			return
		}
		switch msgp.UnsafeString(field) {
		case "id":
			z.ID, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "ID")
				return
			}
		case "from":
			z.From, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "From")
				return
			}
		case "to":
			var sz uint32
			sz, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "To")
				return
			}
			if cap(z.To) >= int(sz) {
				z.To = z.To[:sz]
			} else {
				z.To = make([]string, sz)
			}
			for i := range z.To {
				z.To[i], bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					err = msgp.WrapError(err, "To", i)
					return
				}
			}
		case "auth":
			z.AuthID, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "AuthID")
				return
			}
		case "peer":
			z.Peer, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Peer")
				return
			}
		case "body":
			z.BodyType, bts, err = msgp.ReadStringBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "BodyType")
				return
			}
		case "utf8":
			z.SMTPUTF8, bts, err = msgp.ReadBoolBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "SMTPUTF8")
				return
			}
		case "size":
			z.Size, bts, err = msgp.ReadInt64Bytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Size")
				return
			}
		case "received":
			z.Received, bts, err = msgp.ReadTimeBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Received")
				return
			}
		default:
			bts, err = msgp.Skip(bts)
			if err != nil {
				err = msgp.WrapError(err)
				return
			}
		}
	}
	o = bts
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (z *Envelope) Msgsize() (s int) {
	s = 1 + 3 + msgp.StringPrefixSize + len(z.ID) +
		5 + msgp.StringPrefixSize + len(z.From) +
		3 + msgp.ArrayHeaderSize
	for _, to := range z.To {
		s += msgp.StringPrefixSize + len(to)
	}
	s += 5 + msgp.StringPrefixSize + len(z.AuthID) +
		5 + msgp.StringPrefixSize + len(z.Peer) +
		5 + msgp.StringPrefixSize + len(z.BodyType) +
		5 + msgp.BoolSize +
		5 + msgp.Int64Size +
		9 + msgp.TimeSize
	return
}

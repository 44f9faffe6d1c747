package registry

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes/decodes registry envelopes as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(env *Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (c *MsgpackCodec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := e.checkVersion(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }

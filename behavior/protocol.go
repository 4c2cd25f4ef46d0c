package behavior

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

type kind uint8

const (
	kindHave kind = iota + 1
	kindWant
	kindBlock
	kindMiss
)

func (k kind) String() string {
	switch k {
	case kindHave:
		return "have"
	case kindWant:
		return "want"
	case kindBlock:
		return "block"
	case kindMiss:
		return "miss"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// message is one frame of the replication protocol. Every frame travels as
// its own chunk, so chunk boundaries delimit messages.
type message struct {
	Kind kind   `msgpack:"k"`
	Seq  int    `msgpack:"s,omitempty"`
	Have []int  `msgpack:"h,omitempty"`
	Data []byte `msgpack:"d,omitempty"`
}

func encode(m message) ([]byte, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind, err)
	}
	return b, nil
}

func decode(b []byte) (message, error) {
	var m message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return message{}, fmt.Errorf("decode message: %w", err)
	}
	switch m.Kind {
	case kindHave, kindWant, kindBlock, kindMiss:
	default:
		return message{}, fmt.Errorf("decode message: unknown %s", m.Kind)
	}
	return m, nil
}

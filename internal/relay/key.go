package relay

import (
	"errors"
	"fmt"
	"strings"
)

// Channel identifies which client-supplied field produced a relay key.
type Channel string

const (
	// ChannelCode is the primary pairing-code channel.
	ChannelCode Channel = "code"
	// ChannelUID is the secondary numeric-style identifier channel.
	ChannelUID Channel = "uid"
)

const (
	maxCodeLen = 64
	maxUIDLen  = 32
)

var (
	// ErrNoKey is returned when no identifier field is present.
	ErrNoKey = errors.New("no relay key identifier supplied")
	// ErrKeyTooLong is returned when an identifier exceeds its channel limit.
	ErrKeyTooLong = errors.New("relay key identifier too long")
)

// KeyInput is one possibly-absent identifier field from a client request.
type KeyInput struct {
	Channel Channel
	Value   string
}

// Code wraps a pairing-code identifier.
func Code(v string) KeyInput {
	return KeyInput{Channel: ChannelCode, Value: v}
}

// UID wraps a user-id identifier.
func UID(v string) KeyInput {
	return KeyInput{Channel: ChannelUID, Value: v}
}

// Key names one relay channel. The channel tag is embedded so that identical
// literal values arriving via different fields never collide.
type Key string

// Channel extracts the channel tag a key was resolved from.
func (k Key) Channel() Channel {
	if i := strings.IndexByte(string(k), ':'); i > 0 {
		return Channel(k[:i])
	}
	return ""
}

func limitFor(ch Channel) int {
	if ch == ChannelUID {
		return maxUIDLen
	}
	return maxCodeLen
}

// ResolveKey picks the first present identifier in precedence order and
// validates it. Inputs are tried in the order given; callers pass the
// higher-priority channel first.
func ResolveKey(inputs ...KeyInput) (Key, error) {
	for _, in := range inputs {
		value := strings.TrimSpace(in.Value)
		if value == "" {
			continue
		}
		if limit := limitFor(in.Channel); len(value) > limit {
			return "", fmt.Errorf("%w: %s exceeds %d characters", ErrKeyTooLong, in.Channel, limit)
		}
		return Key(fmt.Sprintf("%s:%s", in.Channel, value)), nil
	}
	return "", ErrNoKey
}

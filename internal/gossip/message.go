package gossip

import (
	"bytes"
	"encoding/gob"
)

const (
	msgHeartbeat = "heartbeat"
	msgPublish   = "publish"
	msgLeave     = "leave"
)

// maxDatagram bounds a single frame; larger publishes are rejected.
const maxDatagram = 64 * 1024

// Message is the frame exchanged between gossip transports.
type Message struct {
	Kind string
	// From is the node URL of the sender, Addr its gossip address.
	From    string
	Addr    string
	Channel string
	Payload []byte
}

func encodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(data []byte) (Message, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

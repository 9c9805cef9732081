// Package control implements the broker control protocol: the message
// codec, the outbound WebSocket channel, and the instance worker that
// owns the single-instance lifecycle.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command is the cmd field of a control message.
type Command string

const (
	CmdInstanceLaunch  Command = "INSTANCE_LAUNCH"
	CmdInstanceDestroy Command = "INSTANCE_DESTROY"
	CmdInstanceStatus  Command = "INSTANCE_STATUS"
	CmdSSHTunDone      Command = "CREATE_SSHTUN_DONE"
	CmdHubPing         Command = "HUB_PING"
	CmdAck             Command = "ACK"
	CmdNack            Command = "NACK"
)

// Status is the lifecycle state of an instance.
type Status string

const (
	StatusInit        Status = "INIT"
	StatusInitFail    Status = "INIT_FAIL"
	StatusReady       Status = "READY"
	StatusTerminating Status = "TERMINATING"
)

// protocolVersion is the only schema version this agent speaks.
const protocolVersion = 0

// ErrVersion indicates a frame with an unsupported v field.
var ErrVersion = errors.New("control: unsupported protocol version")

// inboundCommands are the broker commands dispatched to the worker.
var inboundCommands = map[Command]bool{
	CmdInstanceLaunch:  true,
	CmdInstanceDestroy: true,
	CmdInstanceStatus:  true,
	CmdSSHTunDone:      true,
	CmdHubPing:         true,
}

// Message is one control frame. Versioning is strict: only v=0 decodes.
type Message struct {
	Version    int     `json:"v"`
	Command    Command `json:"cmd"`
	MessageID  string  `json:"mi,omitempty"`
	InstanceID string  `json:"id,omitempty"`
	ConnType   string  `json:"ct,omitempty"`
	PublicKey  string  `json:"pub,omitempty"`
	Status     Status  `json:"s,omitempty"`
}

// Decode parses a text frame into a Message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("control: parse frame: %w", err)
	}
	if msg.Version != protocolVersion {
		return Message{}, fmt.Errorf("%w: v=%d", ErrVersion, msg.Version)
	}
	if msg.Command == "" {
		return Message{}, errors.New("control: frame without cmd")
	}
	return msg, nil
}

// Encode serializes a Message for the wire.
func Encode(msg Message) ([]byte, error) {
	msg.Version = protocolVersion
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("control: encode frame: %w", err)
	}
	return data, nil
}

// Ack builds the positive reply to mi, optionally carrying a status.
func Ack(mi string, status Status) Message {
	return Message{Command: CmdAck, MessageID: mi, Status: status}
}

// Nack builds the negative reply to mi.
func Nack(mi string) Message {
	return Message{Command: CmdNack, MessageID: mi}
}

// Package peer brings up the full mesh of peer links used exclusively
// for mutex-protocol traffic, keeping it disjoint from the
// client-to-server fan-out connections.
package peer

import (
	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// InitiateHandshake runs the initiator side of the three-step handshake:
// send EstablishConnection{selfID, password}, await an
// EstablishConnection ack carrying the responder's id, then send Ok.
func InitiateHandshake(codec *wire.Codec, selfID wire.NodeID, password string) (wire.NodeID, error) {
	send := wire.EstablishConnectionMessage{ID: selfID, Text: password}.ToMessage()
	if err := codec.WriteMessage(send); err != nil {
		return wire.NoID, err
	}

	msg, err := codec.ReadMessage()
	if err != nil {
		return wire.NoID, err
	}
	if msg.Opcode != wire.EstablishConnection {
		return wire.NoID, wire.Errorf(wire.Protocol, nil, "peer server denied handshake")
	}
	ack, err := msg.ToEstablishConnection()
	if err != nil {
		return wire.NoID, err
	}

	if err := codec.WriteMessage(wire.OkMessage{}.ToMessage()); err != nil {
		return wire.NoID, err
	}
	return ack.ID, nil
}

// AcceptHandshake runs the responder side: await
// EstablishConnection{id, password}, verify the password literally,
// reply EstablishConnection{selfID, ""} on success (or Error and fail on
// mismatch), then await the initiator's Ok.
func AcceptHandshake(codec *wire.Codec, selfID wire.NodeID, password string) (wire.NodeID, error) {
	msg, err := codec.ReadMessage()
	if err != nil {
		return wire.NoID, err
	}
	if msg.Opcode != wire.EstablishConnection {
		return wire.NoID, wire.Errorf(wire.Protocol, nil, "expected EstablishConnection, got %s", msg.Opcode)
	}
	req, err := msg.ToEstablishConnection()
	if err != nil {
		return wire.NoID, err
	}

	if req.Text != password {
		_ = codec.WriteMessage(wire.ErrorMessage{Text: "invalid password"}.ToMessage())
		return wire.NoID, wire.Errorf(wire.Protocol, nil, "handshake password mismatch from node %d", req.ID)
	}

	ack := wire.EstablishConnectionMessage{ID: selfID, Text: ""}.ToMessage()
	if err := codec.WriteMessage(ack); err != nil {
		return wire.NoID, err
	}

	okMsg, err := codec.ReadMessage()
	if err != nil {
		return wire.NoID, err
	}
	if okMsg.Opcode != wire.Ok {
		return wire.NoID, wire.Errorf(wire.Protocol, nil, "expected Ok to finish handshake, got %s", okMsg.Opcode)
	}
	return req.ID, nil
}

package wire

import (
	"encoding/binary"
	"strings"
)

func encodeTimestampedName(ts uint64, name string) []byte {
	body := make([]byte, 8+len(name))
	binary.LittleEndian.PutUint64(body[:8], ts)
	copy(body[8:], name)
	return body
}

func decodeTimestampedName(body []byte) (uint64, string, error) {
	if len(body) < 8 {
		return 0, "", Errorf(Framing, nil, "timestamped body too short: %d bytes", len(body))
	}
	ts := binary.LittleEndian.Uint64(body[:8])
	return ts, string(body[8:]), nil
}

// ToOk converts a generic Message known to carry an Ok opcode.
func (m Message) ToOk() (OkMessage, error) {
	if m.Opcode != Ok {
		return OkMessage{}, wrongOpcode(Ok, m.Opcode)
	}
	return OkMessage{}, nil
}

// ToError converts a generic Message known to carry an Error opcode.
func (m Message) ToError() (ErrorMessage, error) {
	if m.Opcode != ErrorOp {
		return ErrorMessage{}, wrongOpcode(ErrorOp, m.Opcode)
	}
	return ErrorMessage{Text: string(m.Body)}, nil
}

// ToEstablishConnection converts a generic Message known to carry an
// EstablishConnection opcode.
func (m Message) ToEstablishConnection() (EstablishConnectionMessage, error) {
	if m.Opcode != EstablishConnection {
		return EstablishConnectionMessage{}, wrongOpcode(EstablishConnection, m.Opcode)
	}
	if len(m.Body) < 1 {
		return EstablishConnectionMessage{}, Errorf(Framing, nil, "EstablishConnection body too short")
	}
	return EstablishConnectionMessage{ID: NodeID(m.Body[0]), Text: string(m.Body[1:])}, nil
}

// ToResponse converts a generic Message known to carry a Response opcode.
func (m Message) ToResponse() (ResponseMessage, error) {
	if m.Opcode != Response {
		return ResponseMessage{}, wrongOpcode(Response, m.Opcode)
	}
	return ResponseMessage{Text: string(m.Body)}, nil
}

// ToFileTransfer converts a generic Message known to carry a FileTransfer
// opcode.
func (m Message) ToFileTransfer() (FileTransferMessage, error) {
	if m.Opcode != FileTransfer {
		return FileTransferMessage{}, wrongOpcode(FileTransfer, m.Opcode)
	}
	return FileTransferMessage{FileName: string(m.Body)}, nil
}

// ToTransmitData converts a generic Message known to carry a TransmitData
// opcode.
func (m Message) ToTransmitData() (TransmitDataMessage, error) {
	if m.Opcode != TransmitData {
		return TransmitDataMessage{}, wrongOpcode(TransmitData, m.Opcode)
	}
	return TransmitDataMessage{Data: m.Body}, nil
}

// ToFinished converts a generic Message known to carry a Finished opcode.
func (m Message) ToFinished() (FinishedMessage, error) {
	if m.Opcode != Finished {
		return FinishedMessage{}, wrongOpcode(Finished, m.Opcode)
	}
	return FinishedMessage{}, nil
}

// ToEnquiry converts a generic Message known to carry an Enquiry opcode.
func (m Message) ToEnquiry() (EnquiryMessage, error) {
	if m.Opcode != Enquiry {
		return EnquiryMessage{}, wrongOpcode(Enquiry, m.Opcode)
	}
	return EnquiryMessage{}, nil
}

// ToRead converts a generic Message known to carry a Read opcode.
func (m Message) ToRead() (ReadMessage, error) {
	if m.Opcode != Read {
		return ReadMessage{}, wrongOpcode(Read, m.Opcode)
	}
	return ReadMessage{FileName: string(m.Body)}, nil
}

// ToWrite converts a generic Message known to carry a Write opcode.
func (m Message) ToWrite() (WriteMessage, error) {
	if m.Opcode != Write {
		return WriteMessage{}, wrongOpcode(Write, m.Opcode)
	}
	parts := strings.SplitN(string(m.Body), stringDelim, 2)
	if len(parts) != 2 {
		return WriteMessage{}, Errorf(Framing, nil, "Write body missing delimiter")
	}
	return WriteMessage{FileName: parts[0], Line: parts[1]}, nil
}

// ToRequest converts a generic Message known to carry a Request opcode.
func (m Message) ToRequest() (RequestMessage, error) {
	if m.Opcode != Request {
		return RequestMessage{}, wrongOpcode(Request, m.Opcode)
	}
	ts, name, err := decodeTimestampedName(m.Body)
	if err != nil {
		return RequestMessage{}, err
	}
	return RequestMessage{Timestamp: ts, FileName: name}, nil
}

// ToReply converts a generic Message known to carry a Reply opcode.
func (m Message) ToReply() (ReplyMessage, error) {
	if m.Opcode != Reply {
		return ReplyMessage{}, wrongOpcode(Reply, m.Opcode)
	}
	ts, name, err := decodeTimestampedName(m.Body)
	if err != nil {
		return ReplyMessage{}, err
	}
	return ReplyMessage{Timestamp: ts, FileName: name}, nil
}

// ToShutdown converts a generic Message known to carry a Shutdown opcode.
func (m Message) ToShutdown() (ShutdownMessage, error) {
	if m.Opcode != Shutdown {
		return ShutdownMessage{}, wrongOpcode(Shutdown, m.Opcode)
	}
	return ShutdownMessage{}, nil
}

func wrongOpcode(want, got Opcode) error {
	return Errorf(Protocol, nil, "expected opcode %s, got %s", want, got)
}

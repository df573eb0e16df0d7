// Package wire implements the length-prefixed binary protocol shared by
// the peer mesh and the client/server fan-out connections.
package wire

import "fmt"

// Opcode identifies the shape of a Message's body.
type Opcode uint8

const (
	Ok                  Opcode = 0
	ErrorOp             Opcode = 1
	EstablishConnection Opcode = 2
	Response            Opcode = 3
	FileTransfer        Opcode = 4
	TransmitData        Opcode = 5
	Finished            Opcode = 6
	Enquiry             Opcode = 7
	Read                Opcode = 8
	Write               Opcode = 9
	Request             Opcode = 100
	Reply               Opcode = 101
	Shutdown            Opcode = 200
)

func (o Opcode) String() string {
	switch o {
	case Ok:
		return "Ok"
	case ErrorOp:
		return "Error"
	case EstablishConnection:
		return "EstablishConnection"
	case Response:
		return "Response"
	case FileTransfer:
		return "FileTransfer"
	case TransmitData:
		return "TransmitData"
	case Finished:
		return "Finished"
	case Enquiry:
		return "Enquiry"
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Request:
		return "Request"
	case Reply:
		return "Reply"
	case Shutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// NodeID is a node's cluster-wide unique identifier.
type NodeID uint8

// NoID is the sentinel used before a peer's identity is known.
const NoID NodeID = 255

const (
	OpcodeLength  = 1
	BodyLenLength = 4
	MaxBodySize   = (1 << 32) - 1
	stringDelim   = "\r\n"
)

// Message is the generic (opcode, body) pair that crosses the wire.
type Message struct {
	Opcode Opcode
	Body   []byte
}

// OkMessage carries no data.
type OkMessage struct{}

func (OkMessage) ToMessage() Message { return Message{Opcode: Ok} }

// ErrorMessage reports a failure to the peer on the other end of the link.
type ErrorMessage struct {
	Text string
}

func (m ErrorMessage) ToMessage() Message {
	return Message{Opcode: ErrorOp, Body: []byte(m.Text)}
}

// EstablishConnectionMessage is the handshake message, carrying either
// the shared password (initiator -> responder) or an ack (responder ->
// initiator).
type EstablishConnectionMessage struct {
	ID   NodeID
	Text string
}

func (m EstablishConnectionMessage) ToMessage() Message {
	body := make([]byte, 1+len(m.Text))
	body[0] = byte(m.ID)
	copy(body[1:], m.Text)
	return Message{Opcode: EstablishConnection, Body: body}
}

// ResponseMessage carries a textual response to an Enquiry or Read.
type ResponseMessage struct {
	Text string
}

func (m ResponseMessage) ToMessage() Message {
	return Message{Opcode: Response, Body: []byte(m.Text)}
}

// FileTransferMessage begins a compound transfer of a named file.
type FileTransferMessage struct {
	FileName string
}

func (m FileTransferMessage) ToMessage() Message {
	return Message{Opcode: FileTransfer, Body: []byte(m.FileName)}
}

// TransmitDataMessage carries one chunk of an in-progress compound
// transfer.
type TransmitDataMessage struct {
	Data []byte
}

func (m TransmitDataMessage) ToMessage() Message {
	return Message{Opcode: TransmitData, Body: m.Data}
}

// FinishedMessage terminates a compound transfer.
type FinishedMessage struct{}

func (FinishedMessage) ToMessage() Message { return Message{Opcode: Finished} }

// EnquiryMessage asks a server for its list of file names.
type EnquiryMessage struct{}

func (EnquiryMessage) ToMessage() Message { return Message{Opcode: Enquiry} }

// ReadMessage asks a server for the last line of a file.
type ReadMessage struct {
	FileName string
}

func (m ReadMessage) ToMessage() Message {
	return Message{Opcode: Read, Body: []byte(m.FileName)}
}

// WriteMessage asks a server to append a line to a file.
type WriteMessage struct {
	FileName string
	Line     string
}

func (m WriteMessage) ToMessage() Message {
	body := []byte(m.FileName + stringDelim + m.Line)
	return Message{Opcode: Write, Body: body}
}

// RequestMessage requests permission for the critical section on a
// filename, carrying the sender's Lamport timestamp.
type RequestMessage struct {
	Timestamp uint64
	FileName  string
}

func (m RequestMessage) ToMessage() Message {
	return Message{Opcode: Request, Body: encodeTimestampedName(m.Timestamp, m.FileName)}
}

// ReplyMessage grants permission for the critical section on a filename.
type ReplyMessage struct {
	Timestamp uint64
	FileName  string
}

func (m ReplyMessage) ToMessage() Message {
	return Message{Opcode: Reply, Body: encodeTimestampedName(m.Timestamp, m.FileName)}
}

// ShutdownMessage announces a deliberate, clean peer-link close.
type ShutdownMessage struct{}

func (ShutdownMessage) ToMessage() Message { return Message{Opcode: Shutdown} }

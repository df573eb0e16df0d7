package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Role distinguishes the server and client sides of a link for the
// purpose of picking a compound-transfer chunk size.
type Role int

const (
	ServerRole Role = iota
	ClientRole
)

func (r Role) chunkSize() int {
	if r == ServerRole {
		return 200
	}
	return 100
}

// Codec frames and deframes Messages over a byte stream. At most one
// read and one write are in flight at a time: the codec's own read and
// write locks serialize concurrent callers, per direction.
type Codec struct {
	r    *bufio.Reader
	w    io.Writer
	role Role

	tempDir string

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewCodec wraps rw for framed message exchange. tempDir is where
// in-progress compound FileTransfer receives are staged.
func NewCodec(r io.Reader, w io.Writer, role Role, tempDir string) *Codec {
	return &Codec{r: bufio.NewReader(r), w: w, role: role, tempDir: tempDir}
}

// WriteMessage serializes and flushes a single message. A FileTransfer
// message is not itself compound; callers drive TransmitData/Finished
// separately via WriteFile for a full compound send.
func (c *Codec) WriteMessage(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrame(m)
}

func (c *Codec) writeFrame(m Message) error {
	if len(m.Body) > MaxBodySize {
		return Errorf(Framing, nil, "body of %d bytes exceeds max %d", len(m.Body), MaxBodySize)
	}
	header := make([]byte, OpcodeLength+BodyLenLength)
	header[0] = byte(m.Opcode)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(m.Body)))
	if _, err := c.w.Write(header); err != nil {
		return Errorf(IO, err, "write frame header")
	}
	if len(m.Body) > 0 {
		if _, err := c.w.Write(m.Body); err != nil {
			return Errorf(IO, err, "write frame body")
		}
	}
	return nil
}

// WriteFile sends a compound FileTransfer: a FileTransfer header frame,
// then the file's contents chunked per the codec's role, then Finished.
func (c *Codec) WriteFile(fileName string, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.writeFrame(FileTransferMessage{FileName: fileName}.ToMessage()); err != nil {
		return err
	}
	size := c.role.chunkSize()
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunk := TransmitDataMessage{Data: data[off:end]}.ToMessage()
		if err := c.writeFrame(chunk); err != nil {
			return err
		}
	}
	return c.writeFrame(FinishedMessage{}.ToMessage())
}

// ReadMessage reads the next logical message. A compound FileTransfer is
// received in full (staged to a temp file) before this call returns; the
// returned FileTransfer message's body is the original file name, a NUL
// byte, then the path of the staged file holding the received bytes.
func (c *Codec) ReadMessage() (Message, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	return c.readFrame()
}

func (c *Codec) readFrame() (Message, error) {
	opcodeByte, err := c.r.ReadByte()
	if err != nil {
		return Message{}, Errorf(IO, err, "read opcode")
	}
	op := Opcode(opcodeByte)

	lenBuf := make([]byte, BodyLenLength)
	if _, err := io.ReadFull(c.r, lenBuf); err != nil {
		kind := IO
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			kind = Framing // stream ended inside a frame
		}
		return Message{}, Errorf(kind, err, "read body length")
	}
	bodyLen := binary.LittleEndian.Uint32(lenBuf)
	if uint64(bodyLen) > MaxBodySize {
		return Message{}, Errorf(Framing, nil, "body length %d exceeds max", bodyLen)
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.r, body); err != nil {
			kind := IO
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				kind = Framing // stream ended inside a frame
			}
			return Message{}, Errorf(kind, err, "read body")
		}
	}

	msg := Message{Opcode: op, Body: body}

	if op == FileTransfer {
		return c.receiveCompound(msg)
	}

	return msg, nil
}

// receiveCompound drains TransmitData frames following a FileTransfer
// header until Finished, staging payload bytes to a temp file. It
// returns a FileTransfer message whose body is the original file name, a
// NUL byte, then the staged path, so callers can locate the received data.
func (c *Codec) receiveCompound(header Message) (Message, error) {
	ft, err := header.ToFileTransfer()
	if err != nil {
		return Message{}, err
	}

	if err := os.MkdirAll(c.tempDir, 0o755); err != nil {
		return Message{}, Errorf(IO, err, "create temp dir %q", c.tempDir)
	}
	stagingPath := filepath.Join(c.tempDir, uuid.NewString()+".part")
	f, err := os.Create(stagingPath)
	if err != nil {
		return Message{}, Errorf(IO, err, "create staging file")
	}
	defer f.Close()

	for {
		opcodeByte, err := c.r.ReadByte()
		if err != nil {
			return Message{}, Errorf(IO, err, "read compound opcode")
		}
		op := Opcode(opcodeByte)

		lenBuf := make([]byte, BodyLenLength)
		if _, err := io.ReadFull(c.r, lenBuf); err != nil {
			return Message{}, Errorf(IO, err, "read compound body length")
		}
		bodyLen := binary.LittleEndian.Uint32(lenBuf)
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := io.ReadFull(c.r, body); err != nil {
				return Message{}, Errorf(IO, err, "read compound body")
			}
		}

		switch op {
		case TransmitData:
			if _, err := f.Write(body); err != nil {
				return Message{}, Errorf(IO, err, "write staging chunk")
			}
		case Finished:
			return Message{Opcode: FileTransfer, Body: []byte(fmt.Sprintf("%s\x00%s", ft.FileName, stagingPath))}, nil
		default:
			return Message{}, Errorf(Framing, nil, "unexpected opcode %s inside compound transfer", op)
		}
	}
}

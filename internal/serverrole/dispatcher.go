package serverrole

import (
	"log"
	"strings"

	"github.com/jackson-nestelroad/nodectl/internal/wire"
)

// Serve runs the per-client dispatch loop: AwaitMessage, then one of
// HandleEnquiry/HandleRead/HandleWrite/HandleInvalidOpcode, returning to
// AwaitMessage after every successful handle. It returns when the
// connection is closed or a handler sends an Error and stops.
func Serve(codec *wire.Codec, files *FileService, peerName string) error {
	for {
		msg, err := codec.ReadMessage()
		if err != nil {
			return err
		}

		switch msg.Opcode {
		case wire.Enquiry:
			if err := handleEnquiry(codec, files, peerName); err != nil {
				return err
			}
		case wire.Read:
			read, err := msg.ToRead()
			if err != nil {
				return err
			}
			if stop, err := handleRead(codec, files, peerName, read); stop || err != nil {
				return err
			}
		case wire.Write:
			write, err := msg.ToWrite()
			if err != nil {
				return err
			}
			if stop, err := handleWrite(codec, files, peerName, write); stop || err != nil {
				return err
			}
		case wire.Shutdown:
			log.Printf("serverrole: %s shut down cleanly", peerName)
			return nil
		default:
			handleInvalidOpcode(codec, peerName, msg.Opcode)
			return nil
		}
	}
}

func handleEnquiry(codec *wire.Codec, files *FileService, peerName string) error {
	log.Printf("serverrole: received Enquiry from %s", peerName)
	names, err := files.GetFiles()
	if err != nil {
		return err
	}
	return codec.WriteMessage(wire.ResponseMessage{Text: strings.Join(names, ", ")}.ToMessage())
}

// handleRead returns stop=true when the handler sent an Error and the
// connection should be torn down.
func handleRead(codec *wire.Codec, files *FileService, peerName string, req wire.ReadMessage) (stop bool, err error) {
	log.Printf("serverrole: received Read from %s for %q", peerName, req.FileName)
	line, readErr := files.ReadLastLine(req.FileName)
	if readErr != nil {
		if err := codec.WriteMessage(wire.ErrorMessage{Text: readErr.Error()}.ToMessage()); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, codec.WriteMessage(wire.ResponseMessage{Text: line}.ToMessage())
}

func handleWrite(codec *wire.Codec, files *FileService, peerName string, req wire.WriteMessage) (stop bool, err error) {
	log.Printf("serverrole: received Write from %s for %q", peerName, req.FileName)
	if appendErr := files.AppendLine(req.FileName, req.Line); appendErr != nil {
		if err := codec.WriteMessage(wire.ErrorMessage{Text: appendErr.Error()}.ToMessage()); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, codec.WriteMessage(wire.OkMessage{}.ToMessage())
}

func handleInvalidOpcode(codec *wire.Codec, peerName string, op wire.Opcode) {
	log.Printf("serverrole: received invalid opcode %s from %s", op, peerName)
	_ = codec.WriteMessage(wire.ErrorMessage{Text: "Invalid opcode"}.ToMessage())
}

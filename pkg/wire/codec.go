package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	flagProposal = 1 << iota
	flagWorkload
	flagHostID
	flagHostEndpoint
	flagHostState
)

// Encode serializes cmd into a length-prefixed frame: a 4-byte big-endian
// payload length followed by exactly that many payload bytes.
func Encode(cmd Command) ([]byte, error) {
	payload := encodePayload(cmd)
	if uint64(len(payload)) > DefaultMaxFrameSize {
		return nil, ErrFrameOversize
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

func encodePayload(cmd Command) []byte {
	var flags byte
	if cmd.HasProposal {
		flags |= flagProposal
	}
	if cmd.HasWorkload {
		flags |= flagWorkload
	}
	if cmd.HasHostID {
		flags |= flagHostID
	}
	if cmd.HasHostEndpoint {
		flags |= flagHostEndpoint
	}
	if cmd.HasHostState {
		flags |= flagHostState
	}

	buf := make([]byte, 0, 16+len(cmd.Workload))
	buf = append(buf, byte(cmd.Type), flags)
	if cmd.HasProposal {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], cmd.ProposalID)
		buf = append(buf, b[:]...)
	}
	if cmd.HasWorkload {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(cmd.Workload)))
		buf = append(buf, b[:]...)
		buf = append(buf, cmd.Workload...)
	}
	if cmd.HasHostID {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], cmd.HostID)
		buf = append(buf, b[:]...)
	}
	if cmd.HasHostEndpoint {
		ep := []byte(cmd.HostEndpoint)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(len(ep)))
		buf = append(buf, b[:]...)
		buf = append(buf, ep...)
	}
	if cmd.HasHostState {
		buf = append(buf, byte(cmd.HostState))
	}
	return buf
}

// Decode parses a payload (without the length prefix) into a Command.
func Decode(payload []byte) (Command, error) {
	if len(payload) < 2 {
		return Command{}, fmt.Errorf("%w: payload too short", ErrDecodeMalformed)
	}
	cmd := Command{Type: CommandType(payload[0])}
	flags := payload[1]
	r := payload[2:]

	readN := func(n int) ([]byte, error) {
		if len(r) < n {
			return nil, fmt.Errorf("%w: truncated field", ErrDecodeMalformed)
		}
		out := r[:n]
		r = r[n:]
		return out, nil
	}

	if flags&flagProposal != 0 {
		b, err := readN(8)
		if err != nil {
			return Command{}, err
		}
		cmd.ProposalID = binary.BigEndian.Uint64(b)
		cmd.HasProposal = true
	}
	if flags&flagWorkload != 0 {
		b, err := readN(4)
		if err != nil {
			return Command{}, err
		}
		n := binary.BigEndian.Uint32(b)
		data, err := readN(int(n))
		if err != nil {
			return Command{}, err
		}
		cmd.Workload = append([]byte(nil), data...)
		cmd.HasWorkload = true
	}
	if flags&flagHostID != 0 {
		b, err := readN(8)
		if err != nil {
			return Command{}, err
		}
		cmd.HostID = binary.BigEndian.Uint64(b)
		cmd.HasHostID = true
	}
	if flags&flagHostEndpoint != 0 {
		b, err := readN(2)
		if err != nil {
			return Command{}, err
		}
		n := binary.BigEndian.Uint16(b)
		data, err := readN(int(n))
		if err != nil {
			return Command{}, err
		}
		cmd.HostEndpoint = string(data)
		cmd.HasHostEndpoint = true
	}
	if flags&flagHostState != 0 {
		b, err := readN(1)
		if err != nil {
			return Command{}, err
		}
		cmd.HostState = PeerState(b[0])
		cmd.HasHostState = true
	}
	return cmd, nil
}

// ReadFrame reads one length-prefixed frame from r, enforcing maxSize on the
// declared payload length. maxSize of 0 selects DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxSize {
		return nil, ErrFrameOversize
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ErrFrameTruncated
		}
		return nil, err
	}
	return payload, nil
}

// ReadCommand reads one frame from r and decodes it into a Command.
func ReadCommand(r io.Reader, maxSize uint32) (Command, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return Command{}, err
	}
	return Decode(payload)
}

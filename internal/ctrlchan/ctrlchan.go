// Package ctrlchan implements the framed message transport used by the
// worker<->main and sec-mod<->main control channels.
//
// Every message is length-prefixed and carries an optional ancillary
// file descriptor via SCM_RIGHTS over a UNIX stream socketpair.
package ctrlchan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// MsgType enumerates the control-channel message kinds.
type MsgType uint8

const (
	// MsgUDPFD carries a DTLS datagram payload, a new/rebind flag, and a
	// connected UDP socket as ancillary data.
	MsgUDPFD MsgType = iota + 1
	// MsgSessionTerminate tells a worker to tear down its session.
	MsgSessionTerminate
	// MsgReloadNotify tells a worker that configuration has been reloaded.
	MsgReloadNotify
	// MsgSessionSetup carries an auth cookie, routes, and lease request
	// from a worker to main.
	MsgSessionSetup
	// MsgSessionTeardown notifies main that a worker's session has ended.
	MsgSessionTeardown
	// MsgStats carries periodic statistics from a worker to main.
	MsgStats
	// MsgSecModSessionClose asks sec-mod to release any authentication
	// state it holds for the session named in the payload. The rest of
	// the sec-mod wire protocol is opaque to the supervisor.
	MsgSecModSessionClose
)

func (t MsgType) String() string {
	switch t {
	case MsgUDPFD:
		return "udp_fd"
	case MsgSessionTerminate:
		return "session_terminate"
	case MsgReloadNotify:
		return "reload_notify"
	case MsgSessionSetup:
		return "session_setup"
	case MsgSessionTeardown:
		return "session_teardown"
	case MsgStats:
		return "stats"
	case MsgSecModSessionClose:
		return "secmod_session_close"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

const (
	headerLen       = 5 // 4-byte big-endian length + 1-byte type
	maxFrameLen     = 1 << 20
	maxAncillaryFDs = 1
)

// Sentinel errors.
var (
	ErrFrameTooLarge      = errors.New("ctrlchan: frame exceeds maximum length")
	ErrAncillaryTruncated = errors.New("ctrlchan: ancillary data truncated")
	ErrShortFrame         = errors.New("ctrlchan: short frame")
	ErrLengthMismatch     = errors.New("ctrlchan: frame length mismatch")
)

// Message is one decoded control-channel frame.
type Message struct {
	Type    MsgType
	Payload []byte
	// FD is the ancillary file descriptor attached to this message, or
	// -1 if none. The caller owns it and must close it.
	FD int
}

// Conn is a framed transport over a stream UNIX socket.
type Conn struct {
	uc *net.UnixConn
}

// New wraps an already-connected *net.UnixConn.
func New(uc *net.UnixConn) *Conn { return &Conn{uc: uc} }

// NewSocketpair creates a connected pair of stream UNIX sockets for use as
// a control channel: parent is wrapped ready for use
// in this process, childFile is the raw *os.File meant for a child
// process's os/exec.Cmd.ExtraFiles — it is not wrapped in net.Conn because
// exec needs the unconverted *os.File to dup across fork+exec.
func NewSocketpair() (parent *Conn, childFile *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	pf := os.NewFile(uintptr(fds[0]), "ctrlchan-parent")
	pc, err := net.FileConn(pf)
	_ = pf.Close() // FileConn dups the fd; this closes the original.
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, fmt.Errorf("fileconn parent end: %w", err)
	}

	puc, ok := pc.(*net.UnixConn)
	if !ok {
		_ = pc.Close()
		_ = unix.Close(fds[1])
		return nil, nil, fmt.Errorf("ctrlchan: unexpected conn type %T", pc)
	}

	return New(puc), os.NewFile(uintptr(fds[1]), "ctrlchan-child"), nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	if err := c.uc.Close(); err != nil {
		return fmt.Errorf("close ctrlchan: %w", err)
	}
	return nil
}

// Send writes a framed message with no ancillary data.
func (c *Conn) Send(msgType MsgType, payload []byte) error {
	return c.send(msgType, payload, nil)
}

// SendUDPFD sends the MsgUDPFD control message: the raw datagram payload,
// a new/rebind flag, and the connected UDP socket as ancillary SCM_RIGHTS
// data. The caller's copy of fd is unaffected by
// this call and remains the caller's responsibility to close immediately
// after.
func (c *Conn) SendUDPFD(datagram []byte, hello bool, fd int) error {
	payload := make([]byte, 1+4+len(datagram))
	if hello {
		payload[0] = 1
	}
	binary.BigEndian.PutUint32(payload[1:5], uint32(len(datagram)))
	copy(payload[5:], datagram)
	return c.send(MsgUDPFD, payload, []int{fd})
}

func (c *Conn) send(msgType MsgType, payload []byte, fds []int) error {
	if len(payload) > maxFrameLen {
		return ErrFrameTooLarge
	}

	frame := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)+1))
	frame[4] = byte(msgType)
	copy(frame[headerLen:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, oobn, err := c.uc.WriteMsgUnix(frame, oob, nil)
	if err != nil {
		return fmt.Errorf("write ctrlchan frame: %w", err)
	}
	if n != len(frame) || oobn != len(oob) {
		return fmt.Errorf("ctrlchan: short write (%d/%d bytes, %d/%d oob)", n, len(frame), oobn, len(oob))
	}
	return nil
}

// Recv reads one framed message and any ancillary file descriptor
// attached to it. The caller owns any returned FD and must close it.
//
// Recv assumes one message per underlying sendmsg/recvmsg pair: this
// channel carries one message at a time by construction, so frames are never split across reads in practice. A frame
// declaring a length beyond what a single read captured is rejected
// rather than reassembled across further reads.
func (c *Conn) Recv() (Message, error) {
	buf := make([]byte, maxFrameLen+headerLen)
	oob := make([]byte, unix.CmsgSpace(4)*maxAncillaryFDs)

	n, oobn, flags, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return Message{}, fmt.Errorf("read ctrlchan frame: %w", err)
	}
	if n < headerLen {
		return Message{}, ErrShortFrame
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return Message{}, ErrAncillaryTruncated
	}

	length := binary.BigEndian.Uint32(buf[:4])
	if int(length) != n-4 {
		return Message{}, fmt.Errorf("%w: header declares %d, read %d", ErrLengthMismatch, length, n-4)
	}

	msg := Message{
		Type:    MsgType(buf[4]),
		Payload: append([]byte(nil), buf[headerLen:n]...),
		FD:      -1,
	}

	if oobn > 0 {
		fd, err := firstAncillaryFD(oob[:oobn])
		if err != nil {
			return Message{}, err
		}
		msg.FD = fd
	}

	return msg, nil
}

// firstAncillaryFD extracts the first SCM_RIGHTS descriptor from raw
// ancillary data, closing any extra descriptors the protocol never
// attaches more than one of.
func firstAncillaryFD(oob []byte) (int, error) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1, fmt.Errorf("parse socket control message: %w", err)
	}

	for i := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		if len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			_ = unix.Close(extra)
		}
		return fds[0], nil
	}

	return -1, nil
}

// DecodeUDPFD splits a MsgUDPFD payload into its hello flag and the
// original datagram bytes.
func DecodeUDPFD(payload []byte) (hello bool, datagram []byte, err error) {
	if len(payload) < 5 {
		return false, nil, fmt.Errorf("%w: udp_fd payload", ErrShortFrame)
	}
	hello = payload[0] != 0
	length := binary.BigEndian.Uint32(payload[1:5])
	if int(length) != len(payload)-5 {
		return false, nil, fmt.Errorf("%w: udp_fd declares %d, got %d", ErrLengthMismatch, length, len(payload)-5)
	}
	return hello, payload[5:], nil
}

package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// maxFDsPerMessage bounds descriptors per control message; process
// stream transfers need at most three.
const maxFDsPerMessage = 4

// writeMessageWithFiles sends a message and up to maxFDsPerMessage
// descriptors in one SCM_RIGHTS control message. The kernel duplicates
// the descriptors into the receiver; the caller keeps ownership of its
// copies.
func writeMessageWithFiles(conn *net.UnixConn, m *Message, files []*os.File) error {
	if len(files) == 0 {
		_, err := conn.Write(m.Encode())
		return err
	}
	if len(files) > maxFDsPerMessage {
		return fmt.Errorf("ipc: too many descriptors: %d", len(files))
	}

	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	oob := unix.UnixRights(fds...)

	n, oobn, err := conn.WriteMsgUnix(m.Encode(), oob, nil)
	if err != nil {
		return fmt.Errorf("ipc: sendmsg: %w", err)
	}
	if n < HeaderSize+len(m.Payload) || oobn < len(oob) {
		return fmt.Errorf("ipc: short sendmsg: %d/%d bytes", n, oobn)
	}
	return nil
}

// readMessageWithFiles reads one message plus any descriptors attached
// to its first data byte. Received descriptors are wrapped in *os.File
// values owned by the caller.
func readMessageWithFiles(conn *net.UnixConn) (*Message, error) {
	buf := make([]byte, HeaderSize)
	oob := make([]byte, unix.CmsgSpace(maxFDsPerMessage*4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	if n < HeaderSize {
		// Drain the rest of the header from the stream.
		if _, err := readFull(conn, buf[n:]); err != nil {
			return nil, err
		}
	}

	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := readFull(conn, m.Payload); err != nil {
			return nil, err
		}
	}

	if oobn > 0 {
		files, err := parseRights(oob[:oobn])
		if err != nil {
			return nil, err
		}
		m.Files = files
	}
	return m, nil
}

func parseRights(oob []byte) ([]*os.File, error) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("ipc: parse control message: %w", err)
	}
	var files []*os.File
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "ipc-fd"))
		}
	}
	return files, nil
}

func readFull(conn *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

//go:build linux

package ipc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T, handler Handler) (*Server, string) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(ServerConfig{SocketPath: socket, Mode: 0600, Name: "test"}, handler, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, socket
}

func pingHandler() Handler {
	return HandlerFunc(func(ctx context.Context, conn *Conn, msg *Message) (*Message, error) {
		if msg.Header.Type != MsgPing {
			return ErrorMessage(msg.Header.RequestID, CodeBadRequest, "unexpected message"), nil
		}
		return Marshal(MsgPong, msg.Header.RequestID, PongPayload{ProtocolVersion: ProtocolVersion})
	})
}

func TestServerPingPong(t *testing.T) {
	_, socket := startTestServer(t, pingHandler())

	client, err := Dial(socket)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	var pong PongPayload
	if err := client.Call(MsgPing, struct{}{}, &pong); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if pong.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocol version = %d", pong.ProtocolVersion)
	}
}

func TestServerAttachesPeerIdentity(t *testing.T) {
	peerCh := make(chan PeerIdentity, 1)
	handler := HandlerFunc(func(ctx context.Context, conn *Conn, msg *Message) (*Message, error) {
		peerCh <- conn.Peer
		return Marshal(MsgPong, msg.Header.RequestID, PongPayload{ProtocolVersion: ProtocolVersion})
	})
	_, socket := startTestServer(t, handler)

	client, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if err := client.Call(MsgPing, struct{}{}, nil); err != nil {
		t.Fatal(err)
	}

	peer := <-peerCh
	if peer.UID != os.Getuid() {
		t.Errorf("peer uid = %d, want %d", peer.UID, os.Getuid())
	}
	if peer.PID != os.Getpid() {
		t.Errorf("peer pid = %d, want %d", peer.PID, os.Getpid())
	}
}

func TestOnCloseFiresOnDisconnect(t *testing.T) {
	died := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, conn *Conn, msg *Message) (*Message, error) {
		conn.OnClose(func() { close(died) })
		return Marshal(MsgPong, msg.Header.RequestID, PongPayload{ProtocolVersion: ProtocolVersion})
	})
	_, socket := startTestServer(t, handler)

	client, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Call(MsgPing, struct{}{}, nil); err != nil {
		t.Fatal(err)
	}
	client.Close()

	select {
	case <-died:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose hook did not fire after client disconnect")
	}
}

func TestRemoteErrorSurfaced(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, conn *Conn, msg *Message) (*Message, error) {
		return ErrorMessage(msg.Header.RequestID, CodeNotOwner, "nope"), nil
	})
	_, socket := startTestServer(t, handler)

	client, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	err = client.Call(MsgPing, struct{}{}, nil)
	remote, ok := err.(*RemoteError)
	if !ok {
		t.Fatalf("expected *RemoteError, got %T: %v", err, err)
	}
	if remote.Code != CodeNotOwner {
		t.Errorf("code = %q", remote.Code)
	}
}

func TestFilePassing(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, conn *Conn, msg *Message) (*Message, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		defer w.Close()
		if _, err := w.WriteString("hello over fd"); err != nil {
			return nil, err
		}
		w.Close()

		resp, err := Marshal(MsgProcessStreamsResp, msg.Header.RequestID,
			ProcessStreamsResponse{Stdout: true})
		if err != nil {
			return nil, err
		}
		if err := conn.SendWithFiles(resp, []*os.File{r}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	_, socket := startTestServer(t, handler)

	client, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	var streams ProcessStreamsResponse
	files, err := client.CallWithFiles(MsgProcessStreams, ProcessRefPayload{ProcessID: 1}, &streams)
	if err != nil {
		t.Fatalf("CallWithFiles failed: %v", err)
	}
	if !streams.Stdout || len(files) != 1 {
		t.Fatalf("streams = %+v, files = %d", streams, len(files))
	}
	defer files[0].Close()

	buf := make([]byte, 64)
	n, _ := files[0].Read(buf)
	if string(buf[:n]) != "hello over fd" {
		t.Errorf("read %q over passed fd", buf[:n])
	}
}

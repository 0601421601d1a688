package secure

import (
	"context"
	"io"
	"testing"
	"time"
)

// pipeConn is an in-memory MessageConn; two of them back to back form
// a full-duplex framed channel.
type pipeConn struct {
	in  chan []byte
	out chan []byte
}

func newPipe() (a, b *pipeConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &pipeConn{in: ba, out: ab}, &pipeConn{in: ab, out: ba}
}

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func testPSK() *[PSKSize]byte {
	psk := &[PSKSize]byte{}
	for i := range psk {
		psk[i] = byte(i * 3)
	}
	return psk
}

func TestNegotiate(t *testing.T) {
	serverConn, clientConn := newPipe()
	psk := testPSK()

	type result struct {
		transcript *Transcript
		err        error
	}
	serverCh := make(chan result, 1)
	go func() {
		tr, err := Negotiate(context.Background(), serverConn, psk)
		serverCh <- result{tr, err}
	}()

	client, err := ClientNegotiate(context.Background(), clientConn, psk)
	if err != nil {
		t.Fatalf("ClientNegotiate() error = %v", err)
	}
	srv := <-serverCh
	if srv.err != nil {
		t.Fatalf("Negotiate() error = %v", srv.err)
	}

	// Upload direction.
	frame := client.Encrypt([]byte(`"Heartbeat"`))
	got, err := srv.transcript.DecryptInPlace(frame)
	if err != nil {
		t.Fatalf("server DecryptInPlace() error = %v", err)
	}
	if string(got) != `"Heartbeat"` {
		t.Errorf("server DecryptInPlace() = %q", got)
	}

	// Download direction.
	frame = srv.transcript.Encrypt([]byte(`{"heartbeat_res":null}`))
	got, err = client.DecryptInPlace(frame)
	if err != nil {
		t.Fatalf("client DecryptInPlace() error = %v", err)
	}
	if string(got) != `{"heartbeat_res":null}` {
		t.Errorf("client DecryptInPlace() = %q", got)
	}
}

// A client that derived keys from a different PSK produces frames that
// fail authentication on the first decrypt.
func TestNegotiateWrongPSK(t *testing.T) {
	serverConn, clientConn := newPipe()

	serverCh := make(chan *Transcript, 1)
	go func() {
		tr, err := Negotiate(context.Background(), serverConn, testPSK())
		if err != nil {
			t.Errorf("Negotiate() error = %v", err)
		}
		serverCh <- tr
	}()

	wrongPSK := testPSK()
	wrongPSK[0] ^= 0xFF
	client, err := ClientNegotiate(context.Background(), clientConn, wrongPSK)
	if err != nil {
		t.Fatalf("ClientNegotiate() error = %v", err)
	}
	server := <-serverCh
	if server == nil {
		t.Fatal("no server transcript")
	}

	frame := client.Encrypt([]byte(`"Heartbeat"`))
	_, err = server.DecryptInPlace(frame)
	if err == nil {
		t.Fatal("DecryptInPlace() accepted a frame keyed with the wrong PSK")
	}
	if ce, ok := IsClose(err); !ok || ce.Code != CloseCrypto {
		t.Errorf("DecryptInPlace() error = %v, want close %d", err, CloseCrypto)
	}
}

func TestNegotiateInvalidClientMaterial(t *testing.T) {
	tests := []struct {
		name     string
		material []byte
	}{
		{"garbage", []byte("not a point")},
		{"empty", []byte{}},
		{"wrong prefix", append([]byte{0x05}, make([]byte, 64)...)},
		{"not on curve", append([]byte{0x04}, make([]byte, 64)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverConn, clientConn := newPipe()
			go clientConn.WriteMessage(context.Background(), tt.material)

			_, err := Negotiate(context.Background(), serverConn, testPSK())
			if err == nil {
				t.Fatal("Negotiate() accepted invalid client material")
			}
			if ce, ok := IsClose(err); !ok || ce.Code != CloseInvalidMaterial {
				t.Errorf("Negotiate() error = %v, want close %d", err, CloseInvalidMaterial)
			}
		})
	}
}

func TestNegotiateEOF(t *testing.T) {
	serverConn, clientConn := newPipe()
	close(clientConn.out)

	_, err := Negotiate(context.Background(), serverConn, testPSK())
	if err == nil {
		t.Fatal("Negotiate() succeeded on a closed channel")
	}
	if ce, ok := IsClose(err); !ok || ce.Code != CloseEOF {
		t.Errorf("Negotiate() error = %v, want close %d", err, CloseEOF)
	}
}

func TestNegotiateTimeout(t *testing.T) {
	serverConn, _ := newPipe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Negotiate(ctx, serverConn, testPSK())
	if err == nil {
		t.Fatal("Negotiate() succeeded with a silent client")
	}
	if ce, ok := IsClose(err); !ok || ce.Code != CloseNegotiateTimeout {
		t.Errorf("Negotiate() error = %v, want close %d", err, CloseNegotiateTimeout)
	}
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	secret := []byte("shared secret material.........")
	a, err := DeriveSessionKeys(secret, testPSK())
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v", err)
	}
	b, err := DeriveSessionKeys(secret, testPSK())
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v", err)
	}
	if *a != *b {
		t.Error("DeriveSessionKeys() is not deterministic")
	}
	if a.Upload == a.Download {
		t.Error("upload and download keys are identical")
	}

	other, err := DeriveSessionKeys(secret, func() *[PSKSize]byte {
		p := testPSK()
		p[63] ^= 1
		return p
	}())
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v", err)
	}
	if other.Upload == a.Upload {
		t.Error("different PSKs derived the same upload key")
	}
}

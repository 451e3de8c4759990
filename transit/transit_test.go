package transit

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"wormholed/config"
	"wormholed/db"
)

const testToken = "deadbeef" + "deadbeef" + "deadbeef" + "deadbeef" +
	"deadbeef" + "deadbeef" + "deadbeef" + "deadbeef"

func startTestServer(t *testing.T, blurUsage uint) (*Server, *db.Store) {
	t.Helper()

	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts := config.DefaultOptions
	opts.Transit.Host = "127.0.0.1"
	opts.Transit.Port = 0
	opts.Relay.BlurUsage = blurUsage

	s := NewServer(opts, store, nil)
	go s.Start()
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("transit server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s, store
}

func dialTransit(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial transit server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendHandshake(t *testing.T, conn net.Conn, token string) {
	t.Helper()
	if _, err := conn.Write([]byte("please relay " + token + "\n")); err != nil {
		t.Fatalf("handshake write failed: %v", err)
	}
}

func expectReply(t *testing.T, conn net.Conn, want string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading reply failed: %v", err)
	}
	if string(buf) != want {
		t.Fatalf("got reply '%s', want '%s'", buf, want)
	}
}

//waitForUsage polls until the server's teardown path has persisted
//the expected number of rows
func waitForUsage(t *testing.T, store *db.Store, n int) []db.TransitUsage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rows, err := store.TransitUsageRows()
		if err != nil {
			t.Fatalf("usage read failed: %v", err)
		}
		if len(rows) >= n {
			return rows
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d usage rows, want %d", len(rows), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransitPairing(t *testing.T) {
	s, store := startTestServer(t, 0)

	c1 := dialTransit(t, s)
	sendHandshake(t, c1, testToken)
	expectReply(t, c1, "ok\n")

	//bytes sent before the partner arrives must not be lost
	if _, err := c1.Write([]byte("early")); err != nil {
		t.Fatalf("early write failed: %v", err)
	}

	c2 := dialTransit(t, s)
	sendHandshake(t, c2, testToken)
	expectReply(t, c2, "ok\n")
	expectReply(t, c2, "early")

	if _, err := c2.Write([]byte("pong!")); err != nil {
		t.Fatalf("reply write failed: %v", err)
	}
	expectReply(t, c1, "pong!")

	c1.Close()
	c2.Close()

	rows := waitForUsage(t, store, 1)
	u := rows[0]
	if u.Result != "happy" {
		t.Fatalf("got result '%s', want 'happy'", u.Result)
	}
	if u.TotalBytes != 10 {
		t.Fatalf("got %d bytes, want 10", u.TotalBytes)
	}
}

func TestTransitEarlyBytesOrdering(t *testing.T) {
	s, _ := startTestServer(t, 0)

	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	c1 := dialTransit(t, s)
	sendHandshake(t, c1, testToken)
	expectReply(t, c1, "ok\n")

	//half the stream parks in the early buffer, the rest races
	//the pairing flush; the receiver must still see it in order
	half := len(payload) / 2
	if _, err := c1.Write(payload[:half]); err != nil {
		t.Fatalf("early write failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c1.Write(payload[half:])
		done <- err
	}()

	c2 := dialTransit(t, s)
	sendHandshake(t, c2, testToken)
	expectReply(t, c2, "ok\n")

	got := make([]byte, len(payload))
	c2.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(c2, got); err != nil {
		t.Fatalf("reading relayed stream failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("relayed bytes arrived out of order")
	}
	if err := <-done; err != nil {
		t.Fatalf("trailing write failed: %v", err)
	}
}

func TestTransitSeparateTokens(t *testing.T) {
	s, _ := startTestServer(t, 0)

	other := strings.Repeat("ab", 32)
	c1 := dialTransit(t, s)
	sendHandshake(t, c1, testToken)
	expectReply(t, c1, "ok\n")

	c2 := dialTransit(t, s)
	sendHandshake(t, c2, other)
	expectReply(t, c2, "ok\n")

	//different tokens never pair: nothing c1 sends shows up on c2
	c1.Write([]byte("hello"))
	c2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := c2.Read(buf); err == nil {
		t.Fatal("bytes crossed between unrelated tokens")
	}
}

func TestTransitBadHandshake(t *testing.T) {
	s, store := startTestServer(t, 0)

	c := dialTransit(t, s)
	//right length, wrong magic
	if _, err := c.Write([]byte("please DELAY " + testToken + "\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	expectReply(t, c, "bad handshake\n")

	//the server hangs up on us
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("got %v, want EOF after rejection", err)
	}

	rows := waitForUsage(t, store, 1)
	if rows[0].Result != "errory" {
		t.Fatalf("got result '%s', want 'errory'", rows[0].Result)
	}
}

func TestTransitImpatience(t *testing.T) {
	s, store := startTestServer(t, 0)

	c := dialTransit(t, s)
	//handshake plus payload in one burst, client must wait for ok
	if _, err := c.Write([]byte("please relay " + testToken + "\nNOWNOWNOW")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	expectReply(t, c, "impatient\n")

	rows := waitForUsage(t, store, 1)
	if rows[0].Result != "errory" {
		t.Fatalf("got result '%s', want 'errory'", rows[0].Result)
	}
}

func TestTransitLonely(t *testing.T) {
	s, store := startTestServer(t, 0)

	c := dialTransit(t, s)
	sendHandshake(t, c, testToken)
	expectReply(t, c, "ok\n")
	c.Close()

	rows := waitForUsage(t, store, 1)
	u := rows[0]
	if u.Result != "lonely" {
		t.Fatalf("got result '%s', want 'lonely'", u.Result)
	}
	if u.TotalBytes != 0 {
		t.Fatalf("got %d bytes, want 0", u.TotalBytes)
	}
}

func TestTransitBlurredUsage(t *testing.T) {
	s, store := startTestServer(t, 3600)

	c1 := dialTransit(t, s)
	sendHandshake(t, c1, testToken)
	expectReply(t, c1, "ok\n")
	c2 := dialTransit(t, s)
	sendHandshake(t, c2, testToken)
	expectReply(t, c2, "ok\n")

	c1.Write([]byte("hello"))
	expectReply(t, c2, "hello")
	c1.Close()
	c2.Close()

	rows := waitForUsage(t, store, 1)
	u := rows[0]
	if u.Started%3600 != 0 {
		t.Fatalf("started %d is not blurred to the hour", u.Started)
	}
	//5 real bytes, reported as the 10kB floor
	if u.TotalBytes != 10000 {
		t.Fatalf("got %d bytes, want 10000", u.TotalBytes)
	}
}

func TestBlurSize(t *testing.T) {
	cases := []struct{ in, want int64 }{
		{0, 0},
		{1, 10000},
		{9999, 10000},
		{10000, 10000},
		{10001, 20000},
		{123456, 130000},
		{999999, 1000000},
		{1000000, 1000000},
		{1000001, 2000000},
		{123456789, 124000000},
		{999999999, 1000000000},
		{1000000000, 1000000000},
		{1000000001, 1100000000},
		{1050000000, 1100000000},
	}
	for _, c := range cases {
		if got := blurSize(c.in); got != c.want {
			t.Fatalf("blurSize(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

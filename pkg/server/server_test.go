package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"calendar-backend/pkg/config"
	"calendar-backend/pkg/database"
	"calendar-backend/pkg/handlers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:     "test",
		JWTSecret:       "test-secret",
		TokenTTL:        time.Hour,
		BcryptCost:      4,
		MaxConnections:  4,
		ReadTimeout:     2 * time.Second,
		WriteTimeout:    2 * time.Second,
		RequestTimeout:  2 * time.Second,
		MaxMessageBytes: 4096,
	}
}

// startServer runs a server on a loopback port and stops it with the test.
func startServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	db, err := database.NewLocalDatabase("")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, handlers.NewDispatcher(cfg, db, logger), logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		assert.ErrorIs(t, <-done, ErrServerClosed)
	})
	return srv
}

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn, bufio.NewReader(conn)
}

func readResult(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &res))
	return res
}

func TestServer_SingleUnterminatedRequest(t *testing.T) {
	srv := startServer(t, testConfig())
	conn, r := dial(t, srv)

	// no trailing newline and the socket stays open while waiting
	_, err := conn.Write([]byte(`{"action":"register","email":"a@x.com","pw":"pw","name":"A"}`))
	require.NoError(t, err)

	res := readResult(t, r)
	assert.Equal(t, true, res["success"])
	assert.EqualValues(t, 1, res["user_id"])
}

func TestServer_MultipleRequestsPerConnection(t *testing.T) {
	srv := startServer(t, testConfig())
	conn, r := dial(t, srv)

	requests := []string{
		`{"action":"register","email":"a@x.com","pw":"pw","name":"A"}`,
		`{"action":"login","email":"a@x.com","pw":"pw"}`,
		`{"action":"calendar_add","user_id":1,"name":"Work"}`,
		`{"action":"calendar_list","user_id":1}`,
	}
	// pipelined in one write
	_, err := conn.Write([]byte(strings.Join(requests, "\n") + "\n"))
	require.NoError(t, err)

	for range requests {
		res := readResult(t, r)
		require.Equal(t, true, res["success"], "%v", res)
	}

	_, err = conn.Write([]byte(`{"action":"nope"}`))
	require.NoError(t, err)
	res := readResult(t, r)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "unknown action: nope", res["message"])
}

func TestServer_InvalidJSONClosesConnection(t *testing.T) {
	srv := startServer(t, testConfig())
	conn, r := dial(t, srv)

	_, err := conn.Write([]byte("{\"action\": register}\n"))
	require.NoError(t, err)

	res := readResult(t, r)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "invalid JSON", res["message"])

	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_TruncatedRequest(t *testing.T) {
	srv := startServer(t, testConfig())
	conn, r := dial(t, srv)

	_, err := conn.Write([]byte(`{"action":"login","email":`))
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	res := readResult(t, r)
	assert.Equal(t, "invalid JSON", res["message"])
}

func TestServer_MessageTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 64
	srv := startServer(t, cfg)
	conn, r := dial(t, srv)

	_, err := conn.Write([]byte(`{"action":"register","email":"a@x.com","pw":"` + strings.Repeat("x", 200) + `","name":"A"}`))
	require.NoError(t, err)

	res := readResult(t, r)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "message too large", res["message"])
}

func TestServer_PipelinedRequestCountsBufferedBytes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageBytes = 64
	srv := startServer(t, cfg)
	conn, r := dial(t, srv)

	first := `{"action":"nope"}`
	second := `{"action":"find_user","email":"` + strings.Repeat("x", 57) + `"}`
	require.Len(t, second, 90)

	// part of the second request is read together with the first
	_, err := conn.Write([]byte(first + "\n" + second + "\n"))
	require.NoError(t, err)

	res := readResult(t, r)
	assert.Equal(t, "unknown action: nope", res["message"])

	res = readResult(t, r)
	assert.Equal(t, false, res["success"])
	assert.Equal(t, "message too large", res["message"])
}

func TestServer_NonObjectClosesConnection(t *testing.T) {
	for _, body := range []string{`[1]`, `"register"`, `42`, `null`} {
		t.Run(body, func(t *testing.T) {
			srv := startServer(t, testConfig())
			conn, r := dial(t, srv)

			_, err := conn.Write([]byte(body + "\n" + `{"action":"nope"}` + "\n"))
			require.NoError(t, err)

			res := readResult(t, r)
			assert.Equal(t, false, res["success"])
			assert.Equal(t, "invalid JSON", res["message"])

			_, err = r.ReadByte()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestServer_IdleTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 100 * time.Millisecond
	srv := startServer(t, cfg)
	_, r := dial(t, srv)

	_, err := r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_ConcurrentClients(t *testing.T) {
	srv := startServer(t, testConfig())

	const clients = 8 // more than MaxConnections; extras wait in the backlog
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(5 * time.Second))

			req, _ := json.Marshal(map[string]interface{}{
				"action": "register", "email": string(rune('a'+i)) + "@x.com", "pw": "pw", "name": "user",
			})
			if _, err := conn.Write(req); err != nil {
				errs <- err
				return
			}
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				errs <- err
				return
			}
			if !strings.Contains(line, `"success":true`) {
				errs <- errors.New(line)
				return
			}
			errs <- nil
		}(i)
	}

	for i := 0; i < clients; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestServer_ShutdownWakesIdleConnections(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = time.Minute

	db, err := database.NewLocalDatabase("")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, handlers.NewDispatcher(cfg, db, logger), logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"action":"find_user","email":"nobody@x.com"}`))
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	readResult(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.True(t, time.Since(start) < time.Second, "idle connection should not delay shutdown")
	assert.ErrorIs(t, <-done, ErrServerClosed)

	_, err = r.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_ServeReturnsOnCancel(t *testing.T) {
	cfg := testConfig()
	db, err := database.NewLocalDatabase("")
	require.NoError(t, err)
	srv := New(cfg, handlers.NewDispatcher(cfg, db, nil), slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestLimitedReader(t *testing.T) {
	l := &limitedReader{r: strings.NewReader("abcdefgh")}
	l.allow(0, 4)

	buf := make([]byte, 10)
	n, err := l.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = l.Read(buf)
	assert.ErrorIs(t, err, errMessageTooLarge)

	// the next request began at offset 2, so two of its bytes were already read
	l.allow(2, 4)
	n, err = l.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
	_, err = l.Read(buf)
	assert.ErrorIs(t, err, errMessageTooLarge)

	l.allow(6, 10)
	n, err = l.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "gh", string(buf[:n]))
}

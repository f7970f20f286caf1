//go:build integration

package integration

import (
	"context"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/nd2-go/nd"
	"github.com/rocketbitz/nd2-go/session"
)

const (
	recvContext  nd.RequestContext = 0x1000
	sendContext  nd.RequestContext = 0x2000
	writeContext nd.RequestContext = 0x3000
)

type SessionSuite struct {
	suite.Suite
	address string
	server  *session.Session
	client  *session.Session
}

func (s *SessionSuite) SetupSuite() {
	s.address = integrationAddress()
}

func (s *SessionSuite) SetupTest() {
	t := s.T()
	logger := zaptest.NewLogger(t).Sugar()
	s.server = s.open(session.RoleListener, session.Config{StructuredLogger: logger.Named("server")})
	s.client = s.open(session.RoleConnector, session.Config{StructuredLogger: logger.Named("client")})

	ctx := s.context()
	ln, ok := s.server.Listener()
	require.True(t, ok)
	require.NoError(t, ln.CreateListener())
	require.NoError(t, ln.Listen(ctx, netip.AddrPortFrom(netip.MustParseAddr(s.address), 0).String()))

	var g errgroup.Group
	g.Go(func() error {
		if err := ln.GetConnectionRequest(ctx); err != nil {
			return err
		}
		return ln.Accept(ctx, 1, 1, []byte("welcome"))
	})
	conn, ok := s.client.Connector()
	require.True(t, ok)
	require.NoError(t, conn.Connect(ctx, s.address, ln.ListenAddress().String(), 1, 1, []byte("hello")))
	require.NoError(t, conn.CompleteConnect(ctx))
	require.NoError(t, g.Wait())
	require.Equal(t, "hello", string(s.server.PrivateData()))
	require.Equal(t, "welcome", string(s.client.PrivateData()))
}

func (s *SessionSuite) TearDownTest() {
	ctx := s.context()
	_ = s.client.Shutdown(ctx)
	_ = s.server.Shutdown(ctx)
	require.NoError(s.T(), s.client.Close())
	require.NoError(s.T(), s.server.Close())
}

func (s *SessionSuite) open(role session.Role, cfg session.Config) *session.Session {
	t := s.T()
	sess := session.New(role, cfg)
	require.NoError(t, sess.Initialize(s.context(), s.address))
	limits := sess.Limits()
	require.NoError(t, sess.CreateCQ(2*limits.QueueDepth))
	require.NoError(t, sess.CreateQPWithInline(limits.QueueDepth, limits.MaxSge, limits.InlineThreshold))
	require.NoError(t, sess.CreateMR())
	require.NoError(t, sess.RegisterDataBuffer(s.context(), 1<<20, nd.MRAllowRemoteWrite|nd.MRAllowRemoteRead))
	require.NoError(t, sess.CreateMW())
	require.NoError(t, sess.CreateConnector())
	return sess
}

func (s *SessionSuite) context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.T().Cleanup(cancel)
	return ctx
}

func (s *SessionSuite) TestSendReceive() {
	t := s.T()
	ctx := s.context()
	require.NoError(t, s.server.PostReceive([]nd.SGE{s.server.SGE(0, 64)}, recvContext))

	msg := "hello nd"
	copy(s.client.Buffer(), msg)
	require.NoError(t, s.client.Send([]nd.SGE{s.client.SGE(0, len(msg))}, 0, sendContext))
	_, err := s.client.WaitForCompletionAndCheckContext(ctx, sendContext)
	require.NoError(t, err)

	res, err := s.server.WaitForCompletionAndCheckContext(ctx, recvContext)
	require.NoError(t, err)
	require.Equal(t, msg, string(s.server.Buffer()[:res.BytesTransferred]))
}

func (s *SessionSuite) TestWriteThroughWindow() {
	t := s.T()
	ctx := s.context()
	require.NoError(t, s.server.BindBuffer(ctx, nd.OpAllowWrite))
	peer := s.server.PeerInfo(true)

	payload := s.client.Buffer()[:256<<10]
	for i := range payload {
		payload[i] = byte(i)
	}
	limits := s.client.Limits()
	sges := session.PrepareSGE(payload, int(limits.MaxSge), int(limits.ChunkSize), s.client.LocalToken())
	require.NoError(t, s.client.Write(sges, peer.RemoteAddress, peer.RemoteToken, 0, writeContext))
	res, err := s.client.WaitForCompletionAndCheckContext(ctx, writeContext)
	require.NoError(t, err)
	require.Equal(t, uint32(len(payload)), res.BytesTransferred)
	require.Equal(t, payload, s.server.Buffer()[:len(payload)])
}

func (s *SessionSuite) TestRemoteShutdownCancelsReceive() {
	t := s.T()
	ctx := s.context()
	require.NoError(t, s.client.PostReceive([]nd.SGE{s.client.SGE(0, 64)}, recvContext))
	require.NoError(t, s.server.Shutdown(ctx))
	_, err := s.client.WaitForCompletionAndCheckContext(ctx, recvContext)
	require.ErrorIs(t, err, session.ErrRemoteClosed)
}

func TestSessionEndToEnd(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

// integrationAddress is the adapter address the integration tests bind,
// ND_INTEGRATION_ADDRESS or loopback.
func integrationAddress() string {
	if addr := os.Getenv("ND_INTEGRATION_ADDRESS"); addr != "" {
		return addr
	}
	return "127.0.0.1"
}

func pickPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", integrationAddress()+":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

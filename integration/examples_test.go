//go:build integration

package integration

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
	binDir   string
	address  string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("ND_TEST_EXAMPLES") == "" {
		s.T().Skip("set ND_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
	s.binDir = s.T().TempDir()
	s.address = integrationAddress()
}

func (s *ExampleSuite) TestAddresses() {
	out := s.run(s.build("addresses"))
	require.Contains(s.T(), out, s.address)
}

func (s *ExampleSuite) TestSendRecv() {
	server, client := s.runPair("send_recv")
	require.Contains(s.T(), server, `received "Hello from client."`)
	require.Contains(s.T(), client, `received "Message received by server."`)
	require.Contains(s.T(), client, "peer window address=")
}

func (s *ExampleSuite) TestReadWrite() {
	server, client := s.runPair("read_write", "--buffer-size", "65536", "--iterations", "10")
	require.Contains(s.T(), server, "read back verified")
	require.Contains(s.T(), client, "buffer verified")
}

func (s *ExampleSuite) TestReadWriteStamped() {
	server, client := s.runPair("read_write", "--buffer-size", "65536", "--iterations", "300", "--stamp")
	require.Contains(s.T(), server, "stamped writes: 300 x 65536 bytes")
	require.Contains(s.T(), server, "read back verified")
	require.Contains(s.T(), client, "300 stamped writes verified")
	require.Contains(s.T(), client, "buffer verified")
}

func (s *ExampleSuite) TestSendRecvPerf() {
	server, client := s.runPair("send_recv_perf", "--buffer-size", "65536", "--iterations", "16")
	require.Contains(s.T(), server, "client to server: 16 x 64.0 KiB")
	require.Contains(s.T(), client, "average round trip:")
}

func (s *ExampleSuite) build(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	bin := filepath.Join(s.binDir, name)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", bin, "./examples/"+name)
	cmd.Dir = s.repoRoot
	output, err := cmd.CombinedOutput()
	require.NoErrorf(s.T(), err, "build %s:\n%s", name, string(output))
	return bin
}

func (s *ExampleSuite) run(bin string, args ...string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "%s timed out:\n%s", bin, string(output))
	}
	require.NoErrorf(s.T(), err, "%s failed:\n%s", bin, string(output))
	return string(output)
}

// runPair starts the server side of an example, waits until it listens and
// then runs the client against it. It returns both outputs.
func (s *ExampleSuite) runPair(name string, args ...string) (string, string) {
	bin := s.build(name)
	port := strconv.Itoa(pickPort(s.T()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	serverArgs := append([]string{"-s", s.address, "--port", port}, args...)
	server := exec.CommandContext(ctx, bin, serverArgs...)
	stdout, err := server.StdoutPipe()
	require.NoError(s.T(), err)
	var serverErr strings.Builder
	server.Stderr = &serverErr
	require.NoError(s.T(), server.Start())

	var serverOut strings.Builder
	scanner := bufio.NewScanner(stdout)
	listening := false
	for !listening && scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(&serverOut, line)
		listening = strings.HasPrefix(line, "listening on")
	}
	if !listening {
		_ = server.Wait()
		s.FailNowf("server did not listen", "%s server:\n%s%s", name, serverOut.String(), serverErr.String())
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for scanner.Scan() {
			fmt.Fprintln(&serverOut, scanner.Text())
		}
	}()

	clientArgs := append([]string{"-c", s.address, s.address, "--port", port}, args...)
	clientOut := s.run(bin, clientArgs...)

	<-drained
	require.NoErrorf(s.T(), server.Wait(), "%s server failed:\n%s%s", name, serverOut.String(), serverErr.String())
	return serverOut.String(), clientOut
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}

package cluster

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nodekv/internal/infoproto"
)

// fakeNode is a minimal TCP server that answers info requests the way a
// single server node would, for exactly the fields the tender and the
// new-address path ask for.
type fakeNode struct {
	listener net.Listener
	name     string
	fields   map[string]string
}

func startFakeNode(t *testing.T, name string) *fakeNode {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fn := &fakeNode{
		listener: l,
		name:     name,
		fields: map[string]string{
			"node":                  name,
			"partitions":            "4096",
			"partition-generation":  "1",
			"services":              "",
			"replicas-read":         "",
			"replicas-write":        "",
		},
	}
	go fn.serve(t)
	return fn
}

func (fn *fakeNode) addr() string { return fn.listener.Addr().String() }

func (fn *fakeNode) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(fn.addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func (fn *fakeNode) serve(t *testing.T) {
	for {
		conn, err := fn.listener.Accept()
		if err != nil {
			return
		}
		go fn.handle(conn)
	}
}

func (fn *fakeNode) handle(conn net.Conn) {
	defer conn.Close()
	for {
		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		_, size, err := infoproto.ReadHeader(conn)
		if err != nil {
			return
		}
		body := make([]byte, size)
		if _, err := readFullTest(conn, body); err != nil {
			return
		}
		names := strings.Split(strings.TrimRight(string(body), "\n"), "\n")

		var resp strings.Builder
		for _, n := range names {
			if v, ok := fn.fields[n]; ok {
				resp.WriteString(n)
				resp.WriteByte('\t')
				resp.WriteString(v)
				resp.WriteByte('\n')
			}
		}
		payload := []byte(resp.String())
		if err := infoproto.WriteHeader(conn, infoproto.MsgTypeInfo, uint64(len(payload))); err != nil {
			return
		}
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

func readFullTest(conn net.Conn, buf []byte) (int, error) {
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

func TestClusterDiscoversSeedAndPopulatesPartitionTable(t *testing.T) {
	fn := startFakeNode(t, "BB9000000000000")
	defer fn.listener.Close()

	host, port := fn.hostPort(t)
	c := New(Options{
		TendInterval:     30 * time.Millisecond,
		NodeTendInterval: 30 * time.Millisecond,
		InfoTimeout:      time.Second,
		Seeds: []struct {
			Host string
			Port int
		}{{Host: host, Port: port}},
	})
	defer c.Destroy(0)

	require.Eventually(t, func() bool {
		return c.ActiveNodeCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return c.PartitionTable().PartitionCount() == 4096
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClusterAddHostDeduplicates(t *testing.T) {
	c := New(Options{
		TendInterval:     time.Hour,
		NodeTendInterval: time.Hour,
	})
	defer c.Destroy(0)

	c.AddHost("example.invalid", 3000)
	c.AddHost("example.invalid", 3000)
	c.seedsMu.Lock()
	n := len(c.seeds)
	c.seedsMu.Unlock()
	require.Equal(t, 1, n)
}

func TestClusterRandomLiveNodeNilOnEmptyCluster(t *testing.T) {
	c := New(Options{
		TendInterval:     time.Hour,
		NodeTendInterval: time.Hour,
	})
	defer c.Destroy(0)

	require.Nil(t, c.RandomLiveNode(), "an empty cluster has no live node")
}

func TestClusterDestroyStopsTenderAndReleasesNodes(t *testing.T) {
	fn := startFakeNode(t, "BB9000000000001")
	defer fn.listener.Close()

	host, port := fn.hostPort(t)
	c := New(Options{
		TendInterval:     20 * time.Millisecond,
		NodeTendInterval: 20 * time.Millisecond,
		InfoTimeout:      time.Second,
		Seeds: []struct {
			Host string
			Port int
		}{{Host: host, Port: port}},
	})

	require.Eventually(t, func() bool {
		return c.ActiveNodeCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	c.Destroy(0)
	require.Equal(t, 0, c.ActiveNodeCount())
}

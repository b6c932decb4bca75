package nodekv

import (
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodekv/internal/infoproto"
)

func TestNewRejectsEmptyHostList(t *testing.T) {
	_, err := New(nil, DefaultClientPolicy())
	assert.Error(t, err)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	p := DefaultClientPolicy()
	p.DunThreshold = 0
	_, err := New([]Host{{Name: "127.0.0.1", Port: 3000}}, p)
	assert.Error(t, err)
}

func startFakeServerNode(t *testing.T, name string) (addr string, cleanup func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fields := map[string]string{
		"node":                 name,
		"partitions":           "4096",
		"partition-generation": "1",
		"services":             "",
		"replicas-read":        "",
		"replicas-write":       "",
	}

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
					_, size, err := infoproto.ReadHeader(conn)
					if err != nil {
						return
					}
					body := make([]byte, size)
					total := 0
					for total < len(body) {
						n, err := conn.Read(body[total:])
						total += n
						if err != nil {
							return
						}
					}
					names := strings.Split(strings.TrimRight(string(body), "\n"), "\n")
					var resp strings.Builder
					for _, n := range names {
						if v, ok := fields[n]; ok {
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
			}()
		}
	}()

	return l.Addr().String(), func() { l.Close() }
}

func TestClientRouteFallsBackToRandomLiveNode(t *testing.T) {
	addr, cleanup := startFakeServerNode(t, "BB9CLIENTTEST01")
	defer cleanup()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	policy := DefaultClientPolicy()
	policy.TendInterval = 100 * time.Millisecond
	policy.NodeTendInterval = 100 * time.Millisecond

	c, err := New([]Host{{Name: host, Port: port}}, policy)
	require.NoError(t, err)
	defer c.Close()

	require.Eventually(t, func() bool {
		return c.Stats().ActiveNodes == 1
	}, 2*time.Second, 10*time.Millisecond)

	node, err := c.Route(Command{Namespace: "test", Write: false})
	require.NoError(t, err)
	assert.Equal(t, "BB9CLIENTTEST01", node.Name())
}

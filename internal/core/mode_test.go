package core

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvest/internal/capability"
	herr "harvest/internal/errors"
	"harvest/internal/metrics"
	"harvest/internal/session/sessiontest"
	"harvest/inventory"
	"harvest/util"
)

func shell(name string) *sessiontest.Remote {
	return &sessiontest.Remote{
		Banner: "Welcome to " + name + "\n",
		Prompt: name + "$ ",
		Respond: func(line string) string {
			switch line {
			case "uname":
				return "Linux\n"
			case "hostname":
				return name + "\n"
			}
			return "sh: " + line + ": not found\n"
		},
	}
}

// serve starts one SSH server per name and registers the hosts.
func serve(t *testing.T, names ...string) (*inventory.Registry, map[string]*sessiontest.Remote) {
	t.Helper()
	reg := inventory.New(nil)
	reg.SetTemplate("linux", inventory.Template{
		Prompt:   `\$ \z`,
		Commands: map[string][]string{"facts": {"hostname"}},
	})
	remotes := make(map[string]*sessiontest.Remote)
	for _, n := range names {
		r := shell(n)
		srv := sessiontest.NewServer(t, r, "ops", "s3cret")
		require.NoError(t, reg.Set(inventory.Host{
			Name:     n,
			Type:     "linux",
			HostName: srv.Host(),
			Port:     srv.Port(),
			User:     "ops",
			Password: "s3cret",
			Options:  map[string]any{"timeout": 5},
		}))
		remotes[n] = r
	}
	return reg, remotes
}

func TestListMode(t *testing.T) {
	var out bytes.Buffer
	m := &ListMode{Hosts: []string{"db1", "web1"}, Stdout: &out}
	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, "db1\nweb1\n", out.String())
}

func TestRunMode_SingleHost(t *testing.T) {
	reg, remotes := serve(t, "web1")
	var out bytes.Buffer

	m := &RunMode{
		Registry:   reg,
		Hosts:      []string{"web1"},
		Capability: &capability.Exec{Lines: []string{"uname"}, Calls: []string{"facts"}},
		Jobs:       1,
		Logger:     util.NewLogger(0),
		Stdout:     &out,
	}
	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []string{"uname", "hostname"}, remotes["web1"].Lines())
	assert.Contains(t, out.String(), "Welcome to web1")
	assert.Contains(t, out.String(), "Linux")
	assert.NotContains(t, out.String(), "web1 | ", "a single host is not prefixed")

	res := m.Results()
	require.Len(t, res, 1)
	assert.NoError(t, res[0].Err)
	assert.Contains(t, res[0].Output, "Linux")
}

func TestRunMode_ManyHosts(t *testing.T) {
	reg, remotes := serve(t, "web1", "web2", "db")
	var out bytes.Buffer
	m := &RunMode{
		Registry:   reg,
		Hosts:      []string{"db", "web1", "web2"},
		Capability: &capability.Exec{Lines: []string{"uname"}},
		Jobs:       2,
		Logger:     util.NewLogger(0),
		Metrics:    metrics.New(),
		Stdout:     &out,
	}
	require.NoError(t, m.Run(context.Background()))

	for name, r := range remotes {
		assert.Equal(t, []string{"uname"}, r.Lines(), name)
	}
	assert.Contains(t, out.String(), "db   | Welcome to db")
	assert.Contains(t, out.String(), "web1 | Welcome to web1")
	assert.Contains(t, out.String(), "web2 | Welcome to web2")

	assert.EqualValues(t, 3, m.Metrics.TotalSessions())
	assert.EqualValues(t, 0, m.Metrics.ActiveSessions())
	assert.EqualValues(t, 3, m.Metrics.Commands())
}

func TestRunMode_FailingHostDoesNotStopOthers(t *testing.T) {
	reg, remotes := serve(t, "web1")
	require.NoError(t, reg.Set(inventory.Host{
		Name:     "dead",
		HostName: "127.0.0.1",
		Port:     1,
		User:     "ops",
		Options:  map[string]any{"max_retry": 1},
	}))

	m := &RunMode{
		Registry:   reg,
		Hosts:      []string{"dead", "web1"},
		Capability: &capability.Exec{Lines: []string{"uname"}},
		Jobs:       2,
		Quiet:      true,
		Logger:     util.NewLogger(0),
		Metrics:    metrics.New(),
	}
	err := m.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead: ")

	var ce *herr.ConnectionError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"uname"}, remotes["web1"].Lines())
	assert.EqualValues(t, 1, m.Metrics.ErrorCount())

	res := m.Results()
	assert.Error(t, res[0].Err)
	assert.NoError(t, res[1].Err)
}

func TestRunMode_LogDir(t *testing.T) {
	reg, _ := serve(t, "web1")
	dir := filepath.Join(t.TempDir(), "logs")

	m := &RunMode{
		Registry:   reg,
		Hosts:      []string{"web1"},
		Capability: &capability.Exec{Lines: []string{"uname"}},
		Jobs:       1,
		LogDir:     dir,
		Quiet:      true,
		Logger:     util.NewLogger(0),
	}
	require.NoError(t, m.Run(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "web1.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Linux")
}

func TestRunMode_Overrides(t *testing.T) {
	reg, _ := serve(t, "web1")

	m := &RunMode{
		Registry:   reg,
		Hosts:      []string{"web1"},
		Overrides:  map[string]any{"binmode": "yes"},
		Capability: &capability.Exec{Lines: []string{"uname"}},
		Jobs:       1,
		Quiet:      true,
		Logger:     util.NewLogger(0),
	}
	assert.ErrorIs(t, m.Run(context.Background()), herr.ErrInvalidArgument)
}

func TestConnectMode(t *testing.T) {
	reg, remotes := serve(t, "web1")
	var out, errOut bytes.Buffer

	m := &ConnectMode{
		Registry:   reg,
		Host:       "web1",
		Capability: &capability.Relay{Stdin: strings.NewReader("uname\nexit\n")},
		Logger:     util.NewLogger(0),
		Stdout:     &out,
		Stderr:     &errOut,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	assert.Equal(t, "Trying web1...\nEscape character is '^]'.\n", errOut.String())
	assert.Contains(t, out.String(), "Linux")
	assert.Equal(t, []string{"uname"}, remotes["web1"].Lines())
}

func TestConnectMode_UnknownHost(t *testing.T) {
	m := &ConnectMode{
		Registry:   inventory.New(nil),
		Host:       "ghost",
		Capability: &capability.Relay{Stdin: strings.NewReader("")},
		Logger:     util.NewLogger(0),
		Stdout:     &bytes.Buffer{},
		Stderr:     &bytes.Buffer{},
	}
	assert.ErrorIs(t, m.Run(context.Background()), herr.ErrNoHosts)
}

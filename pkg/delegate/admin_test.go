package delegate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpl-dev/mcpld/pkg/eventlog"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/registry"
	"github.com/mcpl-dev/mcpld/pkg/scope"
)

func newAdmin(t *testing.T) (*Admin, *Manager, *registry.Registry) {
	t.Helper()
	journal, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)

	reg := registry.New(0)
	m := NewManager(reg, nil)
	scopes := scope.NewManager(journal, nil, m, scope.Config{})
	return NewAdmin(m, scopes, reg), m, reg
}

func installWorker(t *testing.T, m *Manager, reg *registry.Registry) *Connected {
	t.Helper()
	c := connected("s1", "u1", "worker")
	require.NoError(t, m.Register(c))

	servers := map[string]string{
		"files": m.GetOrCreateServerID("worker", "files"),
		"git":   m.GetOrCreateServerID("worker", "git"),
	}
	specs := []protocol.ToolSpec{
		{Name: "read", ServerName: "files"},
		{Name: "write", ServerName: "files"},
		{Name: "log", ServerName: "git"},
	}
	installed := reg.InstallDelegateTools("u1", "worker", specs, servers, nil)
	require.Len(t, installed, 3)
	m.UpdateTools(c, servers, len(installed))
	return c
}

func TestListServersSortedWithToolCounts(t *testing.T) {
	admin, m, reg := newAdmin(t)
	installWorker(t, m, reg)

	servers := admin.ListServers("u1")
	require.Len(t, servers, 2)
	assert.Equal(t, "srv_1", servers[0].ServerID)
	assert.Equal(t, "srv_2", servers[1].ServerID)

	counts := map[string]int{}
	for _, s := range servers {
		counts[s.ServerName] = s.ToolCount
		assert.Equal(t, "worker", s.DelegateID)
		assert.True(t, s.Enabled)
	}
	assert.Equal(t, 2, counts["files"])
	assert.Equal(t, 1, counts["git"])
}

func TestListServersIsolatedPerUser(t *testing.T) {
	admin, m, reg := newAdmin(t)
	installWorker(t, m, reg)

	assert.Empty(t, admin.ListServers("u2"))
}

func TestSetServerEnabledRefusesUnknown(t *testing.T) {
	admin, m, reg := newAdmin(t)
	installWorker(t, m, reg)

	err := admin.SetServerEnabled("u1", "srv_99", false)
	require.Error(t, err)

	require.NoError(t, admin.SetServerEnabled("u1", "srv_1", false))
	info, ok := admin.ServerStatus("u1", "srv_1")
	require.True(t, ok)
	assert.False(t, info.Enabled)

	// Another user cannot flip a server they do not own.
	err = admin.SetServerEnabled("u2", "srv_1", true)
	require.Error(t, err)
}

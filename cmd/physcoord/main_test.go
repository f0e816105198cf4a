package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/physcoord/core/capability"
	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/core/switchover"
	"github.com/sushant-115/physcoord/core/transaction"
	"github.com/sushant-115/physcoord/pkg/config"
	"github.com/sushant-115/physcoord/pkg/telemetry"
)

func TestBuildNodeActivatesWithoutHA(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Backend: config.BackendBolt, Path: filepath.Join(t.TempDir(), "store.db")}
	cfg.Drivers = map[string]string{"pfc": "127.0.0.1:1"}

	n, err := buildNode(cfg, zap.NewNop(), telemetry.Noop())
	require.NoError(t, err)
	t.Cleanup(n.close)

	require.Equal(t, switchover.RoleStandby, n.switcher.Role())
	require.NoError(t, n.failover.BecomeActive(context.Background()))
	require.Equal(t, switchover.RoleActive, n.switcher.Role())
	require.Equal(t, transaction.StateIdle, n.coord.State())
}

func TestBuildCapability(t *testing.T) {
	cfg := config.Default()
	oracle, err := buildCapability(cfg)
	require.NoError(t, err)
	require.IsType(t, &capability.Cached{}, oracle)
	require.True(t, oracle.IsSupported(model.ControllerODC, "1", model.KindController, model.OpDelete))

	cfg.Capability.CacheSize = 0
	cfg.Capability.Entries = []config.CapabilityEntry{{Type: "pfc", Kind: "controller", Operations: []string{"create"}}}
	oracle, err = buildCapability(cfg)
	require.NoError(t, err)
	require.True(t, oracle.IsSupported(model.ControllerPFC, "7.0", model.KindController, model.OpCreate))
	require.False(t, oracle.IsSupported(model.ControllerPFC, "7.0", model.KindController, model.OpUpdate))
}

func TestStatusCommandPrintsReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/status", r.URL.Path)
		_, _ = w.Write([]byte(`{"state":"idle"}`))
	}))
	t.Cleanup(srv.Close)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--admin", strings.TrimPrefix(srv.URL, "http://")})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), `"idle"`)
}

func TestAuditCommandReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"result":"failure"}`))
	}))
	t.Cleanup(srv.Close)

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"audit", "--admin", strings.TrimPrefix(srv.URL, "http://")})
	require.ErrorContains(t, root.Execute(), "500")
}

// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/browser/browsertest"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/observability"
	"github.com/xkilldash9x/socialdriver/internal/store"
)

// testConfig shortens every wait so that commands finish immediately against
// in-memory pages.
const testConfig = `
logger:
  level: fatal
locator:
  render_wait: 0s
  query_timeout: 1s
browser:
  interaction_timeout: 1s
confirmation:
  delayed_wait: 1ms
  strategy_timeout: 2s
batch:
  inter_action_delay: 0s
  jitter: 0s
`

// fakeEnvironment serves in-memory pages and a caller supplied store.
type fakeEnvironment struct {
	provider *browsertest.Provider
	repo     store.Repository
	storeErr error
	shutdown int
}

func (f *fakeEnvironment) Provider(context.Context, *config.Config, *zap.Logger) (browser.Provider, func(), error) {
	return f.provider, func() { f.shutdown++ }, nil
}

func (f *fakeEnvironment) Store(context.Context, *config.Config, *zap.Logger) (store.Repository, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	if f.repo == nil {
		return store.Nop{}, nil
	}
	return f.repo, nil
}

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()
	viper.Reset()
	cfgFile = ""
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

// writeFile writes content to a new file in a per-test directory.
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// executeCommand runs the command tree against env with the test config
// prepended, returning stdout.
func executeCommand(t *testing.T, env environment, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)

	root := newRootCmd(env)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", writeFile(t, "config.yaml", testConfig)}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

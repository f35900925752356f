package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	Retries.WithLabelValues(ChainLabel(1328), "approval").Inc()

	path := filepath.Join(t.TempDir(), "nested", "vault.prom")
	require.NoError(t, WriteTextfile(path))

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(buf), "vault_step_retries_total"))
}

func TestWriteTextfileEmptyPathIsNoop(t *testing.T) {
	assert.NoError(t, WriteTextfile(""))
}

func TestNetworkSwitchesByOutcome(t *testing.T) {
	counter := NetworkSwitches.WithLabelValues(ChainLabel(11155111), "added")
	before := testutil.ToFloat64(counter)
	counter.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smart-school/school_sync/internal/entity"
	"github.com/smart-school/school_sync/internal/notify"
	"github.com/smart-school/school_sync/internal/store/storetest"
	"github.com/smart-school/school_sync/internal/sync"
)

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("write /dev/stdout: broken pipe") }

func newOnceService(t *testing.T) *sync.Service {
	t.Helper()
	catalog := entity.DefaultCatalog()
	primary, secondary := storetest.New(catalog), storetest.New(catalog)
	primary.Seed(entity.KindSchool, entity.Row{"id": int64(5), "name": "Hillview", "is_active": true})
	s := sync.NewService(catalog, primary, secondary, notify.Nop{}, sync.DefaultConfig())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunOnceWritesSummaries(t *testing.T) {
	var out bytes.Buffer
	require.True(t, runOnce(context.Background(), newOnceService(t), []int64{5}, &out))

	var summary map[string]any
	require.NoError(t, json.NewDecoder(&out).Decode(&summary))
	assert.EqualValues(t, 5, summary["tenant_id"])
}

func TestRunOnceLogsSummaryWriteFailure(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()

	assert.True(t, runOnce(context.Background(), newOnceService(t), []int64{5}, failingWriter{}))

	var found bool
	for _, e := range hook.AllEntries() {
		if e.Message == "Failed to write sync summary" {
			assert.Equal(t, logrus.WarnLevel, e.Level)
			assert.EqualValues(t, 5, e.Data["tenant_id"])
			found = true
		}
	}
	assert.True(t, found)
}

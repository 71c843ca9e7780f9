package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/supa-modo/vuka-wifi-billing-server/pkg/accounting"
	"github.com/supa-modo/vuka-wifi-billing-server/pkg/store"
)

func TestCollectAndServe(t *testing.T) {
	s := store.NewMemoryStore()
	ingestor, err := accounting.NewIngestor(s, zap.NewNop())
	require.NoError(t, err)

	// Feed one unmatched record so a counter moves.
	require.NoError(t, ingestor.HandleRecord(context.Background(), accounting.Record{
		StatusType:    accounting.StatusInterim,
		AcctSessionID: "8100001a",
		Username:      "User99999",
		InputOctets:   100,
	}))

	m := New(Sources{Ingestor: ingestor}, zap.NewNop())
	require.NoError(t, m.Register())
	// Repeated registration must not fail.
	require.NoError(t, m.Register())

	m.Collect(context.Background())

	recorder := httptest.NewRecorder()
	m.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	body := recorder.Body.String()
	assert.Contains(t, body, "vukawifi_accounting_records_total")
	assert.True(t, strings.Contains(body, `status="interim"`))
}

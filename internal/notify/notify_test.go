package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type panicSink struct{}

func (panicSink) Notify(context.Context, Kind, map[string]interface{}) { panic("boom") }

type recordingSink struct {
	mu    sync.Mutex
	kinds []Kind
}

func (r *recordingSink) Notify(_ context.Context, kind Kind, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func TestMultiIsolatesPanickingSinks(t *testing.T) {
	logger, hook := test.NewNullLogger()
	recorder := &recordingSink{}
	multi := NewMulti(logger, panicSink{}, recorder)

	assert.NotPanics(t, func() {
		multi.Notify(context.Background(), KindSyncFailed, map[string]interface{}{"queue_item": "1"})
	})
	assert.Equal(t, []Kind{KindSyncFailed}, recorder.kinds)
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	NewLogNotifier(logger).Notify(context.Background(), KindAuthFailure, map[string]interface{}{"source": "shopify"})

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, KindAuthFailure, entry.Data["alert"])
	assert.Equal(t, "shopify", entry.Data["source"])
}

func TestSlackNotifierPostsInBackground(t *testing.T) {
	received := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		received <- body["text"]
	}))
	defer server.Close()

	logger, _ := test.NewNullLogger()
	slack := NewSlackNotifier(server.URL, logger)
	slack.Notify(context.Background(), KindSyncFailed, map[string]interface{}{"store": "S1", "error": "503"})
	slack.Wait()

	text := <-received
	assert.Contains(t, text, "sync_failed")
	assert.Contains(t, text, "error=503 store=S1")
}

func TestSlackNotifierSwallowsDeliveryErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	logger, hook := test.NewNullLogger()
	slack := NewSlackNotifier(server.URL, logger)
	slack.Notify(context.Background(), KindScheduleError, nil)
	slack.Wait()

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestNATSSubject(t *testing.T) {
	n := &NATSNotifier{prefix: "esl.alerts"}
	assert.Equal(t, "esl.alerts.reconciliation_drift", n.Subject(KindReconciliationDrift))
}

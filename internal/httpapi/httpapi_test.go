package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/farm"
	"github.com/ChuLiYu/fabric-recovery/internal/metrics"
	"github.com/ChuLiYu/fabric-recovery/internal/storage/memstore"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*engine.Engine, *gin.Engine) {
	t.Helper()
	sim := farm.NewSimulator()
	sim.AddGroup("g1", "s1", "s2", "s3")

	collector := metrics.NewCollector()
	eng, err := engine.New(engine.DefaultConfig(), engine.Deps{Repository: memstore.New(), Farm: sim, Observer: collector})
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng, NewRouter(eng, collector.Handler())
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	_, router := newTestRouter(t)
	w := do(router, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestSubmitAndGetJob(t *testing.T) {
	eng, router := newTestRouter(t)

	w := do(router, "POST", "/v1/procedures/failover", `{"args":{"group":"g1"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, 1.0, decode(t, w)["job_id"])

	_, err := eng.WaitForJob(context.Background(), 1, 5*time.Second)
	require.NoError(t, err)

	w = do(router, "GET", "/v1/jobs/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(types.JobComplete), body["status"])
	assert.Len(t, body["actions"], 5)
}

func TestSubmitAndWait(t *testing.T) {
	_, router := newTestRouter(t)

	w := do(router, "POST", "/v1/procedures/failover?wait=5s", `{"args":{"group":"g1"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(types.JobComplete), decode(t, w)["status"])
}

func TestSubmitErrors(t *testing.T) {
	_, router := newTestRouter(t)

	assert.Equal(t, http.StatusBadRequest, do(router, "POST", "/v1/procedures/nope", `{"args":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, "POST", "/v1/procedures/failover", "").Code, "group is required")
	assert.Equal(t, http.StatusBadRequest, do(router, "POST", "/v1/procedures/failover", `{"args":`).Code)
	assert.Equal(t, http.StatusNotFound, do(router, "GET", "/v1/jobs/99", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(router, "GET", "/v1/jobs/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, do(router, "POST", "/v1/jobs/99/cancel", "").Code)
}

func TestCancelFinishedJob(t *testing.T) {
	eng, router := newTestRouter(t)
	id, err := eng.SubmitProcedure(context.Background(), "failover", map[string]string{"group": "g1"})
	require.NoError(t, err)
	_, err = eng.WaitForJob(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, http.StatusConflict, do(router, "POST", "/v1/jobs/1/cancel", "").Code)
}

func TestPublishServerEvent(t *testing.T) {
	eng, router := newTestRouter(t)

	w := do(router, "POST", "/v1/events/server_lost", `{"payload":{"group":"g1","server":"s1"}}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "SERVER_LOST", decode(t, w)["name"])

	require.Eventually(t, func() bool {
		job, err := eng.GetJob(context.Background(), 1)
		return err == nil && job.Status == types.JobComplete
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, http.StatusBadRequest, do(router, "POST", "/v1/events/JOB_COMPLETE", `{"payload":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, "POST", "/v1/events/BOGUS", `{"payload":{}}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(router, "POST", "/v1/events/SERVER_LOST", `{}`).Code)
}

func TestStatsProceduresAndMetrics(t *testing.T) {
	eng, router := newTestRouter(t)
	id, err := eng.SubmitProcedure(context.Background(), "failover", map[string]string{"group": "g1"})
	require.NoError(t, err)
	_, err = eng.WaitForJob(context.Background(), id, 5*time.Second)
	require.NoError(t, err)

	w := do(router, "GET", "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode(t, w)["last_job_id"])

	w = do(router, "GET", "/v1/procedures", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"failover"`)

	w = do(router, "GET", "/v1/parked", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())

	w = do(router, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `fabric_jobs_finished_total{procedure="failover",status="COMPLETE"} 1`)
}

func TestLookupServers(t *testing.T) {
	_, router := newTestRouter(t)

	w := do(router, "GET", "/v1/groups/g1/servers", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view engine.GroupView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "g1", view.Group)
	assert.Equal(t, "s1", view.Master)
	require.Len(t, view.Servers, 3)
	assert.Equal(t, "s2", view.Servers[1].ID)
	assert.Equal(t, "s1", view.Servers[1].Source)

	w = do(router, "GET", "/v1/groups/g1/servers?status=spare", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"servers":[]`)

	w = do(router, "GET", "/v1/groups/g1/servers?status=broken", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(router, "GET", "/v1/groups/gx/servers", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerManagementThroughAPI(t *testing.T) {
	_, router := newTestRouter(t)

	w := do(router, "POST", "/v1/procedures/add_server?wait=5s", `{"args":{"group":"g1","server":"s4"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(types.JobComplete), decode(t, w)["status"])

	w = do(router, "POST", "/v1/procedures/set_server_status?wait=5s", `{"args":{"group":"g1","server":"s4","status":"spare"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(types.JobComplete), decode(t, w)["status"])

	w = do(router, "GET", "/v1/groups/g1/servers?status=SPARE", "")
	require.Equal(t, http.StatusOK, w.Code)
	var view engine.GroupView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.Len(t, view.Servers, 1)
	assert.Equal(t, "s4", view.Servers[0].ID)

	w = do(router, "POST", "/v1/procedures/remove_server?wait=5s", `{"args":{"group":"g1","server":"s1"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, string(types.JobCompensated), body["status"], "the master cannot be removed")
	assert.Contains(t, body["error"], "group master")

	w = do(router, "POST", "/v1/procedures/set_server_status", `{"args":{"group":"g1","server":"s2","status":"broken"}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

package runpod

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-trainer/core/models"
)

// fakeAPI is a minimal GraphQL endpoint answering the documents the client sends
type fakeAPI struct {
	mu        sync.Mutex
	requests  []graphQLRequest
	rejectFor map[string]bool // cloud types without capacity
}

func (f *fakeAPI) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/graphql", f.handle).Methods("POST").Queries("api_key", "test-key")
	return r
}

func (f *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.Contains(req.Query, "podFindAndDeployOnDemand"):
		input := req.Variables["input"].(map[string]interface{})
		if f.rejectFor[input["cloudType"].(string)] {
			writeJSON(w, map[string]interface{}{
				"errors": []map[string]string{{"message": "There are no longer any instances available with the requested specifications."}},
			})
			return
		}
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{
			"podFindAndDeployOnDemand": map[string]interface{}{"id": "pod-abc", "costPerHr": 0.44, "machineId": "m1"},
		}})
	case strings.Contains(req.Query, "__type"):
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{
			"__type": map[string]interface{}{"fields": []interface{}{
				map[string]interface{}{"name": "sshCommand", "type": map[string]interface{}{"kind": "SCALAR", "name": "String"}},
				map[string]interface{}{"name": "runtime", "type": map[string]interface{}{
					"kind": "NON_NULL", "name": nil, "ofType": map[string]interface{}{"kind": "OBJECT", "name": "PodRuntime"},
				}},
			}},
		}})
	case strings.Contains(req.Query, "PodField"):
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{
			"pod": map[string]interface{}{"machine": map[string]interface{}{"podHostId": "pod-abc-64411c"}},
		}})
	case strings.Contains(req.Query, "podTerminate"):
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"podTerminate": nil}})
	case strings.Contains(req.Query, "runtime"):
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{
			"pod": map[string]interface{}{
				"id": "pod-abc",
				"runtime": map[string]interface{}{
					"uptimeInSeconds": 12,
					"ports": []interface{}{
						map[string]interface{}{"ip": "194.68.245.9", "isIpPublic": true, "privatePort": 22, "publicPort": 22041, "type": "tcp"},
					},
				},
			},
		}})
	default:
		http.Error(w, "unexpected query", http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.router())
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{Endpoint: srv.URL + "/graphql", APIKey: "test-key", Image: "trainer:latest", VolumeGB: 50, ContainerGB: 20})
	require.NoError(t, err)
	return c
}

func TestCreateInstanceMapsPoolToCloudType(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	inst, err := c.CreateInstance(context.Background(), models.InstanceRequest{Name: "run-1", Pool: models.PoolShared, Tier: "NVIDIA RTX A5000"})
	require.NoError(t, err)

	assert.Equal(t, "pod-abc", inst.ID)
	assert.Equal(t, models.PoolShared, inst.Pool)
	assert.Equal(t, 0.44, inst.CostPerHour)
	assert.Equal(t, models.InstanceStateProvisioned, inst.State)

	input := api.requests[0].Variables["input"].(map[string]interface{})
	assert.Equal(t, "COMMUNITY", input["cloudType"])
	assert.Equal(t, "NVIDIA RTX A5000", input["gpuTypeId"])
	assert.Equal(t, "trainer:latest", input["imageName"])
}

func TestCreateInstanceSurfacesAPIError(t *testing.T) {
	api := &fakeAPI{rejectFor: map[string]bool{"SECURE": true}}
	c := newTestClient(t, api)

	_, err := c.CreateInstance(context.Background(), models.InstanceRequest{Pool: models.PoolDedicated, Tier: "NVIDIA A100 80GB PCIe"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Error(), "no longer any instances")
}

func TestDescribeInstance(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})

	desc, err := c.DescribeInstance(context.Background(), "pod-abc")
	require.NoError(t, err)
	assert.True(t, desc.Ready)
	assert.Equal(t, "194.68.245.9", desc.PublicIP)

	mapping, ok := desc.PublicTCPPort(22)
	require.True(t, ok)
	assert.Equal(t, 22041, mapping.PublicPort)
}

func TestTypeFieldsUnwrapsNonNull(t *testing.T) {
	c := newTestClient(t, &fakeAPI{})

	fields, err := c.TypeFields(context.Background(), "Pod")
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, models.SchemaField{Name: "sshCommand", Kind: "SCALAR", TypeName: "String"}, fields[0])
	assert.Equal(t, models.SchemaField{Name: "runtime", Kind: "OBJECT", TypeName: "PodRuntime"}, fields[1])
}

func TestInstanceFieldNested(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)

	v, err := c.InstanceField(context.Background(), "pod-abc", "machine", "podHostId")
	require.NoError(t, err)
	assert.Equal(t, "pod-abc-64411c", v)
	assert.Contains(t, api.requests[0].Query, "machine { podHostId }")

	_, err = c.InstanceField(context.Background(), "pod-abc", "bad field")
	assert.Error(t, err)
}

func TestTerminateInstance(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(t, api)
	require.NoError(t, c.TerminateInstance(context.Background(), "pod-abc"))
	assert.Equal(t, "pod-abc", api.requests[0].Variables["podId"])
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)
}

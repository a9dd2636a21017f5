package huggingface

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"opmsync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := New(
		server.URL,
		"hf_test",
		5*time.Second,
		WithRetrySchedule([]time.Duration{time.Millisecond, time.Millisecond}),
	)
	return client, server
}

func TestWhoAmI(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/whoami-v2", r.URL.Path)
		assert.Equal(t, "Bearer hf_test", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"name":"abigailhaddad","type":"user"}`))
	}))

	who, err := client.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abigailhaddad", who.Name)
}

func TestWhoAmI_Unauthorized(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.WhoAmI(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUploadRejected))
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")
}

func TestDatasetExists(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  string
		want    bool
		wantErr bool
	}{
		{name: "present", status: http.StatusOK, want: true},
		{name: "absent", status: http.StatusNotFound, want: false},
		{name: "not found code", status: http.StatusUnauthorized, header: "RepoNotFound", want: false},
		{name: "forbidden", status: http.StatusForbidden, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/datasets/owner/opm-federal-accessions-202101", r.URL.Path)
				if tt.header != "" {
					w.Header().Set("X-Error-Code", tt.header)
				}
				w.WriteHeader(tt.status)
			}))

			exists, err := client.DatasetExists(context.Background(), "owner/opm-federal-accessions-202101")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, exists)
		})
	}
}

func TestDatasetExists_RetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	exists, err := client.DatasetExists(context.Background(), "owner/repo")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDatasetExists_ExhaustedRetriesAreTransient(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := client.DatasetExists(context.Background(), "owner/repo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTransientNetwork))
	assert.Equal(t, int32(3), calls.Load())
}

func TestListFiles(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets/owner/repo/tree/main", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"type":"file","path":".gitattributes","size":10},
			{"type":"directory","path":"extra"},
			{"type":"file","path":"data.parquet","size":2048}
		]`))
	}))

	files, err := client.ListFiles(context.Background(), "owner/repo")
	require.NoError(t, err)
	assert.Equal(t, []string{".gitattributes", "data.parquet"}, files)
}

func TestCreateDataset(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "created", status: http.StatusOK},
		{name: "already exists", status: http.StatusConflict},
		{name: "forbidden", status: http.StatusForbidden, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/repos/create", r.URL.Path)

				var req createRepoRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "dataset", req.Type)
				assert.Equal(t, "owner", req.Organization)
				assert.Equal(t, "opm-federal-employment-202511", req.Name)

				w.WriteHeader(tt.status)
			}))

			err := client.CreateDataset(context.Background(), "owner/opm-federal-employment-202511")
			if tt.wantErr {
				assert.True(t, errors.Is(err, types.ErrUploadRejected))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCreateDataset_InvalidRepoID(t *testing.T) {
	client := New("http://127.0.0.1:0", "hf_test", time.Second)
	assert.Error(t, client.CreateDataset(context.Background(), "no-owner"))
}

func TestSearchDatasets(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets", r.URL.Path)
		assert.Equal(t, "owner", r.URL.Query().Get("author"))
		assert.Equal(t, "opm-federal-accessions-", r.URL.Query().Get("search"))
		_, _ = w.Write([]byte(`[{"id":"owner/opm-federal-accessions-202101"},{"id":"owner/opm-federal-accessions-202102"}]`))
	}))

	ids, err := client.SearchDatasets(context.Background(), "owner", "opm-federal-accessions-")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"owner/opm-federal-accessions-202101",
		"owner/opm-federal-accessions-202102",
	}, ids)
}

func writeUploadFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accessions_202101.parquet")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func readCommitLines(t *testing.T, r *http.Request) []map[string]json.RawMessage {
	t.Helper()
	assert.Equal(t, "application/x-ndjson", r.Header.Get("Content-Type"))

	var lines []map[string]json.RawMessage
	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		var line map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestUploadFile_Regular(t *testing.T) {
	content := "PAR1 small parquet body"
	path := writeUploadFile(t, content)

	var committed atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/datasets/owner/repo/preupload/main", func(w http.ResponseWriter, r *http.Request) {
		var req preuploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Files, 1)
		assert.Equal(t, "data.parquet", req.Files[0].Path)
		assert.Equal(t, int64(len(content)), req.Files[0].Size)
		_, _ = w.Write([]byte(`{"files":[{"path":"data.parquet","uploadMode":"regular"}]}`))
	})
	mux.HandleFunc("/api/datasets/owner/repo/commit/main", func(w http.ResponseWriter, r *http.Request) {
		lines := readCommitLines(t, r)
		require.Len(t, lines, 2)
		assert.JSONEq(t, `"header"`, string(lines[0]["key"]))
		assert.JSONEq(t, `"file"`, string(lines[1]["key"]))

		var file commitFile
		require.NoError(t, json.Unmarshal(lines[1]["value"], &file))
		decoded, err := base64.StdEncoding.DecodeString(file.Content)
		require.NoError(t, err)
		assert.Equal(t, content, string(decoded))
		assert.Equal(t, "data.parquet", file.Path)

		committed.Store(true)
		_, _ = w.Write([]byte(`{"commitUrl":"https://hub/commit/abc","commitOid":"abc"}`))
	})

	client, _ := newTestClient(t, mux)
	info, err := client.UploadFile(context.Background(), "owner/repo", path, "data.parquet", "Upload data")
	require.NoError(t, err)
	assert.Equal(t, "abc", info.CommitOID)
	assert.True(t, committed.Load())
}

func TestUploadFile_LFS(t *testing.T) {
	content := strings.Repeat("columnar-bytes-", 100)
	path := writeUploadFile(t, content)
	sum := sha256.Sum256([]byte(content))
	oid := hex.EncodeToString(sum[:])

	var uploaded, verified atomic.Bool
	var serverURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/datasets/owner/repo/preupload/main", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"files":[{"path":"data.parquet","uploadMode":"lfs"}]}`))
	})
	mux.HandleFunc("/datasets/owner/repo.git/info/lfs/objects/batch", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, lfsContentType, r.Header.Get("Accept"))

		var req lfsBatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Objects, 1)
		assert.Equal(t, oid, req.Objects[0].OID)
		assert.Equal(t, int64(len(content)), req.Objects[0].Size)

		w.Header().Set("Content-Type", lfsContentType)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"objects": []map[string]any{{
				"oid":  oid,
				"size": len(content),
				"actions": map[string]any{
					"upload": map[string]any{"href": serverURL + "/storage/" + oid},
					"verify": map[string]any{"href": serverURL + "/verify"},
				},
			}},
		})
	})
	mux.HandleFunc("/storage/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Empty(t, r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, content, string(body))
		uploaded.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		verified.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/datasets/owner/repo/commit/main", func(w http.ResponseWriter, r *http.Request) {
		lines := readCommitLines(t, r)
		require.Len(t, lines, 2)
		assert.JSONEq(t, `"lfsFile"`, string(lines[1]["key"]))

		var file commitLFSFile
		require.NoError(t, json.Unmarshal(lines[1]["value"], &file))
		assert.Equal(t, oid, file.OID)
		assert.Equal(t, "sha256", file.Algo)
		assert.Equal(t, int64(len(content)), file.Size)

		_, _ = w.Write([]byte(`{"commitOid":"def"}`))
	})

	client, server := newTestClient(t, mux)
	serverURL = server.URL

	info, err := client.UploadFile(context.Background(), "owner/repo", path, "data.parquet", "Upload data")
	require.NoError(t, err)
	assert.Equal(t, "def", info.CommitOID)
	assert.True(t, uploaded.Load())
	assert.True(t, verified.Load())
}

func TestUploadFile_CommitRejected(t *testing.T) {
	path := writeUploadFile(t, "PAR1")

	mux := http.NewServeMux()
	mux.HandleFunc("/api/datasets/owner/repo/preupload/main", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"files":[{"path":"data.parquet","uploadMode":"regular"}]}`))
	})
	mux.HandleFunc("/api/datasets/owner/repo/commit/main", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Error-Message", "quota exceeded")
		w.WriteHeader(http.StatusForbidden)
	})

	client, _ := newTestClient(t, mux)
	_, err := client.UploadFile(context.Background(), "owner/repo", path, "data.parquet", "Upload data")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUploadRejected))
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	client.retrySchedule = []time.Duration{time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := client.do(ctx, request{method: http.MethodGet, url: client.apiURL("whoami-v2")})
	assert.ErrorIs(t, err, context.Canceled)
}

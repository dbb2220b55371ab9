package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/moychal/odkVaccine/odkdata"
	"github.com/moychal/odkVaccine/odkdb"
	"github.com/moychal/odkVaccine/odktables"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, stderr bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "odksync.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
app_name: vaccines
server:
  url: https://file.example.org
sync:
  push_batch_size: 50
`), 0o644))
	t.Setenv("ODKSYNC_SERVER_URL", "https://env.example.org")

	v, err := loadConfig(file)
	require.NoError(t, err)
	require.Equal(t, "vaccines", v.GetString(keyAppName))
	require.Equal(t, "https://env.example.org", v.GetString(keyServerURL))
	require.Equal(t, 50, v.GetInt(keySyncPushBatch))
	require.Equal(t, 1000, v.GetInt(keySyncPullLimit))
	require.Equal(t, filepath.Join(".", "data", "vaccines.db"), dbPath(v))
}

func TestNewLogger(t *testing.T) {
	_, _, err := newLogger("loud", "", os.Stderr)
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "odksync.log")
	logger, closer, err := newLogger("debug", file, os.Stderr)
	require.NoError(t, err)
	logger.Debug("hello", "table_id", "people")
	require.NoError(t, closer.Close())

	content, err := os.ReadFile(file)
	require.NoError(t, err)
	require.Contains(t, string(content), `"table_id":"people"`)
}

func TestParseMerge(t *testing.T) {
	choices, err := parseMerge([]string{"name=local", "age=SERVER"})
	require.NoError(t, err)
	require.Len(t, choices, 2)

	for _, bad := range []string{"name", "=local", "name=both"} {
		_, err := parseMerge([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestCommands_RowsAndExport(t *testing.T) {
	appDir := t.TempDir()
	dbFile := filepath.Join(appDir, "odk.db")

	store, err := odkdb.Open(dbFile, "default", nil)
	require.NoError(t, err)
	conn, err := store.OpenConn(context.Background())
	require.NoError(t, err)
	_, err = conn.CreateOrOpenTable(context.Background(), "people", []odkdata.Column{
		{ElementKey: "name", ElementName: "name", ElementType: "string"},
		{ElementKey: "age", ElementName: "age", ElementType: "integer"},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, store.Close())

	common := []string{"--app-dir", appDir, "--db-path", dbFile, "--log-level", "error"}

	_, err = run(t, append(common, "query", "row", "add", "people", "r1", `{"name":"ada","age":36}`)...)
	require.NoError(t, err)
	_, err = run(t, append(common, "query", "row", "checkpoint", "people", "r1", `{"age":37}`)...)
	require.NoError(t, err)

	out, err := run(t, append(common, "resolve", "checkpoints", "people")...)
	require.NoError(t, err)
	require.Contains(t, out, "r1")

	_, err = run(t, append(common, "resolve", "checkpoints", "people", "--take-newest")...)
	require.NoError(t, err)

	out, err = run(t, append(common, "query", "people", "--where", "age > ?", "--arg", "30")...)
	require.NoError(t, err)
	var res struct {
		Data     [][]any `json:"data"`
		Metadata struct {
			ElementKeyMap map[string]int `json:"elementKeyMap"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Data, 1)
	require.Equal(t, float64(37), res.Data[0][res.Metadata.ElementKeyMap["age"]])
	require.Equal(t, "COMPLETE", res.Data[0][res.Metadata.ElementKeyMap[odkdata.ColSavepointType]])

	out, err = run(t, append(common, "export", "people")...)
	require.NoError(t, err)
	require.Contains(t, out, "exported people")
	data, err := os.ReadFile(filepath.Join(appDir, "output", "csv", "people.csv"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(data), odkdata.ColID+","))
	require.Contains(t, string(data), "ada")

	_, err = run(t, append(common, "query", "people", "--sql", "DELETE FROM people")...)
	require.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("ODKSYNC_SERVER_JWT_SECRET", "s3cret")
	out, err := run(t, "--app-name", "vaccines", "token", "--user", "nurse", "--device", "tablet-1")
	require.NoError(t, err)

	claims, err := odktables.NewJWTAuth("s3cret").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	require.Equal(t, "nurse", claims.Subject)
	require.Equal(t, "tablet-1", claims.DeviceID)
	require.Equal(t, "vaccines", claims.AppName)

	_, err = run(t, "token", "--user", "nurse")
	require.Error(t, err, "device id is required")
}

func TestSyncCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "/odktables/default/tables", r.URL.Path)
		_ = json.NewEncoder(w).Encode(odktables.TableResourceList{
			Tables: []odktables.TableResource{{TableID: "people", SchemaETag: "s1"}},
		})
	}))
	defer srv.Close()

	t.Setenv("ODKSYNC_AUTH_TOKEN", "good")
	out, err := run(t, "--app-dir", t.TempDir(), "sync", "--check", "--server", srv.URL)
	require.NoError(t, err)
	require.Equal(t, "people\ts1\n", out)

	t.Setenv("ODKSYNC_AUTH_TOKEN", "bad")
	_, err = run(t, "--app-dir", t.TempDir(), "sync", "--check", "--server", srv.URL)
	require.ErrorContains(t, err, "rejected the credentials")

	t.Setenv("ODKSYNC_AUTH_TOKEN", "")
	_, err = run(t, "--app-dir", t.TempDir(), "sync", "--server", srv.URL)
	require.Error(t, err, "no token and no jwt secret")
}

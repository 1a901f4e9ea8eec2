package onedrive

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeGraph is an in-memory stand-in for the Graph endpoints the driver uses.
type fakeGraph struct {
	t      *testing.T
	server *httptest.Server

	tokenCalls  atomic.Int32
	uploadCalls atomic.Int32

	mu       sync.Mutex
	files    map[string][]byte
	folders  map[string]bool
	sessions map[string]*fakeSession
	nextID   int
}

type fakeSession struct {
	path     string
	data     []byte
	expires  time.Time
	finished bool
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	g := &fakeGraph{
		t:        t,
		files:    make(map[string][]byte),
		folders:  map[string]bool{"": true},
		sessions: make(map[string]*fakeSession),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", g.handleToken)
	mux.HandleFunc("/v1.0/me/drive/", g.handleDrive)
	mux.HandleFunc("/upload/", g.handleUpload)
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGraph) settings() map[string]any {
	return map[string]any{
		"client_id":     "app",
		"client_secret": "secret",
		"refresh_token": "rt-1",
		"api_base":      g.server.URL + "/v1.0",
		"token_url":     g.server.URL + "/token",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func graphErr(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": code, "message": code}})
}

func (g *fakeGraph) handleToken(w http.ResponseWriter, r *http.Request) {
	n := g.tokenCalls.Add(1)
	_ = r.ParseForm()
	if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  fmt.Sprintf("at-%d", n),
		"refresh_token": fmt.Sprintf("rt-%d", n+1),
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func (g *fakeGraph) item(p string) map[string]any {
	if g.folders[p] {
		return map[string]any{
			"id":                   "id:" + p,
			"name":                 path.Base("/" + p),
			"folder":               map[string]any{"childCount": 0},
			"lastModifiedDateTime": "2026-01-02T03:04:05Z",
		}
	}
	data := g.files[p]
	return map[string]any{
		"id":                           "id:" + p,
		"name":                         path.Base(p),
		"size":                         len(data),
		"eTag":                         fmt.Sprintf("etag-%d", len(data)),
		"file":                         map[string]any{"mimeType": "application/octet-stream"},
		"lastModifiedDateTime":         "2026-01-02T03:04:05Z",
		"@microsoft.graph.downloadUrl": g.server.URL + "/download/" + p,
	}
}

// parseDrivePath splits "/v1.0/me/drive/root:/a/b.txt:/content" into the
// item path "a/b.txt" and the action "content".
func parseDrivePath(urlPath string) (itemPath, action string) {
	rest := strings.TrimPrefix(urlPath, "/v1.0/me/drive/root")
	if !strings.HasPrefix(rest, ":/") {
		return "", strings.TrimPrefix(rest, "/")
	}
	rest = strings.TrimPrefix(rest, ":/")
	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return rest, ""
	}
	return rest[:i], strings.TrimPrefix(rest[i+1:], "/")
}

func (g *fakeGraph) handleDrive(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer at-") {
		graphErr(w, http.StatusUnauthorized, "InvalidAuthenticationToken")
		return
	}
	itemPath, action := parseDrivePath(r.URL.Path)

	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case action == "" && r.Method == http.MethodGet:
		if _, ok := g.files[itemPath]; !ok && !g.folders[itemPath] {
			graphErr(w, http.StatusNotFound, "itemNotFound")
			return
		}
		writeJSON(w, http.StatusOK, g.item(itemPath))

	case action == "" && r.Method == http.MethodDelete:
		if _, ok := g.files[itemPath]; !ok && !g.folders[itemPath] {
			graphErr(w, http.StatusNotFound, "itemNotFound")
			return
		}
		delete(g.files, itemPath)
		delete(g.folders, itemPath)
		w.WriteHeader(http.StatusNoContent)

	case action == "content" && r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		g.files[itemPath] = data
		writeJSON(w, http.StatusCreated, g.item(itemPath))

	case action == "content" && r.Method == http.MethodGet:
		data, ok := g.files[itemPath]
		if !ok {
			graphErr(w, http.StatusNotFound, "itemNotFound")
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			start, end := parseRange(rng, int64(len(data)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(data[start : end+1])
			return
		}
		_, _ = w.Write(data)

	case action == "children" && r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		child := strings.TrimPrefix(itemPath+"/"+body["name"].(string), "/")
		if g.folders[child] {
			graphErr(w, http.StatusConflict, "nameAlreadyExists")
			return
		}
		g.folders[child] = true
		writeJSON(w, http.StatusCreated, g.item(child))

	case action == "children" && r.Method == http.MethodGet:
		g.listChildren(w, r, itemPath)

	case action == "createUploadSession" && r.Method == http.MethodPost:
		g.nextID++
		id := strconv.Itoa(g.nextID)
		expires := time.Now().Add(time.Hour).UTC()
		g.sessions[id] = &fakeSession{path: itemPath, expires: expires}
		writeJSON(w, http.StatusOK, map[string]any{
			"uploadUrl":          g.server.URL + "/upload/" + id,
			"expirationDateTime": expires.Format(time.RFC3339),
			"nextExpectedRanges": []string{"0-"},
		})

	default:
		graphErr(w, http.StatusBadRequest, "invalidRequest")
	}
}

func (g *fakeGraph) listChildren(w http.ResponseWriter, r *http.Request, dir string) {
	var names []string
	seen := map[string]bool{}
	collect := func(p string) {
		parent := path.Dir("/" + p)
		if strings.TrimPrefix(parent, "/") == dir && p != "" && !seen[p] {
			seen[p] = true
			names = append(names, p)
		}
	}
	for p := range g.files {
		collect(p)
	}
	for p := range g.folders {
		collect(p)
	}
	sort.Strings(names)

	top, _ := strconv.Atoi(r.URL.Query().Get("$top"))
	if top <= 0 {
		top = len(names)
	}
	skip, _ := strconv.Atoi(r.URL.Query().Get("$skiptoken"))
	end := skip + top
	if end > len(names) {
		end = len(names)
	}

	items := make([]map[string]any, 0, end-skip)
	for _, p := range names[skip:end] {
		items = append(items, g.item(p))
	}
	resp := map[string]any{"value": items}
	if end < len(names) {
		resp["@odata.nextLink"] = fmt.Sprintf("%s%s?$top=%d&$skiptoken=%d", g.server.URL, r.URL.Path, top, end)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *fakeGraph) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "" {
		g.t.Errorf("upload URL received an Authorization header")
	}
	id := strings.TrimPrefix(r.URL.Path, "/upload/")

	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[id]
	if !ok || s.finished {
		graphErr(w, http.StatusNotFound, "itemNotFound")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"expirationDateTime": s.expires.Format(time.RFC3339),
			"nextExpectedRanges": []string{fmt.Sprintf("%d-", len(s.data))},
		})

	case http.MethodDelete:
		delete(g.sessions, id)
		w.WriteHeader(http.StatusNoContent)

	case http.MethodPut:
		g.uploadCalls.Add(1)
		data, _ := io.ReadAll(r.Body)
		var start, end, total int64
		if _, err := fmt.Sscanf(r.Header.Get("Content-Range"), "bytes %d-%d/%d", &start, &end, &total); err != nil {
			graphErr(w, http.StatusBadRequest, "invalidRange")
			return
		}
		if start != int64(len(s.data)) {
			graphErr(w, http.StatusRequestedRangeNotSatisfiable, "invalidRange")
			return
		}
		if int64(len(data)) != end-start+1 {
			graphErr(w, http.StatusBadRequest, "lengthMismatch")
			return
		}
		s.data = append(s.data, data...)
		if int64(len(s.data)) == total {
			s.finished = true
			g.files[s.path] = s.data
			writeJSON(w, http.StatusCreated, g.item(s.path))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"expirationDateTime": s.expires.Format(time.RFC3339),
			"nextExpectedRanges": []string{fmt.Sprintf("%d-", len(s.data))},
		})

	default:
		graphErr(w, http.StatusMethodNotAllowed, "notAllowed")
	}
}

// expireSession drops a session as the provider does after its expiry.
func (g *fakeGraph) expireSession(uploadURL string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, strings.TrimPrefix(uploadURL, g.server.URL+"/upload/"))
}

func parseRange(h string, size int64) (int64, int64) {
	spec := strings.TrimPrefix(h, "bytes=")
	a, b, _ := strings.Cut(spec, "-")
	start, _ := strconv.ParseInt(a, 10, 64)
	end := size - 1
	if b != "" {
		end, _ = strconv.ParseInt(b, 10, 64)
	}
	if end >= size {
		end = size - 1
	}
	return start, end
}
